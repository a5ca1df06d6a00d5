package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
)

// TransferTxRunner serializes engine operations per transfer. It opens one
// transaction, takes a transaction-scoped advisory lock keyed by the
// transfer id, and runs fn with the transaction carried in the context, so
// every repository call inside fn is atomic and ordered with respect to
// concurrent operations on the same transfer. Operations on different
// transfers proceed in parallel.
type TransferTxRunner struct {
	db *database.DB
}

// NewTransferTxRunner creates a new TransferTxRunner.
func NewTransferTxRunner(db *database.DB) *TransferTxRunner {
	return &TransferTxRunner{db: db}
}

// InTransferTx runs fn under the transfer's lock. Either every write inside
// fn commits or none do.
func (r *TransferTxRunner) InTransferTx(ctx context.Context, transferID string, fn func(ctx context.Context) error) error {
	return r.db.InTransaction(ctx, func(ctx context.Context, _ pgx.Tx) error {
		if err := r.db.AcquireAdvisoryLock(ctx, "budget_transfer:"+transferID); err != nil {
			return err
		}
		return fn(ctx)
	})
}
