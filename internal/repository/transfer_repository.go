package repository

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
)

// TransferRepository reads budget transfers and applies the status updates
// the engine is entitled to. The transfer service owns everything else.
type TransferRepository struct {
	db *database.DB
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(db *database.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

const transferSelect = `
	SELECT id, code, transfer_type, status, security_group_id,
	       requested_by, requested_at, linked_transfer_id
	FROM budget_transfers
`

// GetByID retrieves a transfer with its lines.
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*Transfer, error) {
	t, err := r.scanTransfer(r.db.QueryRow(ctx, transferSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("budget_transfer", id)
	}
	if err != nil {
		return nil, err
	}

	lines, err := r.linesForTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Lines = lines
	return t, nil
}

// UpdateStatus sets the transfer status. Terminal statuses are monotone;
// the engine only calls this for submitted -> in_review/approved/rejected
// transitions.
func (r *TransferRepository) UpdateStatus(ctx context.Context, id string, status TransferStatus) error {
	query := `
		UPDATE budget_transfers
		SET status = $2::transfer_status, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("budget_transfer", id)
	}
	return err
}

// ChildDrawTotal sums the from-side amounts of children linked to a hold
// transfer, counting children that are approved or at submission level or
// deeper. Feeds the hold remaining computation; read-only.
func (r *TransferRepository) ChildDrawTotal(ctx context.Context, holdTransferID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(l.from_amount), 0)
		FROM budget_transfers c
		JOIN budget_transfer_lines l ON l.transfer_id = c.id
		WHERE c.linked_transfer_id = $1
		  AND (c.status = 'approved' OR c.status IN ('submitted', 'in_review'))
	`

	var total int64
	if err := r.db.QueryRow(ctx, query, holdTransferID).Scan(&total); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to sum child draws")
	}
	return total, nil
}

// ── Visibility queries ────────────────────────────────────────────────────────

// ListPending returns transfers with an active workflow holding a pending
// assignment for the user, newest request first. When allGroups is false
// the result is restricted to the given security groups plus transfers
// without a security group. Superadmins pass allGroups with userFilter
// disabled to see every pending transfer.
func (r *TransferRepository) ListPending(ctx context.Context, userID string, groupIDs []string, allGroups, filterUser bool, page, pageSize int) ([]*Transfer, int, error) {
	base := `
		FROM budget_transfers t
		WHERE EXISTS (
			SELECT 1
			FROM workflow_instances w
			JOIN workflow_stage_instances s ON s.workflow_instance_id = w.id
			JOIN stage_assignments a ON a.stage_instance_id = s.id
			WHERE w.transfer_id = t.id
			  AND w.status IN ('pending', 'in_progress')
			  AND s.status = 'active'
			  AND a.status = 'pending'
	`
	args := []any{}
	if filterUser {
		args = append(args, userID)
		base += `  AND a.user_id = $1`
	}
	base += `
		)
	`
	if !allGroups {
		args = append(args, groupIDs)
		base += `  AND (t.security_group_id IS NULL OR t.security_group_id = ANY($` + strconv.Itoa(len(args)) + `))`
	}

	return r.pagedTransfers(ctx, base, args, page, pageSize)
}

// ListHistory returns terminal transfers where the user had a non-pending
// assignment, newest request first. Superadmins pass allGroups to bypass
// the group restriction.
func (r *TransferRepository) ListHistory(ctx context.Context, userID string, groupIDs []string, allGroups bool, page, pageSize int) ([]*Transfer, int, error) {
	base := `
		FROM budget_transfers t
		WHERE t.status IN ('approved', 'rejected', 'cancelled')
		  AND EXISTS (
			SELECT 1
			FROM workflow_instances w
			JOIN workflow_stage_instances s ON s.workflow_instance_id = w.id
			JOIN stage_assignments a ON a.stage_instance_id = s.id
			WHERE w.transfer_id = t.id
			  AND a.user_id = $1
	`
	args := []any{userID}
	if !allGroups {
		// Regular users only see transfers they actually acted on.
		base += `  AND a.status <> 'pending'
	`
	}
	base += `
		)
	`
	if !allGroups {
		args = append(args, groupIDs)
		base += `  AND t.security_group_id = ANY($` + strconv.Itoa(len(args)) + `)`
	}

	return r.pagedTransfers(ctx, base, args, page, pageSize)
}

func (r *TransferRepository) pagedTransfers(ctx context.Context, base string, args []any, page, pageSize int) ([]*Transfer, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) `+base, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count transfers")
	}

	offset := (page - 1) * pageSize
	listArgs := append(append([]any{}, args...), pageSize, offset)
	query := `
		SELECT t.id, t.code, t.transfer_type, t.status, t.security_group_id,
		       t.requested_by, t.requested_at, t.linked_transfer_id
	` + base + `
		ORDER BY t.requested_at DESC, t.id DESC
		LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)

	rows, err := r.db.Query(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list transfers")
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t, err := r.scanTransfer(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan transfer")
		}
		transfers = append(transfers, t)
	}
	return transfers, total, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *TransferRepository) linesForTransfer(ctx context.Context, transferID string) ([]TransferLine, error) {
	query := `
		SELECT id, transfer_id, from_amount, to_amount, segments
		FROM budget_transfer_lines
		WHERE transfer_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get transfer lines")
	}
	defer rows.Close()

	var lines []TransferLine
	for rows.Next() {
		var l TransferLine
		var segments []byte
		if err := rows.Scan(&l.ID, &l.TransferID, &l.FromAmount, &l.ToAmount, &segments); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan transfer line")
		}
		if segments != nil {
			if err := json.Unmarshal(segments, &l.Segments); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal line segments")
			}
		}
		lines = append(lines, l)
	}
	return lines, nil
}

func (r *TransferRepository) scanTransfer(row rowScanner) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Type,
		&t.Status,
		&t.SecurityGroupID,
		&t.RequestedBy,
		&t.RequestedAt,
		&t.LinkedTransferID,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
