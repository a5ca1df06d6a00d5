package service

import (
	"context"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// HoldSummary is the derived accounting view of a hold-release transfer.
// Amounts are cents.
type HoldSummary struct {
	TransferID     string `json:"transfer_id"`
	OriginalHold   int64  `json:"original_hold"`
	UsedByChildren int64  `json:"used_by_children"`
	Remaining      int64  `json:"remaining"`
}

// HoldService computes hold-release accounting at request time. It never
// mutates state: the original hold is the sum of the hold transfer's
// from-side amounts, the used portion is the sum of from-side amounts of
// children that are approved or submitted-or-deeper, and remaining is the
// difference.
type HoldService struct {
	transfers TransferStore
}

// NewHoldService creates a new HoldService.
func NewHoldService(transfers TransferStore) *HoldService {
	return &HoldService{transfers: transfers}
}

// Summary returns the hold accounting view for a hold-release transfer.
func (s *HoldService) Summary(ctx context.Context, holdTransferID string) (*HoldSummary, error) {
	t, err := s.transfers.GetByID(ctx, holdTransferID)
	if err != nil {
		return nil, err
	}
	if t.Type != repository.TransferTypeHoldRelease {
		return nil, errors.InvalidInput("transfer_id", "transfer is not a hold-release transfer")
	}
	return s.summaryOf(ctx, t)
}

// summaryOf computes the view for an already-loaded hold transfer.
func (s *HoldService) summaryOf(ctx context.Context, t *repository.Transfer) (*HoldSummary, error) {
	used, err := s.transfers.ChildDrawTotal(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	original := t.TotalFromAmount()
	return &HoldSummary{
		TransferID:     t.ID,
		OriginalHold:   original,
		UsedByChildren: used,
		Remaining:      original - used,
	}, nil
}
