package service

import (
	"context"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// TransferPage is one page of transfers with the total row count.
type TransferPage struct {
	Items    []*repository.Transfer `json:"items"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// VisibilityService answers the approver-facing listing queries: what is
// waiting on me, and what have I acted on. Visibility derives from the
// caller's effective abilities; superadmins see every group.
type VisibilityService struct {
	store      VisibilityStore
	access     *AccessService
	abilityTag string
	log        *logger.Logger
}

// NewVisibilityService creates a new VisibilityService. abilityTag is the
// ability that grants the approval views, normally "approve".
func NewVisibilityService(store VisibilityStore, access *AccessService, abilityTag string, log *logger.Logger) *VisibilityService {
	return &VisibilityService{store: store, access: access, abilityTag: abilityTag, log: log}
}

// ListPending returns transfers with a pending assignment for the caller,
// restricted to groups where the caller holds the approval ability. A
// superadmin sees every transfer with any pending assignment.
func (s *VisibilityService) ListPending(ctx context.Context, userID string, page, pageSize int) (*TransferPage, error) {
	groupIDs, allGroups, err := s.access.GroupsWithAbility(ctx, userID, s.abilityTag)
	if err != nil {
		return nil, err
	}
	if !allGroups && len(groupIDs) == 0 {
		return nil, errors.NewWithReason(errors.ErrCodeUnauthorized, errors.ReasonAccessDenied,
			"user holds the approval ability in no group")
	}

	page, pageSize = normalizePage(page, pageSize)

	// Superadmins are not filtered to their own assignments: the view is
	// everything pending anywhere.
	filterUser := !allGroups
	items, total, err := s.store.ListPending(ctx, userID, groupIDs, allGroups, filterUser, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &TransferPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ListHistory returns transfers the caller has acted on, restricted to
// groups where the caller holds the approval ability.
func (s *VisibilityService) ListHistory(ctx context.Context, userID string, page, pageSize int) (*TransferPage, error) {
	groupIDs, allGroups, err := s.access.GroupsWithAbility(ctx, userID, s.abilityTag)
	if err != nil {
		return nil, err
	}
	if !allGroups && len(groupIDs) == 0 {
		return nil, errors.NewWithReason(errors.ErrCodeUnauthorized, errors.ReasonAccessDenied,
			"user holds the approval ability in no group")
	}

	page, pageSize = normalizePage(page, pageSize)
	items, total, err := s.store.ListHistory(ctx, userID, groupIDs, allGroups, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &TransferPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
