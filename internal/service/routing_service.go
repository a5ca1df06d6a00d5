package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// RoutingService resolves which workflow template chain applies to a
// transfer and administers the group-to-template assignments.
type RoutingService struct {
	store RegistryStore
	log   *logger.Logger
}

// NewRoutingService creates a new RoutingService.
func NewRoutingService(store RegistryStore, log *logger.Logger) *RoutingService {
	return &RoutingService{store: store, log: log}
}

// ResolveChain returns the group's workflow template assignments that
// apply to the transaction code prefix, ordered by execution order and
// renumbered to a dense 1..n so instance execution orders are gapless.
// An assignment applies when its code filter is empty or equals the prefix.
func (s *RoutingService) ResolveChain(ctx context.Context, securityGroupID, transactionCodePrefix string) ([]*repository.WorkflowTemplateAssignment, error) {
	assignments, err := s.store.AssignmentsForGroup(ctx, securityGroupID)
	if err != nil {
		return nil, err
	}

	var selected []*repository.WorkflowTemplateAssignment
	for _, a := range assignments {
		if a.TransactionCodeFilter == nil || *a.TransactionCodeFilter == "" || *a.TransactionCodeFilter == transactionCodePrefix {
			selected = append(selected, a)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].ExecutionOrder < selected[j].ExecutionOrder
	})
	for i, a := range selected {
		a.ExecutionOrder = i + 1
	}
	return selected, nil
}

// ReplaceAssignments atomically replaces a group's template assignments.
// Duplicate templates or duplicate execution orders in the input are
// rejected before any write happens.
func (s *RoutingService) ReplaceAssignments(ctx context.Context, securityGroupID string, assignments []*repository.WorkflowTemplateAssignment) error {
	seenTemplates := map[string]bool{}
	seenOrders := map[int]bool{}
	for _, a := range assignments {
		if a.WorkflowTemplateID == "" {
			return errors.InvalidInput("workflow_template_id", "is required")
		}
		if a.ExecutionOrder < 1 {
			return errors.InvalidInput("execution_order", "must be positive")
		}
		if seenTemplates[a.WorkflowTemplateID] {
			return errors.InvalidInput("workflow_template_id", "duplicate template in assignment set")
		}
		if seenOrders[a.ExecutionOrder] {
			return errors.InvalidInput("execution_order", "duplicate execution order in assignment set")
		}
		seenTemplates[a.WorkflowTemplateID] = true
		seenOrders[a.ExecutionOrder] = true
	}

	if err := s.store.ReplaceAssignments(ctx, securityGroupID, assignments); err != nil {
		return err
	}

	s.log.Info().Str("security_group_id", securityGroupID).Int("count", len(assignments)).
		Msg("Workflow template assignments replaced")
	return nil
}

// AssignmentsForGroup returns the raw assignment rows for administration.
func (s *RoutingService) AssignmentsForGroup(ctx context.Context, securityGroupID string) ([]*repository.WorkflowTemplateAssignment, error) {
	return s.store.AssignmentsForGroup(ctx, securityGroupID)
}
