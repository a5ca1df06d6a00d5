package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

func TestResolveChainFiltersAndRenumbers(t *testing.T) {
	store := newMemStore()
	far := "FAR"
	fin := "FIN"
	// Sparse execution orders, one prefix-filtered out.
	store.assignTemplate("G", "T-generic", 5, nil)
	store.assignTemplate("G", "T-far", 10, &far)
	store.assignTemplate("G", "T-fin", 7, &fin)

	routing := NewRoutingService(store, logger.Nop())
	chain, err := routing.ResolveChain(context.Background(), "G", "FAR")
	require.NoError(t, err)
	require.Len(t, chain, 2)

	// Ordered by original execution order, renumbered dense 1..n.
	assert.Equal(t, "T-generic", chain[0].WorkflowTemplateID)
	assert.Equal(t, 1, chain[0].ExecutionOrder)
	assert.Equal(t, "T-far", chain[1].WorkflowTemplateID)
	assert.Equal(t, 2, chain[1].ExecutionOrder)
}

func TestResolveChainEmptyGroup(t *testing.T) {
	store := newMemStore()
	routing := NewRoutingService(store, logger.Nop())

	chain, err := routing.ResolveChain(context.Background(), "unknown", "FAR")
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestReplaceAssignmentsRejectsDuplicates(t *testing.T) {
	store := newMemStore()
	routing := NewRoutingService(store, logger.Nop())
	ctx := context.Background()

	dupTemplate := []*repository.WorkflowTemplateAssignment{
		{WorkflowTemplateID: "T1", ExecutionOrder: 1},
		{WorkflowTemplateID: "T1", ExecutionOrder: 2},
	}
	err := routing.ReplaceAssignments(ctx, "G", dupTemplate)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	dupOrder := []*repository.WorkflowTemplateAssignment{
		{WorkflowTemplateID: "T1", ExecutionOrder: 1},
		{WorkflowTemplateID: "T2", ExecutionOrder: 1},
	}
	err = routing.ReplaceAssignments(ctx, "G", dupOrder)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	// Nothing was written by the rejected calls.
	existing, _ := routing.AssignmentsForGroup(ctx, "G")
	assert.Empty(t, existing)

	valid := []*repository.WorkflowTemplateAssignment{
		{WorkflowTemplateID: "T1", ExecutionOrder: 1},
		{WorkflowTemplateID: "T2", ExecutionOrder: 2},
	}
	require.NoError(t, routing.ReplaceAssignments(ctx, "G", valid))
	existing, _ = routing.AssignmentsForGroup(ctx, "G")
	assert.Len(t, existing, 2)
}
