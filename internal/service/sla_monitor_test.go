package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-budget-transfers/internal/events"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/metrics"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

func TestSLASweepEmitsOncePerStage(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	require.NoError(t, store.CreateInstances(ctx, []*repository.WorkflowInstance{
		{TransferID: "X", TemplateID: "T1", ExecutionOrder: 1, Status: repository.WorkflowStatusInProgress},
	}))
	w, _ := store.InstancesForTransfer(ctx, "X")

	hours := 4
	breached := time.Now().UTC().Add(-5 * time.Hour)
	require.NoError(t, store.CreateStageInstance(ctx, &repository.WorkflowStageInstance{
		WorkflowInstanceID: w[0].ID, OrderIndex: 1, Name: "review",
		Status: repository.StageStatusActive, SLAHours: &hours, ActivatedAt: &breached,
	}))

	// A fresh active stage inside its SLA window.
	now := time.Now().UTC()
	require.NoError(t, store.CreateStageInstance(ctx, &repository.WorkflowStageInstance{
		WorkflowInstanceID: w[0].ID, OrderIndex: 2, Name: "fresh",
		Status: repository.StageStatusActive, SLAHours: &hours, ActivatedAt: &now,
	}))

	recorder := &events.Recorder{}
	monitor := NewSLAMonitor(store, recorder, metrics.NewEngineForTest(), time.Minute, logger.Nop())

	require.NoError(t, monitor.Sweep(ctx))
	breaches := recorder.OfType(events.TypeSLABreached)
	require.Len(t, breaches, 1)
	assert.Equal(t, "X", breaches[0].TransferID)

	// A second sweep does not re-notify the same stage.
	require.NoError(t, monitor.Sweep(ctx))
	assert.Len(t, recorder.OfType(events.TypeSLABreached), 1)
}

func TestSLASweepPrunesResolvedStages(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	require.NoError(t, store.CreateInstances(ctx, []*repository.WorkflowInstance{
		{TransferID: "X", TemplateID: "T1", ExecutionOrder: 1, Status: repository.WorkflowStatusInProgress},
	}))
	w, _ := store.InstancesForTransfer(ctx, "X")

	hours := 4
	breached := time.Now().UTC().Add(-5 * time.Hour)
	require.NoError(t, store.CreateStageInstance(ctx, &repository.WorkflowStageInstance{
		WorkflowInstanceID: w[0].ID, OrderIndex: 1, Name: "review",
		Status: repository.StageStatusActive, SLAHours: &hours, ActivatedAt: &breached,
	}))
	stages, _ := store.StagesForInstance(ctx, w[0].ID)

	recorder := &events.Recorder{}
	monitor := NewSLAMonitor(store, recorder, metrics.NewEngineForTest(), time.Minute, logger.Nop())

	require.NoError(t, monitor.Sweep(ctx))
	require.Len(t, recorder.OfType(events.TypeSLABreached), 1)

	// Once the stage resolves it leaves the notified set, so the set
	// does not grow with workflow throughput.
	now := time.Now().UTC()
	require.NoError(t, store.UpdateStageStatus(ctx, stages[0].ID, repository.StageStatusCompleted, &now))
	require.NoError(t, monitor.Sweep(ctx))

	monitor.mu.Lock()
	tracked := len(monitor.notified)
	monitor.mu.Unlock()
	assert.Zero(t, tracked)
	assert.Len(t, recorder.OfType(events.TypeSLABreached), 1)
}

func TestSLASweepIgnoresStagesWithoutSLA(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	require.NoError(t, store.CreateInstances(ctx, []*repository.WorkflowInstance{
		{TransferID: "X", TemplateID: "T1", ExecutionOrder: 1, Status: repository.WorkflowStatusInProgress},
	}))
	w, _ := store.InstancesForTransfer(ctx, "X")

	old := time.Now().UTC().Add(-100 * time.Hour)
	require.NoError(t, store.CreateStageInstance(ctx, &repository.WorkflowStageInstance{
		WorkflowInstanceID: w[0].ID, OrderIndex: 1, Name: "no-sla",
		Status: repository.StageStatusActive, ActivatedAt: &old,
	}))

	recorder := &events.Recorder{}
	monitor := NewSLAMonitor(store, recorder, metrics.NewEngineForTest(), time.Minute, logger.Nop())
	require.NoError(t, monitor.Sweep(ctx))
	assert.Empty(t, recorder.OfType(events.TypeSLABreached))
}
