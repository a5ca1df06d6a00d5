package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-budget-transfers/internal/events"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/metrics"
)

// SLAMonitor periodically scans active stage instances whose SLA deadline
// has passed and emits one sla-breached event per stage. Breaches are
// advisory: the stage stays active and the monitor never escalates or
// auto-decides.
type SLAMonitor struct {
	store     SLAStore
	publisher events.Publisher
	metrics   *metrics.Engine
	interval  time.Duration
	log       *logger.Logger

	mu       sync.Mutex
	notified map[string]bool
}

// NewSLAMonitor creates a new SLAMonitor polling at the given interval.
func NewSLAMonitor(store SLAStore, publisher events.Publisher, m *metrics.Engine, interval time.Duration, log *logger.Logger) *SLAMonitor {
	return &SLAMonitor{
		store:     store,
		publisher: publisher,
		metrics:   m,
		interval:  interval,
		log:       log,
		notified:  map[string]bool{},
	}
}

// Run polls until the context is cancelled. Intended to run in its own
// goroutine from main.
func (m *SLAMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Warn().Err(err).Msg("SLA sweep failed")
			}
		}
	}
}

// Sweep runs one scan. Exposed for tests and for a manual trigger.
func (m *SLAMonitor) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	stages, err := m.store.ActiveStagesPastSLA(ctx, now)
	if err != nil {
		return err
	}

	// Stages no longer in the breached set have completed or been
	// cancelled; drop them so the notified set stays bounded.
	current := make(map[string]bool, len(stages))
	for _, si := range stages {
		current[si.ID] = true
	}
	m.mu.Lock()
	for id := range m.notified {
		if !current[id] {
			delete(m.notified, id)
		}
	}
	m.mu.Unlock()

	for _, si := range stages {
		m.mu.Lock()
		seen := m.notified[si.ID]
		if !seen {
			m.notified[si.ID] = true
		}
		m.mu.Unlock()
		if seen {
			continue
		}

		w, err := m.store.GetInstance(ctx, si.WorkflowInstanceID)
		if err != nil {
			return err
		}

		ev := events.New(events.TypeSLABreached, w.TransferID)
		ev.WorkflowInstanceID = w.ID
		ev.StageInstanceID = si.ID
		ev.Payload = map[string]any{"stage": si.Name, "sla_hours": si.SLAHours, "activated_at": si.ActivatedAt}
		m.publisher.Publish(ctx, ev)
		m.metrics.SLABreaches.Inc()

		m.log.Warn().
			Str("transfer_id", w.TransferID).
			Str("stage_instance_id", si.ID).
			Msg("Stage SLA breached")
	}
	return nil
}
