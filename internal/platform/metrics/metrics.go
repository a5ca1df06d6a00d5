// Package metrics defines the Prometheus collectors exposed by the
// approval engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine holds the engine operation counters.
type Engine struct {
	WorkflowsStarted   prometheus.Counter
	WorkflowsApproved  prometheus.Counter
	WorkflowsRejected  prometheus.Counter
	WorkflowsCancelled prometheus.Counter
	StagesActivated    prometheus.Counter
	StagesSkipped      prometheus.Counter
	ActionsProcessed   *prometheus.CounterVec
	SLABreaches        prometheus.Counter
	EventsPublished    *prometheus.CounterVec
}

// NewEngine creates and registers the engine collectors on reg.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bt_workflows_started_total",
			Help: "Workflow chains started.",
		}),
		WorkflowsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bt_workflows_approved_total",
			Help: "Workflow instances completed as approved.",
		}),
		WorkflowsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bt_workflows_rejected_total",
			Help: "Workflow instances completed as rejected.",
		}),
		WorkflowsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bt_workflows_cancelled_total",
			Help: "Workflow instances cancelled.",
		}),
		StagesActivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bt_stages_activated_total",
			Help: "Stage instances activated.",
		}),
		StagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bt_stages_skipped_total",
			Help: "Stage instances auto-skipped for lack of eligible approvers.",
		}),
		ActionsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bt_actions_processed_total",
			Help: "Approval actions processed, by kind.",
		}, []string{"action"}),
		SLABreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bt_sla_breaches_total",
			Help: "Stage SLA breaches detected.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bt_events_published_total",
			Help: "Engine events published to the bus, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.WorkflowsStarted,
		m.WorkflowsApproved,
		m.WorkflowsRejected,
		m.WorkflowsCancelled,
		m.StagesActivated,
		m.StagesSkipped,
		m.ActionsProcessed,
		m.SLABreaches,
		m.EventsPublished,
	)
	return m
}

// NewEngineForTest creates unregistered collectors for tests.
func NewEngineForTest() *Engine {
	return NewEngine(prometheus.NewRegistry())
}
