// Package events defines the engine event model and the sinks that consume
// it. Events are collected in a Buffer while a transaction is open and
// flushed to a Publisher only after the transaction commits, so consumers
// never observe uncommitted state. Delivery is at-least-once; consumers
// deduplicate by the composite key (transfer, workflow, stage, action).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the engine event types.
type Type string

const (
	TypeStageActivated      Type = "stage-activated"
	TypeStageSkipped        Type = "stage-skipped"
	TypeStageCompleted      Type = "stage-completed"
	TypeWorkflowApproved    Type = "workflow-approved"
	TypeWorkflowRejected    Type = "workflow-rejected"
	TypeWorkflowCancelled   Type = "workflow-cancelled"
	TypeChainCompleted      Type = "chain-completed"
	TypeTransferTerminal    Type = "transfer-terminal"
	TypeSLABreached         Type = "sla-breached"
	TypeHoldFundReturn      Type = "hold-fund-return"
	TypeEngineWarning       Type = "engine-warning"
)

// Event is one engine notification. TransferID is always set; the other
// ids are set when the event concerns that level.
type Event struct {
	ID                 string         `json:"id"`
	Type               Type           `json:"type"`
	TransferID         string         `json:"transfer_id"`
	WorkflowInstanceID string         `json:"workflow_instance_id,omitempty"`
	StageInstanceID    string         `json:"stage_instance_id,omitempty"`
	ActionID           string         `json:"action_id,omitempty"`
	Outcome            string         `json:"outcome,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	OccurredAt         time.Time      `json:"occurred_at"`
	Payload            map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t Type, transferID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		TransferID: transferID,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers committed events to external consumers. Publish must
// not fail the business operation; implementations log and drop on error.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Buffer accumulates events during a transaction. It is not safe for use
// by multiple goroutines; each engine operation owns its buffer.
type Buffer struct {
	events []Event
}

// Add appends an event to the buffer.
func (b *Buffer) Add(ev Event) {
	b.events = append(b.events, ev)
}

// Drain returns the buffered events and empties the buffer.
func (b *Buffer) Drain() []Event {
	out := b.events
	b.events = nil
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int { return len(b.events) }

// Recorder is a Publisher that keeps every event in memory. Used in tests
// and as a fallback sink when NATS is disabled.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
