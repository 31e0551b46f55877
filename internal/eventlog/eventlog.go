// Package eventlog records an append-only audit trail of coordination
// activity: scans, reconciliations, dispatch decisions, delivery
// attempts, and trigger transitions.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// Event kinds.
const (
	KindScan      = "scan"
	KindReconcile = "reconcile"
	KindDispatch  = "dispatch"
	KindDelivery  = "delivery"
	KindTrigger   = "trigger"
	KindAPI       = "api"
)

// Event is one audit record.
type Event struct {
	ID        int64           `json:"id"`
	Time      time.Time       `json:"time"`
	Kind      string          `json:"kind"`
	AgentName string          `json:"agent_name,omitempty"`
	TriggerID int64           `json:"trigger_id,omitempty"`
	AttemptID string          `json:"attempt_id,omitempty"` // delivery attempt correlation
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// Store is the append-only event store.
type Store interface {
	// Append records an event, assigning ID and Time when unset.
	Append(ctx context.Context, ev Event) (int64, error)

	// Recent returns the newest events, newest first, up to limit.
	Recent(ctx context.Context, limit int) ([]Event, error)

	// ByTrigger returns every event for a trigger, oldest first.
	ByTrigger(ctx context.Context, triggerID int64) ([]Event, error)

	Close() error
}

// Detail marshals v for Event.Detail, swallowing marshal errors into
// a null payload so audit logging never blocks the caller.
func Detail(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
