package types

import "time"

// EventKind classifies an audit-log entry.
type EventKind string

// Event kind constants
const (
	EventCreate       EventKind = "create"
	EventUpdate       EventKind = "update"
	EventDelete       EventKind = "delete"
	EventStatusChange EventKind = "status-change"
	EventSyncPushed   EventKind = "sync-pushed"
	EventSyncPulled   EventKind = "sync-pulled"
	EventSyncConflict EventKind = "sync-conflict"
)

// Event is one append-only audit record. The event log is the ground truth
// for audit; updated_at on the element is advisory. Consumers must treat the
// log as append-only and ordered per element.
type Event struct {
	ID        int64     `json:"id"`
	ElementID string    `json:"element_id"`
	Kind      EventKind `json:"kind"`
	Actor     string    `json:"actor,omitempty"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  *string   `json:"new_value,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
