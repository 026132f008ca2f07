package provider

import (
	"time"

	"github.com/stoneforge/stoneforge/internal/types"
)

// External state values. Providers normalize their richer state machines down
// to this pair; the field map's state-remap transform covers the rest.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// ExternalTask is the normalized shape of a task-like remote resource. Raw
// retains the opaque provider payload for round-tripping; conforming
// consumers ignore unknown keys inside it.
type ExternalTask struct {
	ExternalID string         `json:"external_id"`
	URL        string         `json:"url,omitempty"`
	Provider   string         `json:"provider"`
	Project    string         `json:"project,omitempty"`
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	State      string         `json:"state"`
	Labels     []string       `json:"labels,omitempty"`
	Assignees  []string       `json:"assignees,omitempty"`
	Priority   int            `json:"priority,omitempty"` // 1..5 normalized, 0 when the provider has no concept
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ClosedAt   *time.Time     `json:"closed_at,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// Projection returns the canonical projection of the external task, for
// change-detection hashing against the local side.
func (t *ExternalTask) Projection() types.Projection {
	return types.Projection{
		Title:     t.Title,
		Body:      t.Body,
		State:     t.State,
		Labels:    t.Labels,
		Assignees: t.Assignees,
		Priority:  t.Priority,
	}
}

// Hash returns the deterministic content hash of the external task.
func (t *ExternalTask) Hash() string {
	return t.Projection().Hash()
}

// ExternalDocument is the normalized shape of a document-like remote resource.
type ExternalDocument struct {
	ExternalID  string         `json:"external_id"`
	URL         string         `json:"url,omitempty"`
	Provider    string         `json:"provider"`
	Project     string         `json:"project,omitempty"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Hash returns the deterministic content hash of the external document.
func (d *ExternalDocument) Hash() string {
	return types.Projection{Title: d.Title, Body: d.Content, State: StateOpen}.Hash()
}

// ExternalMessage is the normalized shape of a message-like remote resource.
type ExternalMessage struct {
	ExternalID string         `json:"external_id"`
	URL        string         `json:"url,omitempty"`
	Provider   string         `json:"provider"`
	Project    string         `json:"project,omitempty"`
	Body       string         `json:"body"`
	Author     string         `json:"author,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// Hash returns the deterministic content hash of the external message.
func (m *ExternalMessage) Hash() string {
	return types.Projection{Body: m.Body, State: StateOpen}.Hash()
}

// TaskInput is a partial update for a remote task. Nil pointer fields are
// left untouched on the remote side; nil slices mean no change while empty
// slices clear.
type TaskInput struct {
	Title     *string  `json:"title,omitempty"`
	Body      *string  `json:"body,omitempty"`
	State     *string  `json:"state,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
	Priority  *int     `json:"priority,omitempty"`
}

// DocumentInput is a partial update for a remote document.
type DocumentInput struct {
	Title       *string `json:"title,omitempty"`
	Content     *string `json:"content,omitempty"`
	ContentType *string `json:"content_type,omitempty"`
}

// MessageInput creates a remote message.
type MessageInput struct {
	Body   string `json:"body"`
	Author string `json:"author,omitempty"`
}
