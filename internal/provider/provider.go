// Package provider defines the plugin contract for external service
// connections. Each external system (GitHub, GitLab, etc.) supplies a
// Provider implementing this interface; the sync engine drives them through
// the per-kind adapters without knowing anything provider-specific.
package provider

import (
	"context"
	"time"

	"github.com/stoneforge/stoneforge/internal/types"
)

// Config carries the connection settings for one provider instance.
type Config struct {
	Name           string `json:"name" yaml:"name"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	APIBaseURL     string `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`
	DefaultProject string `json:"default_project,omitempty" yaml:"default_project,omitempty"`
}

// Provider is a connection facade to one external service. A provider
// declares which adapter kinds it supports and hands out an adapter object
// per supported kind; asking for an unsupported adapter returns nil.
type Provider interface {
	// Name returns the stable lowercase identifier (e.g., "github").
	Name() string

	// DisplayName returns the human-readable name (e.g., "GitHub").
	DisplayName() string

	// Configure applies connection settings. Called once before use.
	Configure(cfg Config) error

	// Validate checks that the provider is configured and can connect.
	Validate(ctx context.Context) error

	// SupportedAdapters returns the adapter kinds this provider offers.
	SupportedAdapters() []types.AdapterType

	// Tasks returns the task adapter, or nil when unsupported.
	Tasks() TaskAdapter

	// Documents returns the document adapter, or nil when unsupported.
	Documents() DocumentAdapter

	// Messages returns the message adapter, or nil when unsupported.
	Messages() MessageAdapter

	// Close releases any resources held by the provider.
	Close() error
}

// Supports reports whether the provider offers the given adapter kind.
func Supports(p Provider, kind types.AdapterType) bool {
	for _, k := range p.SupportedAdapters() {
		if k == kind {
			return true
		}
	}
	return false
}

// TaskAdapter is the per-provider operation set for task-shaped resources.
type TaskAdapter interface {
	// GetIssue retrieves one issue by external id. Returns nil, nil when the
	// issue does not exist.
	GetIssue(ctx context.Context, project, externalID string) (*ExternalTask, error)

	// ListIssuesSince returns issues updated at or after since. The result
	// must be monotone in since: narrowing the window never adds items.
	ListIssuesSince(ctx context.Context, project string, since time.Time) ([]*ExternalTask, error)

	// CreateIssue creates a remote issue and returns it with external id and
	// URL populated.
	CreateIssue(ctx context.Context, project string, input *TaskInput) (*ExternalTask, error)

	// UpdateIssue applies a partial update to the remote issue.
	UpdateIssue(ctx context.Context, project, externalID string, input *TaskInput) (*ExternalTask, error)

	// FieldMapConfig returns the provider's field mapping declaration.
	FieldMapConfig() TaskFieldMapConfig
}

// DocumentAdapter is the per-provider operation set for document-shaped
// resources (wiki pages, gists, and the like).
type DocumentAdapter interface {
	GetDocument(ctx context.Context, project, externalID string) (*ExternalDocument, error)
	ListDocumentsSince(ctx context.Context, project string, since time.Time) ([]*ExternalDocument, error)
	CreateDocument(ctx context.Context, project string, input *DocumentInput) (*ExternalDocument, error)
	UpdateDocument(ctx context.Context, project, externalID string, input *DocumentInput) (*ExternalDocument, error)
}

// MessageAdapter is the per-provider operation set for message-shaped
// resources (issue comments, chat posts). Messages are immutable locally, so
// the adapter has no update operation.
type MessageAdapter interface {
	GetMessage(ctx context.Context, project, externalID string) (*ExternalMessage, error)
	ListMessagesSince(ctx context.Context, project string, since time.Time) ([]*ExternalMessage, error)
	CreateMessage(ctx context.Context, project string, input *MessageInput) (*ExternalMessage, error)
}
