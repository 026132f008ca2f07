// Package storage defines the element store contract.
//
// The concrete implementation lives in the bolt sub-package. This package
// holds the interface and option types referenced by both the implementation
// and its consumers (extsync, jsonl, cmd/sf) so alternatives can be
// substituted in tests.
package storage

import (
	"context"
	"time"

	"github.com/stoneforge/stoneforge/internal/types"
)

// UpdateOptions qualify an UpdateElement call.
type UpdateOptions struct {
	// Actor is recorded on the resulting event.
	Actor string
	// ExpectedUpdatedAt enables optimistic concurrency: when set, the update
	// fails with CONFLICT unless the stored updated_at matches exactly.
	ExpectedUpdatedAt *time.Time
}

// DeleteOptions qualify a soft delete.
type DeleteOptions struct {
	Actor  string
	Reason string
}

// TreeDirection selects which way a dependency tree walk traverses.
type TreeDirection string

// Tree direction constants
const (
	// TreeDown walks from an element toward its blockers.
	TreeDown TreeDirection = "down"
	// TreeUp walks from an element toward its dependents.
	TreeUp TreeDirection = "up"
)

// TreeOptions qualify a dependency tree walk.
type TreeOptions struct {
	Direction TreeDirection // default TreeDown
	MaxDepth  int           // default 10
}

// Storage is the element store contract: CRUD with optimistic concurrency,
// an append-only event log, the dependency graph with its blocked cache,
// readiness queries, persistent dirty tracking, and sync-state lookups.
// Operations are serializable at single-element granularity.
type Storage interface {
	// Element CRUD
	CreateElement(ctx context.Context, el *types.Element, actor string) error
	GetElement(ctx context.Context, id string) (*types.Element, error)
	UpdateElement(ctx context.Context, id string, patch map[string]any, opts UpdateOptions) (*types.Element, error)
	DeleteElement(ctx context.Context, id string, opts DeleteOptions) error
	ListElements(ctx context.Context, filter types.ElementFilter) ([]*types.Element, error)
	// ReplaceElement overwrites an element wholesale, preserving the incoming
	// timestamps. Used by the import path after identity reconciliation.
	ReplaceElement(ctx context.Context, el *types.Element, actor string) error
	GetDocumentVersion(ctx context.Context, versionID string) (*types.Element, error)
	GetEvents(ctx context.Context, id string, limit int) ([]*types.Event, error)

	// Dependencies
	AddDependency(ctx context.Context, dep *types.Dependency, actor string) error
	RemoveDependency(ctx context.Context, blockedID, blockerID string, depType types.DependencyType, actor string) error
	Outgoing(ctx context.Context, id string) ([]*types.Dependency, error)
	Incoming(ctx context.Context, id string) ([]*types.Dependency, error)
	DependenciesByType(ctx context.Context, depType types.DependencyType) ([]*types.Dependency, error)
	AllDependencies(ctx context.Context) ([]*types.Dependency, error)
	DependencyTree(ctx context.Context, id string, opts TreeOptions) ([]*types.TreeNode, error)
	AreRelated(ctx context.Context, a, b string) (bool, error)

	// Gates
	RecordApproval(ctx context.Context, blockedID, blockerID, approver string) error
	SatisfyGate(ctx context.Context, blockedID, blockerID, source string) error

	// Readiness
	IsBlocked(ctx context.Context, id string) (bool, error)
	ReadyElements(ctx context.Context, filter types.WorkFilter) ([]*types.Element, error)
	BlockedElements(ctx context.Context, filter types.WorkFilter) ([]*types.BlockedElement, error)
	BacklogElements(ctx context.Context) ([]*types.Element, error)

	// Dirty tracking for incremental export
	MarkDirty(ctx context.Context, ids ...string) error
	DirtyElements(ctx context.Context) ([]string, error)
	ClearDirty(ctx context.Context, ids []string) error

	// External sync support
	GetByExternalRef(ctx context.Context, provider, externalID string) (*types.Element, error)
	SetSyncState(ctx context.Context, id string, st *types.ExternalSyncState, actor string) error
	ClearSyncState(ctx context.Context, id, actor string) error
	RecordSyncEvent(ctx context.Context, id string, kind types.EventKind, actor, note string) error

	// Bookkeeping
	Statistics(ctx context.Context) (*types.Statistics, error)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)

	Close() error
}
