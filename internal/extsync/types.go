package extsync

import (
	"time"

	"github.com/stoneforge/stoneforge/internal/types"
)

// ConflictStrategy selects how a bidirectional sync resolves an element that
// changed on both sides since the last pass.
type ConflictStrategy string

// Conflict strategy constants
const (
	// LastWriteWins compares local and remote updated_at; the later writer
	// wins and the loser's changes are discarded.
	LastWriteWins ConflictStrategy = "LAST_WRITE_WINS"
	// LocalWins pushes the local value unconditionally.
	LocalWins ConflictStrategy = "LOCAL_WINS"
	// RemoteWins pulls the remote value unconditionally.
	RemoteWins ConflictStrategy = "REMOTE_WINS"
	// Manual overwrites neither side: the element is tagged sync-conflict and
	// skipped by later passes until the caller clears the tag.
	Manual ConflictStrategy = "MANUAL"
)

// IsValid checks if the strategy value is valid.
func (s ConflictStrategy) IsValid() bool {
	switch s {
	case LastWriteWins, LocalWins, RemoteWins, Manual:
		return true
	}
	return false
}

// Options qualify a push, pull or sync run.
type Options struct {
	// ElementIDs targets specific elements. Empty means consult All.
	ElementIDs []string
	// All targets every syncable element of the adapter kind.
	All bool
	// Provider restricts the run to one provider; empty runs every
	// configured provider.
	Provider string
	// AdapterType restricts the run to one kind; empty means task.
	AdapterType types.AdapterType
	// DryRun reports what would happen without calling providers or writing.
	DryRun bool
	// Force pushes linked elements even when change detection says clean,
	// and makes linkAll re-link elements already bound to the provider.
	Force bool
	// ConflictStrategy defaults to LastWriteWins.
	ConflictStrategy ConflictStrategy
	// CreateMissing lets pull materialize local elements for unmatched
	// remote items.
	CreateMissing bool
}

// normalized fills option defaults and validates the enums. Every entry
// point applies it before any closure captures the options, so the defaults
// reach the adapter merge paths.
func (o Options) normalized() (Options, error) {
	if o.ConflictStrategy == "" {
		o.ConflictStrategy = LastWriteWins
	}
	if !o.ConflictStrategy.IsValid() {
		return o, types.E(types.KindInvalidInput, "invalid conflict strategy: %s", o.ConflictStrategy)
	}
	if o.AdapterType == "" {
		o.AdapterType = types.AdapterTask
	}
	if !o.AdapterType.IsValid() {
		return o, types.E(types.KindInvalidInput, "invalid adapter type: %s", o.AdapterType)
	}
	return o, nil
}

// ConflictRecord describes one element that changed on both sides and how it
// was resolved.
type ConflictRecord struct {
	ElementID     string           `json:"element_id"`
	ExternalID    string           `json:"external_id"`
	Strategy      ConflictStrategy `json:"strategy"`
	Resolution    string           `json:"resolution"` // "local", "remote" or "manual"
	LocalUpdated  time.Time        `json:"local_updated"`
	RemoteUpdated time.Time        `json:"remote_updated"`
}

// Result reports the outcome of one push, pull or sync run against one
// provider. Partial failure is success=true with a non-empty Errors; only
// unrecoverable orchestrator failure yields success=false.
type Result struct {
	RunID       string             `json:"run_id"`
	Success     bool               `json:"success"`
	Provider    string             `json:"provider"`
	Project     string             `json:"project,omitempty"`
	AdapterType types.AdapterType  `json:"adapter_type"`
	Pushed      int                `json:"pushed"`
	Pulled      int                `json:"pulled"`
	Skipped     int                `json:"skipped"`
	Conflicts   []ConflictRecord   `json:"conflicts,omitempty"`
	Errors      []*types.SyncError `json:"errors,omitempty"`
	DryRun      bool               `json:"dry_run,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}
