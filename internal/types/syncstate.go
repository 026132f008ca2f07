package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// SyncStateKey is the reserved metadata key holding an element's
// ExternalSyncState while it is linked to an external resource.
const SyncStateKey = "_externalSync"

// SyncDirection controls which way changes flow for a linked element.
type SyncDirection string

// Sync direction constants
const (
	DirectionPush          SyncDirection = "push"
	DirectionPull          SyncDirection = "pull"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// IsValid checks if the direction value is valid.
func (d SyncDirection) IsValid() bool {
	switch d {
	case DirectionPush, DirectionPull, DirectionBidirectional:
		return true
	}
	return false
}

// AdapterType selects which per-kind adapter a link uses.
type AdapterType string

// Adapter type constants
const (
	AdapterTask     AdapterType = "task"
	AdapterDocument AdapterType = "document"
	AdapterMessage  AdapterType = "message"
)

// IsValid checks if the adapter type value is valid.
func (a AdapterType) IsValid() bool {
	switch a {
	case AdapterTask, AdapterDocument, AdapterMessage:
		return true
	}
	return false
}

// ExternalSyncState pins an element to one external resource and records the
// last-seen hashes and timestamps used for change detection.
type ExternalSyncState struct {
	Provider       string        `json:"provider"`
	Project        string        `json:"project,omitempty"`
	ExternalID     string        `json:"external_id"`
	URL            string        `json:"url,omitempty"`
	LastPushedAt   *time.Time    `json:"last_pushed_at,omitempty"`
	LastPulledAt   *time.Time    `json:"last_pulled_at,omitempty"`
	LastPushedHash string        `json:"last_pushed_hash,omitempty"`
	LastPulledHash string        `json:"last_pulled_hash,omitempty"`
	Direction      SyncDirection `json:"direction,omitempty"`
	AdapterType    AdapterType   `json:"adapter_type,omitempty"`
}

// Validate checks sync-state field values.
func (s *ExternalSyncState) Validate() error {
	if s.Provider == "" {
		return E(KindMissingRequiredField, "sync state requires a provider")
	}
	if s.ExternalID == "" {
		return E(KindMissingRequiredField, "sync state requires an external_id")
	}
	if s.Direction != "" && !s.Direction.IsValid() {
		return E(KindInvalidInput, "invalid sync direction: %s", s.Direction)
	}
	if s.AdapterType != "" && !s.AdapterType.IsValid() {
		return E(KindInvalidInput, "invalid adapter type: %s", s.AdapterType)
	}
	return nil
}

// SyncState decodes the _externalSync envelope from the element's metadata.
// Returns nil, false when the element is not linked.
func (e *Element) SyncState() (*ExternalSyncState, bool) {
	raw, ok := e.Metadata[SyncStateKey]
	if !ok || raw == nil {
		return nil, false
	}
	// The envelope may be a decoded map (after JSON round-trips) or the
	// struct itself (freshly set in memory).
	if st, ok := raw.(*ExternalSyncState); ok {
		return st, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var st ExternalSyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	return &st, true
}

// SetSyncState writes the _externalSync envelope into the element's metadata,
// preserving every other key.
func (e *Element) SetSyncState(st *ExternalSyncState) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	// Store as a plain map so the in-memory form matches the persisted form.
	data, _ := json.Marshal(st)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	e.Metadata[SyncStateKey] = m
}

// ClearSyncState removes the _externalSync envelope. It is a no-op for
// unlinked elements.
func (e *Element) ClearSyncState() {
	delete(e.Metadata, SyncStateKey)
}

// Linked reports whether the element carries a sync state for the given
// provider ("" matches any provider).
func (e *Element) Linked(provider string) bool {
	st, ok := e.SyncState()
	if !ok {
		return false
	}
	return provider == "" || st.Provider == provider
}

// ReopenCount returns the reconciliation counter from metadata.
func (e *Element) ReopenCount() int {
	raw, ok := e.Metadata[ReopenCountKey]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Projection is the normalized shape of an element as an adapter would
// serialize it. Hashing the projection yields the content hash used for
// change detection; identical logical content always hashes identically.
type Projection struct {
	Title     string
	Body      string
	State     string // "open" or "closed"
	Labels    []string
	Assignees []string
	Priority  int // 0 when the provider has no concept of priority
}

// Hash returns the deterministic SHA-256 hash of the projection. Labels and
// assignees are treated as sorted sets; fields are NUL-separated.
func (p Projection) Hash() string {
	h := sha256.New()
	h.Write([]byte(p.Title))
	h.Write([]byte{0})
	h.Write([]byte(p.Body))
	h.Write([]byte{0})
	h.Write([]byte(p.State))
	h.Write([]byte{0})
	for _, l := range sortedSet(p.Labels) {
		h.Write([]byte(l))
		h.Write([]byte{1})
	}
	h.Write([]byte{0})
	for _, a := range sortedSet(p.Assignees) {
		h.Write([]byte(a))
		h.Write([]byte{1})
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(p.Priority)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// sortedSet returns a sorted, deduplicated copy.
func sortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}
