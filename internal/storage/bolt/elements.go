package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stoneforge/stoneforge/internal/idgen"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

// CreateElement persists a new element. An empty ID is filled in from the
// content hash; a caller-supplied ID must be free. Zero timestamps are set to
// now, preset timestamps are kept (import and test paths rely on that).
func (s *Store) CreateElement(ctx context.Context, el *types.Element, actor string) error {
	now := s.now()
	if el.CreatedAt.IsZero() {
		el.CreatedAt = now
	}
	if el.UpdatedAt.IsZero() {
		el.UpdatedAt = el.CreatedAt
	}
	if el.CreatedBy == "" {
		el.CreatedBy = actor
	}
	applyDefaults(el)

	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketElements)
		if el.ID == "" {
			seed := elementSeed(el)
			id, err := idgen.NewUnique(seed, el.CreatedBy, el.CreatedAt, func(id string) bool {
				return eb.Get([]byte(id)) != nil || tx.Bucket(bucketVersions).Get([]byte(id)) != nil
			})
			if err != nil {
				return err
			}
			el.ID = id
		} else if eb.Get([]byte(el.ID)) != nil {
			return types.E(types.KindAlreadyExists, "element %s already exists", el.ID)
		}

		if err := el.Validate(); err != nil {
			return err
		}
		if err := putElementTx(tx, el); err != nil {
			return err
		}
		if err := s.appendEventTx(tx, &types.Event{
			ElementID: el.ID,
			Kind:      types.EventCreate,
			Actor:     actor,
		}); err != nil {
			return err
		}
		return s.markDirtyTx(tx, el.ID)
	})
}

// applyDefaults fills kind-payload fields a caller may legitimately omit.
func applyDefaults(el *types.Element) {
	switch {
	case el.Task != nil:
		if el.Task.Status == "" {
			el.Task.Status = types.StatusOpen
		}
		if el.Task.TaskType == "" {
			el.Task.TaskType = types.TypeTask
		}
		if el.Task.Priority == 0 {
			el.Task.Priority = 3
		}
	case el.Document != nil:
		if el.Document.Version == 0 {
			el.Document.Version = 1
		}
		if el.Document.Status == "" {
			el.Document.Status = types.DocActive
		}
	case el.Workflow != nil:
		if el.Workflow.Status == "" {
			el.Workflow.Status = types.WorkflowPending
		}
	case el.Plan != nil:
		if el.Plan.Status == "" {
			el.Plan.Status = types.PlanDraft
		}
	}
}

// elementSeed picks the content fed to the id generator.
func elementSeed(el *types.Element) string {
	switch {
	case el.Task != nil:
		return el.Task.Title
	case el.Document != nil:
		return el.Document.Content
	case el.Channel != nil:
		return el.Channel.Name
	case el.Message != nil:
		return el.Message.ChannelID + "/" + el.Message.ContentRef
	case el.Plan != nil:
		return el.Plan.Title
	}
	return string(el.Type)
}

// GetElement returns the element by id, tombstones included.
func (s *Store) GetElement(ctx context.Context, id string) (*types.Element, error) {
	var el *types.Element
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		el, err = getElementTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return el, nil
}

// GetDocumentVersion returns a superseded document snapshot by its version id.
func (s *Store) GetDocumentVersion(ctx context.Context, versionID string) (*types.Element, error) {
	var el types.Element
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersions).Get([]byte(versionID))
		if data == nil {
			return types.E(types.KindNotFound, "document version %s not found", versionID)
		}
		return json.Unmarshal(data, &el)
	})
	if err != nil {
		return nil, err
	}
	return &el, nil
}

// ListElements returns elements matching the filter in id order.
func (s *Store) ListElements(ctx context.Context, filter types.ElementFilter) ([]*types.Element, error) {
	var out []*types.Element
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketElements).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var el types.Element
			if err := json.Unmarshal(v, &el); err != nil {
				return fmt.Errorf("decode element %s: %w", k, err)
			}
			if !filter.Matches(&el) {
				continue
			}
			out = append(out, &el)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateElement applies a field patch under single-element serialization.
// When opts.ExpectedUpdatedAt is set the update is optimistic: it fails with
// CONFLICT unless the stored updated_at still matches. Messages and immutable
// documents reject every patch. The stored updated_at always advances
// strictly, so two successive updates never share a timestamp.
func (s *Store) UpdateElement(ctx context.Context, id string, patch map[string]any, opts storage.UpdateOptions) (*types.Element, error) {
	var (
		updated    *types.Element
		oldStatus  string
		newStatus  string
		unblocking bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		el, err := getElementTx(tx, id)
		if err != nil {
			return err
		}
		if el.IsTombstone() {
			return types.E(types.KindNotFound, "element %s is deleted", id)
		}
		if opts.ExpectedUpdatedAt != nil && !el.UpdatedAt.Equal(*opts.ExpectedUpdatedAt) {
			return types.E(types.KindConflict,
				"element %s was modified (expected updated_at %s, found %s)",
				id, opts.ExpectedUpdatedAt.Format(time.RFC3339Nano), el.UpdatedAt.Format(time.RFC3339Nano))
		}
		if el.Message != nil {
			return types.E(types.KindImmutable, "messages cannot be updated")
		}
		if el.Document != nil && el.Document.Immutable {
			return types.E(types.KindImmutable, "document %s is immutable", id)
		}

		before := el.Clone()
		if err := s.applyPatchTx(tx, el, patch); err != nil {
			return err
		}

		// Statuses before/after, for the audit record and cache invalidation.
		oldStatus, newStatus = statusOf(before), statusOf(el)

		now := s.now()
		if !now.After(el.UpdatedAt) {
			now = el.UpdatedAt.Add(time.Millisecond)
		}
		el.UpdatedAt = now

		if err := el.Validate(); err != nil {
			return err
		}
		if err := putElementTx(tx, el); err != nil {
			return err
		}

		if oldStatus != newStatus {
			if err := s.appendEventTx(tx, &types.Event{
				ElementID: id,
				Kind:      types.EventStatusChange,
				Actor:     opts.Actor,
				OldValue:  &oldStatus,
				NewValue:  &newStatus,
			}); err != nil {
				return err
			}
			unblocking = true
		}
		if err := s.appendEventTx(tx, &types.Event{
			ElementID: id,
			Kind:      types.EventUpdate,
			Actor:     opts.Actor,
		}); err != nil {
			return err
		}
		if err := s.markDirtyTx(tx, id); err != nil {
			return err
		}
		updated = el
		return nil
	})
	if err != nil {
		return nil, err
	}
	if unblocking {
		s.invalidateDependents(id)
	}
	return updated, nil
}

// statusOf extracts the kind-specific status string, or "".
func statusOf(el *types.Element) string {
	switch {
	case el.Task != nil:
		return string(el.Task.Status)
	case el.Document != nil:
		return string(el.Document.Status)
	case el.Workflow != nil:
		return string(el.Workflow.Status)
	case el.Plan != nil:
		return string(el.Plan.Status)
	}
	return ""
}

// applyPatchTx mutates el according to the patch map. Unknown keys and keys
// that do not apply to the element's kind are rejected.
func (s *Store) applyPatchTx(tx *bolt.Tx, el *types.Element, patch map[string]any) error {
	for key, raw := range patch {
		switch key {
		case "tags":
			tags, err := stringSlice(raw)
			if err != nil {
				return types.E(types.KindInvalidInput, "tags: %v", err)
			}
			el.Tags = tags
		case "metadata":
			if err := mergeMetadata(el, raw); err != nil {
				return err
			}
		default:
			var err error
			switch {
			case el.Task != nil:
				err = s.applyTaskPatch(el, key, raw)
			case el.Document != nil:
				err = s.applyDocumentPatch(tx, el, key, raw)
			case el.Channel != nil:
				err = applyChannelPatch(el, key, raw)
			case el.Workflow != nil:
				err = applyWorkflowPatch(el, key, raw)
			case el.Plan != nil:
				err = applyPlanPatch(el, key, raw)
			default:
				err = types.E(types.KindInvalidInput, "unknown field: %s", key)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) applyTaskPatch(el *types.Element, key string, raw any) error {
	t := el.Task
	switch key {
	case "title":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "title: %v", err)
		}
		t.Title = v
	case "status":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "status: %v", err)
		}
		return s.transitionTask(el, types.TaskStatus(v))
	case "priority":
		v, err := intValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "priority: %v", err)
		}
		t.Priority = v
	case "complexity":
		v, err := intValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "complexity: %v", err)
		}
		t.Complexity = v
	case "task_type":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "task_type: %v", err)
		}
		t.TaskType = types.TaskType(v)
	case "assignee":
		if raw == nil {
			t.Assignee = ""
			return nil
		}
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "assignee: %v", err)
		}
		t.Assignee = v
	case "description_ref":
		if raw == nil {
			t.DescriptionRef = ""
			return nil
		}
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "description_ref: %v", err)
		}
		t.DescriptionRef = v
	case "scheduled_for":
		ts, err := timeValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "scheduled_for: %v", err)
		}
		t.ScheduledFor = ts
	case "close_reason":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "close_reason: %v", err)
		}
		t.CloseReason = v
	default:
		return types.E(types.KindInvalidInput, "unknown task field: %s", key)
	}
	return nil
}

// transitionTask enforces the status machine and runs transition side effects.
// Closing stamps closed_at; reopening clears the closure fields, drops the
// stale assignee and bumps the reopen counter so sync reconciliation can see
// how often the external side has resurrected the task.
func (s *Store) transitionTask(el *types.Element, next types.TaskStatus) error {
	t := el.Task
	if !next.IsValid() {
		return types.E(types.KindInvalidStatus, "invalid task status: %s", next)
	}
	if !t.Status.CanTransition(next) {
		return types.E(types.KindInvalidStatus, "cannot transition %s -> %s", t.Status, next)
	}
	reopening := t.Status == types.StatusClosed && next == types.StatusOpen
	t.Status = next
	switch {
	case next == types.StatusClosed:
		now := s.now()
		t.ClosedAt = &now
	case reopening:
		t.ClosedAt = nil
		t.CloseReason = ""
		t.Assignee = ""
		if el.Metadata == nil {
			el.Metadata = make(map[string]any)
		}
		el.Metadata[types.ReopenCountKey] = el.ReopenCount() + 1
	default:
		t.ClosedAt = nil
	}
	return nil
}

// applyDocumentPatch handles document fields. A content change supersedes the
// current tuple: the old version is snapshotted under a fresh id in version
// storage and the live record's version advances with previous_version_id
// pointing at the snapshot.
func (s *Store) applyDocumentPatch(tx *bolt.Tx, el *types.Element, key string, raw any) error {
	d := el.Document
	switch key {
	case "content":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "content: %v", err)
		}
		if v == d.Content {
			return nil
		}
		snapID, err := s.snapshotDocumentTx(tx, el)
		if err != nil {
			return err
		}
		d.Content = v
		d.Version++
		d.PreviousVersionID = snapID
	case "content_type":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "content_type: %v", err)
		}
		d.ContentType = types.ContentType(v)
	case "category":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "category: %v", err)
		}
		d.Category = v
	case "status":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "status: %v", err)
		}
		st := types.DocumentStatus(v)
		if !st.IsValid() {
			return types.E(types.KindInvalidStatus, "invalid document status: %s", v)
		}
		d.Status = st
	case "immutable":
		v, ok := raw.(bool)
		if !ok {
			return types.E(types.KindInvalidInput, "immutable: expected bool, got %T", raw)
		}
		if d.Immutable && !v {
			return types.E(types.KindImmutable, "immutable documents cannot be made mutable")
		}
		d.Immutable = v
	default:
		return types.E(types.KindInvalidInput, "unknown document field: %s", key)
	}
	return nil
}

// snapshotDocumentTx copies the current document tuple into version storage
// and returns the snapshot id.
func (s *Store) snapshotDocumentTx(tx *bolt.Tx, el *types.Element) (string, error) {
	snap := el.Clone()
	eb := tx.Bucket(bucketElements)
	vb := tx.Bucket(bucketVersions)
	seed := fmt.Sprintf("%s@v%d", el.ID, el.Document.Version)
	snapID, err := idgen.NewUnique(seed, el.CreatedBy, s.now(), func(id string) bool {
		return eb.Get([]byte(id)) != nil || vb.Get([]byte(id)) != nil
	})
	if err != nil {
		return "", err
	}
	snap.ID = snapID
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	if err := vb.Put([]byte(snapID), data); err != nil {
		return "", err
	}
	return snapID, nil
}

func applyChannelPatch(el *types.Element, key string, raw any) error {
	c := el.Channel
	if c.ChannelType == types.ChannelDirect {
		return types.E(types.KindImmutable, "direct channel %s cannot be modified", key)
	}
	switch key {
	case "name":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "name: %v", err)
		}
		c.Name = v
	case "members":
		members, err := stringSlice(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "members: %v", err)
		}
		c.Members = members
	case "permissions":
		data, err := json.Marshal(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "permissions: %v", err)
		}
		var p types.ChannelPermissions
		if err := json.Unmarshal(data, &p); err != nil {
			return types.E(types.KindInvalidInput, "permissions: %v", err)
		}
		c.Permissions = p
	default:
		return types.E(types.KindInvalidInput, "unknown channel field: %s", key)
	}
	return nil
}

func applyWorkflowPatch(el *types.Element, key string, raw any) error {
	w := el.Workflow
	switch key {
	case "status":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "status: %v", err)
		}
		next := types.WorkflowStatus(v)
		if !next.IsValid() {
			return types.E(types.KindInvalidStatus, "invalid workflow status: %s", v)
		}
		if !w.CanTransitionTo(next) {
			return types.E(types.KindInvalidStatus, "cannot transition workflow %s -> %s", w.Status, next)
		}
		w.Status = next
	case "ephemeral":
		v, ok := raw.(bool)
		if !ok {
			return types.E(types.KindInvalidInput, "ephemeral: expected bool, got %T", raw)
		}
		w.Ephemeral = v
	default:
		return types.E(types.KindInvalidInput, "unknown workflow field: %s", key)
	}
	return nil
}

func applyPlanPatch(el *types.Element, key string, raw any) error {
	p := el.Plan
	switch key {
	case "status":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "status: %v", err)
		}
		st := types.PlanStatus(v)
		if !st.IsValid() {
			return types.E(types.KindInvalidStatus, "invalid plan status: %s", v)
		}
		p.Status = st
	case "title":
		v, err := stringValue(raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "title: %v", err)
		}
		p.Title = v
	default:
		return types.E(types.KindInvalidInput, "unknown plan field: %s", key)
	}
	return nil
}

// mergeMetadata merges a metadata patch key by key. A nil value deletes the
// key. The reserved keys are managed through dedicated operations and cannot
// be patched directly.
func mergeMetadata(el *types.Element, raw any) error {
	m, ok := raw.(map[string]any)
	if !ok {
		return types.E(types.KindInvalidInput, "metadata: expected object, got %T", raw)
	}
	if el.Metadata == nil {
		el.Metadata = make(map[string]any, len(m))
	}
	for k, v := range m {
		if k == types.SyncStateKey || k == types.ReopenCountKey {
			return types.E(types.KindInvalidInput, "metadata key %s is reserved", k)
		}
		if v == nil {
			delete(el.Metadata, k)
		} else {
			el.Metadata[k] = v
		}
	}
	return nil
}

// DeleteElement soft-deletes: the record stays resolvable by id as a
// tombstone and its incident edges are left in place. Deleting a tombstone is
// a no-op.
func (s *Store) DeleteElement(ctx context.Context, id string, opts storage.DeleteOptions) error {
	var wasLive bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		el, err := getElementTx(tx, id)
		if err != nil {
			return err
		}
		if el.IsTombstone() {
			return nil
		}
		wasLive = true
		now := s.now()
		el.DeletedAt = &now
		el.DeletedBy = opts.Actor
		el.DeleteReason = opts.Reason
		if !now.After(el.UpdatedAt) {
			now = el.UpdatedAt.Add(time.Millisecond)
		}
		el.UpdatedAt = now
		if err := putElementTx(tx, el); err != nil {
			return err
		}
		if err := s.appendEventTx(tx, &types.Event{
			ElementID: id,
			Kind:      types.EventDelete,
			Actor:     opts.Actor,
			Note:      opts.Reason,
		}); err != nil {
			return err
		}
		return s.markDirtyTx(tx, id)
	})
	if err != nil {
		return err
	}
	if wasLive {
		// A tombstoned blocker counts as satisfied, so dependents may unblock.
		s.invalidateDependents(id)
	}
	return nil
}

// ReplaceElement overwrites an element wholesale, preserving the incoming
// timestamps. The import path uses this after identity reconciliation; the
// write is not marked dirty, since it already reflects the external file.
func (s *Store) ReplaceElement(ctx context.Context, el *types.Element, actor string) error {
	if err := el.Validate(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putElementTx(tx, el); err != nil {
			return err
		}
		return s.appendEventTx(tx, &types.Event{
			ElementID: el.ID,
			Kind:      types.EventUpdate,
			Actor:     actor,
			Note:      "import",
		})
	})
	if err != nil {
		return err
	}
	s.cache.invalidateAll()
	return nil
}

// GetByExternalRef finds the element linked to the given external resource.
func (s *Store) GetByExternalRef(ctx context.Context, provider, externalID string) (*types.Element, error) {
	var found *types.Element
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketElements).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var el types.Element
			if err := json.Unmarshal(v, &el); err != nil {
				return fmt.Errorf("decode element %s: %w", k, err)
			}
			st, ok := el.SyncState()
			if ok && st.Provider == provider && st.ExternalID == externalID {
				found = &el
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.E(types.KindNotFound, "no element linked to %s/%s", provider, externalID)
	}
	return found, nil
}

// SetSyncState writes the element's sync envelope. The element's updated_at
// is deliberately left alone: recording a sync is not a content change and
// must not trip change detection on the next pass.
func (s *Store) SetSyncState(ctx context.Context, id string, st *types.ExternalSyncState, actor string) error {
	if err := st.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		el, err := getElementTx(tx, id)
		if err != nil {
			return err
		}
		el.SetSyncState(st)
		if err := putElementTx(tx, el); err != nil {
			return err
		}
		return s.markDirtyTx(tx, id)
	})
}

// ClearSyncState removes the element's sync envelope. No-op when unlinked.
func (s *Store) ClearSyncState(ctx context.Context, id, actor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		el, err := getElementTx(tx, id)
		if err != nil {
			return err
		}
		if _, linked := el.SyncState(); !linked {
			return nil
		}
		el.ClearSyncState()
		if err := putElementTx(tx, el); err != nil {
			return err
		}
		return s.markDirtyTx(tx, id)
	})
}

// RecordSyncEvent appends a sync audit record without touching the element.
func (s *Store) RecordSyncEvent(ctx context.Context, id string, kind types.EventKind, actor, note string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketElements).Get([]byte(id)) == nil {
			return types.E(types.KindNotFound, "element %s not found", id)
		}
		return s.appendEventTx(tx, &types.Event{
			ElementID: id,
			Kind:      kind,
			Actor:     actor,
			Note:      note,
		})
	})
}
