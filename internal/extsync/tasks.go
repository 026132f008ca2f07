package extsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

// tally accumulates counters across concurrent element workers.
type tally struct {
	mu        sync.Mutex
	pushed    int
	pulled    int
	skipped   int
	conflicts []ConflictRecord
}

func (t *tally) addPushed()  { t.mu.Lock(); t.pushed++; t.mu.Unlock() }
func (t *tally) addPulled()  { t.mu.Lock(); t.pulled++; t.mu.Unlock() }
func (t *tally) addSkipped() { t.mu.Lock(); t.skipped++; t.mu.Unlock() }

func (t *tally) addConflict(c ConflictRecord) {
	t.mu.Lock()
	t.conflicts = append(t.conflicts, c)
	t.mu.Unlock()
}

func (t *tally) apply(res *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res.Pushed += t.pushed
	res.Pulled += t.pulled
	res.Skipped += t.skipped
	res.Conflicts = append(res.Conflicts, t.conflicts...)
}

// taskTargets resolves which task elements a push or sync run covers:
// explicit ids, every task, or (default) the tasks linked to this provider.
func (e *Engine) taskTargets(ctx context.Context, opts Options, providerName string) ([]*types.Element, error) {
	if len(opts.ElementIDs) > 0 {
		out := make([]*types.Element, 0, len(opts.ElementIDs))
		for _, id := range opts.ElementIDs {
			el, err := e.store.GetElement(ctx, id)
			if err != nil {
				return nil, err
			}
			if el.Task == nil {
				return nil, types.E(types.KindInvalidInput, "element %s is not a task", id)
			}
			if el.IsTombstone() {
				return nil, types.E(types.KindNotFound, "element %s is deleted", id)
			}
			out = append(out, el)
		}
		return out, nil
	}
	filter := types.ElementFilter{Type: types.ElementTask}
	if !opts.All {
		filter.Provider = providerName
	}
	return e.store.ListElements(ctx, filter)
}

// localTaskProjection builds the canonical projection of a local task,
// resolving the body through its description document.
func (e *Engine) localTaskProjection(ctx context.Context, el *types.Element) (types.Projection, error) {
	proj := types.Projection{
		Title:    el.Task.Title,
		State:    provider.StateOpen,
		Labels:   el.Tags,
		Priority: el.Task.Priority,
	}
	if el.Task.Status == types.StatusClosed {
		proj.State = provider.StateClosed
	}
	if el.Task.Assignee != "" {
		proj.Assignees = []string{el.Task.Assignee}
	}
	if el.Task.DescriptionRef != "" {
		doc, err := e.store.GetElement(ctx, el.Task.DescriptionRef)
		if err != nil {
			return proj, fmt.Errorf("resolving description of %s: %w", el.ID, err)
		}
		if doc.Document != nil {
			proj.Body = doc.Document.Content
		}
	}
	return proj, nil
}

// buildTaskInput derives the provider-side partial input from a projection,
// honoring the field map's priority label convention.
func buildTaskInput(proj types.Projection, cfg provider.TaskFieldMapConfig) *provider.TaskInput {
	title := proj.Title
	body := proj.Body
	state := proj.State
	input := &provider.TaskInput{
		Title:     &title,
		Body:      &body,
		State:     &state,
		Labels:    append([]string(nil), proj.Labels...),
		Assignees: append([]string(nil), proj.Assignees...),
	}
	if input.Labels == nil {
		input.Labels = []string{}
	}
	if input.Assignees == nil {
		input.Assignees = []string{}
	}
	if proj.Priority > 0 {
		p := proj.Priority
		input.Priority = &p
		if label := cfg.PriorityLabel(p); label != "" {
			input.Labels = append(input.Labels, label)
		}
	}
	return input
}

// remotePriority recovers the normalized priority of an external task, native
// field first, then the label convention.
func remotePriority(ext *provider.ExternalTask, cfg provider.TaskFieldMapConfig) int {
	if ext.Priority > 0 {
		return ext.Priority
	}
	return cfg.PriorityFromLabels(ext.Labels)
}

// remoteTags strips convention labels from an external task's label set.
func remoteTags(ext *provider.ExternalTask, cfg provider.TaskFieldMapConfig) []string {
	if cfg.PriorityLabelPrefix == "" {
		return ext.Labels
	}
	var out []string
	for _, l := range ext.Labels {
		if !strings.HasPrefix(l, cfg.PriorityLabelPrefix) {
			out = append(out, l)
		}
	}
	return out
}

func (e *Engine) pushTasks(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	targets, err := e.taskTargets(ctx, opts, p.Name())
	if err != nil {
		return err
	}
	res.Project = e.project(p)
	t := &tally{}
	defer t.apply(res)

	err = e.forEachElement(ctx, res, targets, func(ctx context.Context, stale *types.Element) error {
		// Reload under the element lock; another worker may have moved it.
		el, err := e.store.GetElement(ctx, stale.ID)
		if err != nil {
			return err
		}
		return e.pushOneTask(ctx, p, opts, el, t)
	})
	return err
}

// pushOneTask pushes a single task: create when unlinked, update when linked
// and local-changed, skip otherwise. Callers hold the element lock.
func (e *Engine) pushOneTask(ctx context.Context, p provider.Provider, opts Options, el *types.Element, t *tally) error {
	if el.HasTag(types.ConflictTag) {
		t.addSkipped()
		return nil
	}
	st, linked := el.SyncState()
	if linked && st.Provider != p.Name() {
		t.addSkipped()
		return nil
	}
	proj, err := e.localTaskProjection(ctx, el)
	if err != nil {
		return err
	}
	if !linked {
		return e.pushCreateTask(ctx, p, opts, el, proj, t)
	}
	if proj.Hash() == st.LastPushedHash && !opts.Force {
		t.addSkipped()
		return nil
	}
	return e.pushUpdateTask(ctx, p, opts, el, st, proj, t)
}

func (e *Engine) pushCreateTask(ctx context.Context, p provider.Provider, opts Options, el *types.Element, proj types.Projection, t *tally) error {
	if opts.DryRun {
		e.msg("[dry-run] would create %q in %s", proj.Title, p.DisplayName())
		t.addPushed()
		return nil
	}
	adapter := p.Tasks()
	project := e.project(p)
	input := buildTaskInput(proj, adapter.FieldMapConfig())

	var ext *provider.ExternalTask
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ext, err = adapter.CreateIssue(ctx, project, input)
		return err
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	hash := proj.Hash()
	st := &types.ExternalSyncState{
		Provider:       p.Name(),
		Project:        project,
		ExternalID:     ext.ExternalID,
		URL:            ext.URL,
		LastPushedAt:   &now,
		LastPushedHash: hash,
		LastPulledAt:   &now,
		LastPulledHash: ext.Hash(),
		Direction:      types.DirectionBidirectional,
		AdapterType:    types.AdapterTask,
	}
	if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
		return err
	}
	if err := e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPushed, e.cfg.Actor,
		fmt.Sprintf("created %s in %s", ext.ExternalID, p.Name())); err != nil {
		return err
	}
	e.pushed.Add(ctx, 1)
	t.addPushed()
	return nil
}

func (e *Engine) pushUpdateTask(ctx context.Context, p provider.Provider, opts Options, el *types.Element, st *types.ExternalSyncState, proj types.Projection, t *tally) error {
	if opts.DryRun {
		e.msg("[dry-run] would update %s in %s", st.ExternalID, p.DisplayName())
		t.addPushed()
		return nil
	}
	adapter := p.Tasks()
	input := buildTaskInput(proj, adapter.FieldMapConfig())

	var ext *provider.ExternalTask
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ext, err = adapter.UpdateIssue(ctx, st.Project, st.ExternalID, input)
		return err
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	st.LastPushedAt = &now
	st.LastPushedHash = proj.Hash()
	st.LastPulledAt = &now
	st.LastPulledHash = ext.Hash()
	if ext.URL != "" {
		st.URL = ext.URL
	}
	if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
		return err
	}
	if err := e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPushed, e.cfg.Actor,
		fmt.Sprintf("updated %s in %s", st.ExternalID, p.Name())); err != nil {
		return err
	}
	e.pushed.Add(ctx, 1)
	t.addPushed()
	return nil
}

func (e *Engine) pullTasks(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	adapter := p.Tasks()
	project := e.project(p)
	res.Project = project
	t := &tally{}
	defer t.apply(res)

	linked, err := e.store.ListElements(ctx, types.ElementFilter{Type: types.ElementTask, Provider: p.Name()})
	if err != nil {
		return err
	}
	since := pullWatermark(linked)

	var items []*provider.ExternalTask
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		items, err = adapter.ListIssuesSince(ctx, project, since)
		return err
	})
	if err != nil {
		return err
	}
	e.msg("fetched %d items from %s", len(items), p.DisplayName())

	for _, ext := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		local, err := e.store.GetByExternalRef(ctx, p.Name(), ext.ExternalID)
		if types.IsNotFound(err) {
			if !opts.CreateMissing {
				t.addSkipped()
				continue
			}
			if opts.DryRun {
				e.msg("[dry-run] would create local task for %s", ext.ExternalID)
				t.addPulled()
				continue
			}
			if err := e.createLocalTask(ctx, p, ext); err != nil {
				res.Errors = append(res.Errors, asSyncError(p.Name(), err))
				continue
			}
			t.addPulled()
			continue
		}
		if err != nil {
			return err
		}

		unlock := e.locks.lock(local.ID)
		err = e.pullOneTask(ctx, p, opts, local.ID, ext, t)
		unlock()
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			res.Errors = append(res.Errors, asSyncErrorFor(p.Name(), local.ID, err))
		}
	}
	return nil
}

// pullWatermark returns the most recent lastPulledAt across linked elements,
// or the epoch when none has been pulled yet.
func pullWatermark(linked []*types.Element) time.Time {
	var watermark time.Time
	for _, el := range linked {
		st, ok := el.SyncState()
		if !ok || st.LastPulledAt == nil {
			continue
		}
		if st.LastPulledAt.After(watermark) {
			watermark = *st.LastPulledAt
		}
	}
	return watermark
}

// pullOneTask merges one remote item into its linked local element. Callers
// hold the element lock.
func (e *Engine) pullOneTask(ctx context.Context, p provider.Provider, opts Options, id string, ext *provider.ExternalTask, t *tally) error {
	el, err := e.store.GetElement(ctx, id)
	if err != nil {
		return err
	}
	if el.HasTag(types.ConflictTag) {
		t.addSkipped()
		return nil
	}
	st, ok := el.SyncState()
	if !ok {
		t.addSkipped()
		return nil
	}
	if !remoteChanged(st, ext) {
		t.addSkipped()
		return nil
	}
	if opts.DryRun {
		e.msg("[dry-run] would pull %s into %s", ext.ExternalID, el.ID)
		t.addPulled()
		return nil
	}
	if err := e.applyRemoteTask(ctx, el, ext, p.Tasks().FieldMapConfig()); err != nil {
		return err
	}
	if err := e.refreshPulledState(ctx, el.ID, st, ext); err != nil {
		return err
	}
	e.pulled.Add(ctx, 1)
	t.addPulled()
	return nil
}

// remoteChanged implements the pull side of change detection.
func remoteChanged(st *types.ExternalSyncState, ext *provider.ExternalTask) bool {
	var lastPulled time.Time
	if st.LastPulledAt != nil {
		lastPulled = *st.LastPulledAt
	}
	return ext.UpdatedAt.After(lastPulled) && ext.Hash() != st.LastPulledHash
}

// refreshPulledState stamps the pull watermark and, since the local value now
// mirrors the remote, resets the pushed hash so the merge does not bounce
// back on the next push.
func (e *Engine) refreshPulledState(ctx context.Context, id string, st *types.ExternalSyncState, ext *provider.ExternalTask) error {
	now := time.Now().UTC()
	st.LastPulledAt = &now
	st.LastPulledHash = ext.Hash()
	el, err := e.store.GetElement(ctx, id)
	if err != nil {
		return err
	}
	proj, err := e.localTaskProjection(ctx, el)
	if err != nil {
		return err
	}
	st.LastPushedHash = proj.Hash()
	if err := e.store.SetSyncState(ctx, id, st, e.cfg.Actor); err != nil {
		return err
	}
	return e.store.RecordSyncEvent(ctx, id, types.EventSyncPulled, e.cfg.Actor,
		fmt.Sprintf("pulled %s from %s", ext.ExternalID, st.Provider))
}

// applyRemoteTask overwrites local task fields with the remote value,
// including the description document backing the body.
func (e *Engine) applyRemoteTask(ctx context.Context, el *types.Element, ext *provider.ExternalTask, cfg provider.TaskFieldMapConfig) error {
	patch := map[string]any{
		"title": ext.Title,
		"tags":  remoteTags(ext, cfg),
	}
	if p := remotePriority(ext, cfg); p > 0 {
		patch["priority"] = p
	}
	if len(ext.Assignees) > 0 {
		patch["assignee"] = ext.Assignees[0]
	} else {
		patch["assignee"] = nil
	}
	if _, err := e.store.UpdateElement(ctx, el.ID, patch, storage.UpdateOptions{Actor: e.cfg.Actor}); err != nil {
		return err
	}
	if err := e.applyRemoteBody(ctx, el, ext.Body); err != nil {
		return err
	}
	return e.applyRemoteState(ctx, el, ext.State)
}

// applyRemoteState walks the local status machine toward the remote state,
// one legal transition at a time.
func (e *Engine) applyRemoteState(ctx context.Context, el *types.Element, state string) error {
	current := el.Task.Status
	var route []types.TaskStatus
	switch {
	case state == provider.StateClosed && current != types.StatusClosed:
		if current == types.StatusBacklog {
			route = []types.TaskStatus{types.StatusOpen, types.StatusClosed}
		} else {
			route = []types.TaskStatus{types.StatusClosed}
		}
	case state == provider.StateOpen && current == types.StatusClosed:
		route = []types.TaskStatus{types.StatusOpen}
	}
	for _, next := range route {
		if _, err := e.store.UpdateElement(ctx, el.ID, map[string]any{"status": string(next)},
			storage.UpdateOptions{Actor: e.cfg.Actor}); err != nil {
			return err
		}
	}
	return nil
}

// applyRemoteBody writes the remote body through the task's description
// document, creating one when the task has none.
func (e *Engine) applyRemoteBody(ctx context.Context, el *types.Element, body string) error {
	if el.Task.DescriptionRef != "" {
		doc, err := e.store.GetElement(ctx, el.Task.DescriptionRef)
		if err != nil {
			return err
		}
		if doc.Document == nil || doc.Document.Content == body {
			return nil
		}
		_, err = e.store.UpdateElement(ctx, doc.ID, map[string]any{"content": body},
			storage.UpdateOptions{Actor: e.cfg.Actor})
		return err
	}
	if body == "" {
		return nil
	}
	doc := &types.Element{
		Type:     types.ElementDocument,
		Document: &types.Document{ContentType: types.ContentMarkdown, Content: body},
	}
	if err := e.store.CreateElement(ctx, doc, e.cfg.Actor); err != nil {
		return err
	}
	_, err := e.store.UpdateElement(ctx, el.ID, map[string]any{"description_ref": doc.ID},
		storage.UpdateOptions{Actor: e.cfg.Actor})
	return err
}

// createLocalTask materializes a local element for an unmatched remote item
// and links it.
func (e *Engine) createLocalTask(ctx context.Context, p provider.Provider, ext *provider.ExternalTask) error {
	cfg := p.Tasks().FieldMapConfig()
	task := &types.Task{
		Title:    ext.Title,
		Status:   types.StatusOpen,
		Priority: remotePriority(ext, cfg),
	}
	if task.Priority == 0 {
		task.Priority = 3
	}
	if len(ext.Assignees) > 0 {
		task.Assignee = ext.Assignees[0]
	}
	if ext.State == provider.StateClosed {
		closed := time.Now().UTC()
		if ext.ClosedAt != nil {
			closed = *ext.ClosedAt
		}
		task.Status = types.StatusClosed
		task.ClosedAt = &closed
	}

	if ext.Body != "" {
		doc := &types.Element{
			Type:     types.ElementDocument,
			Document: &types.Document{ContentType: types.ContentMarkdown, Content: ext.Body},
		}
		if err := e.store.CreateElement(ctx, doc, e.cfg.Actor); err != nil {
			return err
		}
		task.DescriptionRef = doc.ID
	}

	el := &types.Element{
		Type: types.ElementTask,
		Task: task,
		Tags: remoteTags(ext, cfg),
	}
	if err := e.store.CreateElement(ctx, el, e.cfg.Actor); err != nil {
		return err
	}

	now := time.Now().UTC()
	proj, err := e.localTaskProjection(ctx, el)
	if err != nil {
		return err
	}
	st := &types.ExternalSyncState{
		Provider:       p.Name(),
		Project:        ext.Project,
		ExternalID:     ext.ExternalID,
		URL:            ext.URL,
		LastPulledAt:   &now,
		LastPulledHash: ext.Hash(),
		LastPushedHash: proj.Hash(),
		Direction:      types.DirectionBidirectional,
		AdapterType:    types.AdapterTask,
	}
	if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
		return err
	}
	return e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPulled, e.cfg.Actor,
		fmt.Sprintf("created from %s %s", p.Name(), ext.ExternalID))
}

func (e *Engine) syncTasks(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	adapter := p.Tasks()
	project := e.project(p)
	res.Project = project
	t := &tally{}
	defer t.apply(res)

	linked, err := e.store.ListElements(ctx, types.ElementFilter{Type: types.ElementTask, Provider: p.Name()})
	if err != nil {
		return err
	}

	// The remote window must cover the element with the oldest watermark.
	since := oldestWatermark(linked)
	var items []*provider.ExternalTask
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		items, err = adapter.ListIssuesSince(ctx, project, since)
		return err
	})
	if err != nil {
		return err
	}
	remote := make(map[string]*provider.ExternalTask, len(items))
	for _, ext := range items {
		remote[ext.ExternalID] = ext
	}

	err = e.forEachElement(ctx, res, linked, func(ctx context.Context, stale *types.Element) error {
		el, err := e.store.GetElement(ctx, stale.ID)
		if err != nil {
			return err
		}
		return e.mergeOneTask(ctx, p, opts, el, remote, t)
	})
	if err != nil {
		return err
	}

	// Unlinked local tasks join the remote side when the run covers them.
	if opts.All || len(opts.ElementIDs) > 0 {
		targets, err := e.taskTargets(ctx, opts, p.Name())
		if err != nil {
			return err
		}
		var unlinked []*types.Element
		for _, el := range targets {
			if !el.Linked("") {
				unlinked = append(unlinked, el)
			}
		}
		err = e.forEachElement(ctx, res, unlinked, func(ctx context.Context, stale *types.Element) error {
			el, err := e.store.GetElement(ctx, stale.ID)
			if err != nil {
				return err
			}
			return e.pushOneTask(ctx, p, opts, el, t)
		})
		if err != nil {
			return err
		}
	}

	// Unmatched remote items become local elements when policy permits.
	if opts.CreateMissing {
		for _, ext := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.store.GetByExternalRef(ctx, p.Name(), ext.ExternalID); !types.IsNotFound(err) {
				continue
			}
			if opts.DryRun {
				t.addPulled()
				continue
			}
			if err := e.createLocalTask(ctx, p, ext); err != nil {
				res.Errors = append(res.Errors, asSyncError(p.Name(), err))
				continue
			}
			t.addPulled()
		}
	}
	return nil
}

// oldestWatermark returns the earliest lastPulledAt across linked elements,
// so one list call covers every element's change-detection window.
func oldestWatermark(linked []*types.Element) time.Time {
	var oldest time.Time
	first := true
	for _, el := range linked {
		st, ok := el.SyncState()
		if !ok {
			continue
		}
		var mark time.Time
		if st.LastPulledAt != nil {
			mark = *st.LastPulledAt
		}
		if first || mark.Before(oldest) {
			oldest = mark
			first = false
		}
	}
	return oldest
}

// mergeOneTask runs bidirectional change detection for one linked element
// and applies the conflict strategy when both sides moved. Callers hold the
// element lock.
func (e *Engine) mergeOneTask(ctx context.Context, p provider.Provider, opts Options, el *types.Element, remote map[string]*provider.ExternalTask, t *tally) error {
	if el.HasTag(types.ConflictTag) {
		t.addSkipped()
		return nil
	}
	st, ok := el.SyncState()
	if !ok {
		t.addSkipped()
		return nil
	}
	proj, err := e.localTaskProjection(ctx, el)
	if err != nil {
		return err
	}
	localDirty := proj.Hash() != st.LastPushedHash || opts.Force
	ext := remote[st.ExternalID]
	remoteDirty := ext != nil && remoteChanged(st, ext)

	switch {
	case !localDirty && !remoteDirty:
		t.addSkipped()
		return nil
	case localDirty && !remoteDirty:
		return e.pushUpdateTask(ctx, p, opts, el, st, proj, t)
	case !localDirty && remoteDirty:
		return e.pullOneTask(ctx, p, opts, el.ID, ext, t)
	}

	// Both sides moved: resolve.
	e.conflicts.Add(ctx, 1)
	record := ConflictRecord{
		ElementID:     el.ID,
		ExternalID:    st.ExternalID,
		Strategy:      opts.ConflictStrategy,
		LocalUpdated:  el.UpdatedAt,
		RemoteUpdated: ext.UpdatedAt,
	}

	strategy := opts.ConflictStrategy
	if strategy == LastWriteWins {
		if el.UpdatedAt.After(ext.UpdatedAt) {
			strategy = LocalWins
		} else {
			strategy = RemoteWins
		}
	}

	switch strategy {
	case LocalWins:
		record.Resolution = "local"
		t.addConflict(record)
		if !opts.DryRun {
			if err := e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncConflict, e.cfg.Actor,
				fmt.Sprintf("both sides changed; winner=local (remote %s)", st.ExternalID)); err != nil {
				return err
			}
		}
		return e.pushUpdateTask(ctx, p, opts, el, st, proj, t)
	case RemoteWins:
		record.Resolution = "remote"
		t.addConflict(record)
		if !opts.DryRun {
			if err := e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncConflict, e.cfg.Actor,
				fmt.Sprintf("both sides changed; winner=remote (remote %s)", st.ExternalID)); err != nil {
				return err
			}
		}
		return e.pullOneTask(ctx, p, opts, el.ID, ext, t)
	default: // Manual
		record.Resolution = "manual"
		t.addConflict(record)
		if opts.DryRun {
			return nil
		}
		tags := append(append([]string(nil), el.Tags...), types.ConflictTag)
		if _, err := e.store.UpdateElement(ctx, el.ID, map[string]any{"tags": tags},
			storage.UpdateOptions{Actor: e.cfg.Actor}); err != nil {
			return err
		}
		return e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncConflict, e.cfg.Actor,
			fmt.Sprintf("both sides changed; manual resolution required (remote %s)", st.ExternalID))
	}
}
