package extsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/storage/bolt"
	"github.com/stoneforge/stoneforge/internal/types"
)

const testActor = "el-test"

func newSyncFixture(t *testing.T) (*bolt.Store, *provider.Memory, *Engine) {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "stoneforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := provider.NewConfiguredRegistry(nil, map[string]provider.Config{
		"memory": {Name: "memory", DefaultProject: "sandbox"},
	})
	p, err := reg.Provider("memory")
	require.NoError(t, err)

	return store, p.(*provider.Memory), New(store, reg, Config{Actor: testActor})
}

func createTask(t *testing.T, store *bolt.Store, title, body string) *types.Element {
	t.Helper()
	ctx := context.Background()
	el := &types.Element{Type: types.ElementTask, Task: &types.Task{Title: title}}
	if body != "" {
		doc := &types.Element{
			Type:     types.ElementDocument,
			Document: &types.Document{ContentType: types.ContentMarkdown, Content: body},
		}
		require.NoError(t, store.CreateElement(ctx, doc, testActor))
		el.Task.DescriptionRef = doc.ID
	}
	require.NoError(t, store.CreateElement(ctx, el, testActor))
	return el
}

func updateElement(t *testing.T, store *bolt.Store, id string, patch map[string]any) {
	t.Helper()
	_, err := store.UpdateElement(context.Background(), id, patch, storage.UpdateOptions{Actor: testActor})
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }

func TestPushCreatesRemoteAndLinks(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	el := createTask(t, store, "wire the gate", "details here")

	results, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Success)
	require.Equal(t, 1, res.Pushed)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, "sandbox", res.Project)
	require.Equal(t, 1, mem.TaskCount())

	got, err := store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	st, linked := got.SyncState()
	require.True(t, linked)
	require.Equal(t, "memory", st.Provider)
	require.NotEmpty(t, st.ExternalID)
	require.NotEmpty(t, st.URL)
	require.NotNil(t, st.LastPushedAt)
	require.NotEmpty(t, st.LastPushedHash)

	ext, err := mem.Tasks().GetIssue(ctx, "sandbox", st.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, ext)
	require.Equal(t, "wire the gate", ext.Title)
	require.Equal(t, "details here", ext.Body)

	events, err := store.GetEvents(ctx, el.ID, 10)
	require.NoError(t, err)
	var sawPush bool
	for _, ev := range events {
		if ev.Kind == types.EventSyncPushed {
			sawPush = true
		}
	}
	require.True(t, sawPush)
}

func TestPushSkipsCleanElements(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	createTask(t, store, "steady", "")

	_, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)

	results, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Pushed)
	require.Equal(t, 1, results[0].Skipped)
	require.Equal(t, 1, mem.TaskCount())
}

func TestPushAfterLocalEdit(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	el := createTask(t, store, "old title", "")

	_, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	updateElement(t, store, el.ID, map[string]any{"title": "new title"})

	results, err := engine.Push(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Pushed)

	got, err := store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	st, _ := got.SyncState()
	ext, err := mem.Tasks().GetIssue(ctx, "sandbox", st.ExternalID)
	require.NoError(t, err)
	require.Equal(t, "new title", ext.Title)
}

func TestPushDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	el := createTask(t, store, "phantom", "")

	results, err := engine.Push(ctx, Options{All: true, DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Pushed)
	require.True(t, results[0].DryRun)
	require.Equal(t, 0, mem.TaskCount())

	got, err := store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	require.False(t, got.Linked(""))
}

func TestPullAppliesRemoteChange(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	el := createTask(t, store, "pull me", "original body")

	_, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	got, err := store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	st, _ := got.SyncState()

	time.Sleep(5 * time.Millisecond)
	_, err = mem.Tasks().UpdateIssue(ctx, "sandbox", st.ExternalID, &provider.TaskInput{
		Title: strPtr("pulled title"),
		Body:  strPtr("remote body"),
	})
	require.NoError(t, err)

	results, err := engine.Pull(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Pulled)

	got, err = store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	require.Equal(t, "pulled title", got.Task.Title)
	doc, err := store.GetElement(ctx, got.Task.DescriptionRef)
	require.NoError(t, err)
	require.Equal(t, "remote body", doc.Document.Content)

	// The merged value mirrors the remote, so a follow-up push is a no-op.
	pushResults, err := engine.Push(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, pushResults[0].Pushed)
}

func TestPullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newSyncFixture(t)
	el := createTask(t, store, "settled", "")

	_, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)

	results, err := engine.Pull(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Pulled)

	got, err := store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	require.Equal(t, "settled", got.Task.Title)
}

func TestPullCreateMissing(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)

	now := time.Now().UTC()
	closed := now
	mem.SeedTask("sandbox", &provider.ExternalTask{
		Title:     "imported",
		Body:      "from afar",
		State:     provider.StateOpen,
		Labels:    []string{"priority:2", "infra"},
		CreatedAt: now,
		UpdatedAt: now,
	})
	mem.SeedTask("sandbox", &provider.ExternalTask{
		Title:     "already done",
		State:     provider.StateClosed,
		ClosedAt:  &closed,
		CreatedAt: now,
		UpdatedAt: now,
	})

	// Without CreateMissing unmatched remote items are skipped.
	results, err := engine.Pull(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Pulled)
	require.Equal(t, 2, results[0].Skipped)

	results, err = engine.Pull(ctx, Options{CreateMissing: true})
	require.NoError(t, err)
	require.Equal(t, 2, results[0].Pulled)

	open, err := store.GetByExternalRef(ctx, "memory", "1")
	require.NoError(t, err)
	require.Equal(t, "imported", open.Task.Title)
	require.Equal(t, 2, open.Task.Priority)
	require.Equal(t, []string{"infra"}, open.Tags)
	require.Equal(t, types.StatusOpen, open.Task.Status)
	doc, err := store.GetElement(ctx, open.Task.DescriptionRef)
	require.NoError(t, err)
	require.Equal(t, "from afar", doc.Document.Content)

	done, err := store.GetByExternalRef(ctx, "memory", "2")
	require.NoError(t, err)
	require.Equal(t, types.StatusClosed, done.Task.Status)
	require.NotNil(t, done.Task.ClosedAt)
}

func TestSyncLastWriteWins(t *testing.T) {
	ctx := context.Background()

	t.Run("remote newer", func(t *testing.T) {
		store, mem, engine := newSyncFixture(t)
		el := createTask(t, store, "contested", "")
		_, err := engine.Push(ctx, Options{All: true})
		require.NoError(t, err)
		got, err := store.GetElement(ctx, el.ID)
		require.NoError(t, err)
		st, _ := got.SyncState()

		updateElement(t, store, el.ID, map[string]any{"title": "local edit"})
		time.Sleep(5 * time.Millisecond)
		_, err = mem.Tasks().UpdateIssue(ctx, "sandbox", st.ExternalID, &provider.TaskInput{
			Title: strPtr("remote edit"),
		})
		require.NoError(t, err)

		results, err := engine.Sync(ctx, Options{})
		require.NoError(t, err)
		require.Len(t, results[0].Conflicts, 1)
		require.Equal(t, "remote", results[0].Conflicts[0].Resolution)

		got, err = store.GetElement(ctx, el.ID)
		require.NoError(t, err)
		require.Equal(t, "remote edit", got.Task.Title)

		events, err := store.GetEvents(ctx, el.ID, 0)
		require.NoError(t, err)
		require.Contains(t, eventNote(events, types.EventSyncConflict), "winner=remote")
	})

	t.Run("local newer", func(t *testing.T) {
		store, mem, engine := newSyncFixture(t)
		el := createTask(t, store, "contested", "")
		_, err := engine.Push(ctx, Options{All: true})
		require.NoError(t, err)
		got, err := store.GetElement(ctx, el.ID)
		require.NoError(t, err)
		st, _ := got.SyncState()

		_, err = mem.Tasks().UpdateIssue(ctx, "sandbox", st.ExternalID, &provider.TaskInput{
			Title: strPtr("remote edit"),
		})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		updateElement(t, store, el.ID, map[string]any{"title": "local edit"})

		results, err := engine.Sync(ctx, Options{})
		require.NoError(t, err)
		require.Len(t, results[0].Conflicts, 1)
		require.Equal(t, "local", results[0].Conflicts[0].Resolution)

		ext, err := mem.Tasks().GetIssue(ctx, "sandbox", st.ExternalID)
		require.NoError(t, err)
		require.Equal(t, "local edit", ext.Title)

		events, err := store.GetEvents(ctx, el.ID, 0)
		require.NoError(t, err)
		require.Contains(t, eventNote(events, types.EventSyncConflict), "winner=local")
	})
}

// eventNote returns the note of the newest event of the given kind, or ""
// when none exists.
func eventNote(events []*types.Event, kind types.EventKind) string {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev.Note
		}
	}
	return ""
}

func TestSyncManualConflictTagsElement(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	el := createTask(t, store, "standoff", "")

	_, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	got, err := store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	st, _ := got.SyncState()

	updateElement(t, store, el.ID, map[string]any{"title": "local edit"})
	time.Sleep(5 * time.Millisecond)
	_, err = mem.Tasks().UpdateIssue(ctx, "sandbox", st.ExternalID, &provider.TaskInput{
		Title: strPtr("remote edit"),
	})
	require.NoError(t, err)

	results, err := engine.Sync(ctx, Options{ConflictStrategy: Manual})
	require.NoError(t, err)
	require.Len(t, results[0].Conflicts, 1)
	require.Equal(t, "manual", results[0].Conflicts[0].Resolution)

	got, err = store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	require.True(t, got.HasTag(types.ConflictTag))
	// Neither side moved.
	require.Equal(t, "local edit", got.Task.Title)
	ext, err := mem.Tasks().GetIssue(ctx, "sandbox", st.ExternalID)
	require.NoError(t, err)
	require.Equal(t, "remote edit", ext.Title)

	// Tagged elements sit out later passes until resolved.
	results, err = engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Pushed)
	require.Equal(t, 1, results[0].Skipped)

	results, err = engine.Sync(ctx, Options{})
	require.NoError(t, err)
	require.Empty(t, results[0].Conflicts)
	require.Equal(t, 1, results[0].Skipped)
}

func TestRetryOnTransientFailure(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	createTask(t, store, "flaky wire", "")

	mem.FailNext(&types.SyncError{
		Provider: "memory", Message: "rate limited", Code: "429", Retryable: true,
	})

	results, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Pushed)
	require.Empty(t, results[0].Errors)
	require.Equal(t, 1, mem.TaskCount())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)
	createTask(t, store, "rejected", "")

	mem.FailNext(&types.SyncError{
		Provider: "memory", Message: "forbidden", Code: "403", Retryable: false,
	})

	results, err := engine.Push(ctx, Options{All: true})
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Pushed)
	require.Len(t, results[0].Errors, 1)
	require.Equal(t, 0, mem.TaskCount())
}

func TestRunRejectsBadOptions(t *testing.T) {
	ctx := context.Background()
	_, _, engine := newSyncFixture(t)

	_, err := engine.Push(ctx, Options{ConflictStrategy: "coin-flip"})
	require.Error(t, err)

	_, err = engine.Push(ctx, Options{AdapterType: "spreadsheet"})
	require.Error(t, err)

	_, err = engine.Push(ctx, Options{Provider: "absent"})
	require.Error(t, err)
}

func TestUnsupportedAdapterKindIsSkipped(t *testing.T) {
	ctx := context.Background()
	_, _, engine := newSyncFixture(t)

	// The memory provider has no message adapter.
	results, err := engine.Push(ctx, Options{AdapterType: types.AdapterMessage})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, 0, results[0].Pushed)
}

func TestDocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mem, engine := newSyncFixture(t)

	el := &types.Element{
		Type: types.ElementDocument,
		Document: &types.Document{
			ContentType: types.ContentMarkdown,
			Content:     "# Runbook\nsteps",
			Category:    "runbook",
		},
	}
	require.NoError(t, store.CreateElement(ctx, el, testActor))

	results, err := engine.Push(ctx, Options{All: true, AdapterType: types.AdapterDocument})
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Pushed)

	got, err := store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	st, linked := got.SyncState()
	require.True(t, linked)
	require.Equal(t, types.AdapterDocument, st.AdapterType)

	time.Sleep(5 * time.Millisecond)
	_, err = mem.Documents().UpdateDocument(ctx, "sandbox", st.ExternalID, &provider.DocumentInput{
		Content: strPtr("# Runbook\nrevised steps"),
	})
	require.NoError(t, err)

	results, err = engine.Pull(ctx, Options{AdapterType: types.AdapterDocument})
	require.NoError(t, err)
	require.Equal(t, 1, results[0].Pulled)

	got, err = store.GetElement(ctx, el.ID)
	require.NoError(t, err)
	require.Equal(t, "# Runbook\nrevised steps", got.Document.Content)
	// The edit went through the versioned document path.
	require.Equal(t, 2, got.Document.Version)
}

func TestCancellationAbortsRun(t *testing.T) {
	store, _, engine := newSyncFixture(t)
	for i := 0; i < 5; i++ {
		createTask(t, store, "bulk", "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := engine.Push(ctx, Options{All: true})
	require.Error(t, err)
	for _, res := range results {
		require.False(t, res.Success)
	}
}
