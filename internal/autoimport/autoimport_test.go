package autoimport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stoneforge/stoneforge/internal/jsonl"
	"github.com/stoneforge/stoneforge/internal/storage/bolt"
	"github.com/stoneforge/stoneforge/internal/types"
)

const testActor = "el-test"

type quietNotifier struct{}

func (quietNotifier) Debugf(string, ...any) {}
func (quietNotifier) Infof(string, ...any)  {}
func (quietNotifier) Warnf(string, ...any)  {}
func (quietNotifier) Errorf(string, ...any) {}

func newTestStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "stoneforge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// exportOne creates a task in a throwaway store and exports it to dir.
func exportOne(t *testing.T, dir, title string) string {
	t.Helper()
	ctx := context.Background()
	src := newTestStore(t)
	el := &types.Element{Type: types.ElementTask, Task: &types.Task{Title: title}}
	if err := src.CreateElement(ctx, el, testActor); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := jsonl.Export(ctx, src, dir, jsonl.ExportOptions{Full: true}); err != nil {
		t.Fatalf("export: %v", err)
	}
	return el.ID
}

func TestImportIfChanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t)
	id := exportOne(t, dir, "from disk")

	res, err := ImportIfChanged(ctx, store, dir, testActor, quietNotifier{})
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if res == nil || res.Created != 1 {
		t.Fatalf("first import result = %+v", res)
	}
	if _, err := store.GetElement(ctx, id); err != nil {
		t.Fatalf("imported element missing: %v", err)
	}

	// Unchanged bytes: no work.
	res, err = ImportIfChanged(ctx, store, dir, testActor, quietNotifier{})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if res != nil {
		t.Fatalf("unchanged files should be a no-op, got %+v", res)
	}

	// mtime-only change still skips; the hash is the authority.
	now := time.Now()
	if err := os.Chtimes(filepath.Join(dir, jsonl.ElementsFile), now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	res, err = ImportIfChanged(ctx, store, dir, testActor, quietNotifier{})
	if err != nil {
		t.Fatalf("third import: %v", err)
	}
	if res != nil {
		t.Fatal("mtime-only change should be a no-op")
	}
}

func TestImportIfChangedNoFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	res, err := ImportIfChanged(ctx, store, t.TempDir(), testActor, quietNotifier{})
	if err != nil || res != nil {
		t.Fatalf("empty dir: res=%+v err=%v", res, err)
	}
}

func TestImportRejectsMergeConflictMarkers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t)
	exportOne(t, dir, "clean")

	path := filepath.Join(dir, jsonl.ElementsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	conflicted := append(data, []byte("<<<<<<< HEAD\n{}\n=======\n{}\n>>>>>>> theirs\n")...)
	if err := os.WriteFile(path, conflicted, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := ImportIfChanged(ctx, store, dir, testActor, quietNotifier{}); err == nil {
		t.Fatal("conflict markers should abort the import")
	}
}

func TestCheckStaleness(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t)

	// No metadata yet: fresh.
	stale, err := CheckStaleness(ctx, store, dir)
	if err != nil || stale {
		t.Fatalf("before import: stale=%v err=%v", stale, err)
	}

	exportOne(t, dir, "tracked")
	if _, err := ImportIfChanged(ctx, store, dir, testActor, quietNotifier{}); err != nil {
		t.Fatalf("import: %v", err)
	}
	stale, err = CheckStaleness(ctx, store, dir)
	if err != nil || stale {
		t.Fatalf("after import: stale=%v err=%v", stale, err)
	}

	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(filepath.Join(dir, jsonl.ElementsFile), future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	stale, err = CheckStaleness(ctx, store, dir)
	if err != nil {
		t.Fatalf("staleness: %v", err)
	}
	if !stale {
		t.Fatal("newer file should read as stale")
	}
}

func TestWatchImportsAfterChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()
	store := newTestStore(t)

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, store, dir, WatchOptions{
			Debounce: 50 * time.Millisecond,
			Actor:    testActor,
			Notify:   quietNotifier{},
		})
	}()

	// Give the watcher a moment to register, then drop an export in place.
	time.Sleep(100 * time.Millisecond)
	id := exportOne(t, dir, "watched")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := store.GetElement(ctx, id); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not import the new export")
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancellation")
	}
}
