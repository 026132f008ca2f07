// Package autoimport keeps the store current with the JSONL export
// directory: a content-hash staleness check decides whether an import is
// needed, and an fsnotify watcher triggers debounced re-imports while a
// long-running process (the watch command) is up.
package autoimport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stoneforge/stoneforge/internal/jsonl"
	"github.com/stoneforge/stoneforge/internal/storage"
)

// Metadata keys recording the last import position.
const (
	metaContentHash = "jsonl_content_hash"
	metaImportTime  = "last_import_time"
)

// Notifier receives progress and problem reports during imports.
type Notifier interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type stderrNotifier struct {
	verbose bool
}

func (n *stderrNotifier) Debugf(format string, args ...any) {
	if n.verbose {
		fmt.Fprintf(os.Stderr, "debug: "+format+"\n", args...)
	}
}

func (n *stderrNotifier) Infof(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func (n *stderrNotifier) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

func (n *stderrNotifier) Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}

// NewStderrNotifier returns a Notifier writing to stderr.
func NewStderrNotifier(verbose bool) Notifier {
	return &stderrNotifier{verbose: verbose}
}

// ImportIfChanged imports the export directory when its content differs from
// the last imported state. The comparison is a content hash, not mtime, so a
// touch or checkout that leaves bytes identical is a no-op.
func ImportIfChanged(ctx context.Context, store storage.Storage, dir, actor string, notify Notifier) (*jsonl.ImportResult, error) {
	if notify == nil {
		notify = NewStderrNotifier(false)
	}
	data, err := readExportPair(dir)
	if err != nil {
		notify.Debugf("auto-import skipped, export files not readable: %v", err)
		return nil, nil
	}
	if data == nil {
		notify.Debugf("auto-import skipped, no export files in %s", dir)
		return nil, nil
	}

	sum := sha256.Sum256(data)
	currentHash := hex.EncodeToString(sum[:])
	lastHash, err := store.GetMeta(ctx, metaContentHash)
	if err != nil {
		notify.Debugf("metadata read failed (%v), treating as first import", err)
	}
	if currentHash == lastHash {
		notify.Debugf("auto-import skipped, files unchanged")
		// Refresh the import time so staleness checks stop firing for
		// mtime-only changes.
		stampImportTime(ctx, store, notify)
		return nil, nil
	}

	if err := checkForMergeConflicts(data, dir); err != nil {
		notify.Errorf("%v", err)
		return nil, err
	}

	res, err := jsonl.Import(ctx, store, dir, jsonl.ImportOptions{Actor: actor})
	if err != nil {
		notify.Errorf("auto-import failed: %v", err)
		return nil, err
	}
	for _, m := range res.Malformed {
		notify.Warnf("auto-import: %s", m)
	}
	if res.Created+res.Updated > 0 {
		notify.Infof("auto-import: %d created, %d updated, %d skipped",
			res.Created, res.Updated, res.Skipped)
	}

	if err := store.SetMeta(ctx, metaContentHash, currentHash); err != nil {
		notify.Warnf("failed to record import hash: %v", err)
	}
	stampImportTime(ctx, store, notify)
	return res, nil
}

func stampImportTime(ctx context.Context, store storage.Storage, notify Notifier) {
	if err := store.SetMeta(ctx, metaImportTime, time.Now().Format(time.RFC3339Nano)); err != nil {
		notify.Warnf("failed to record import time: %v", err)
	}
}

// CheckStaleness reports whether the elements file on disk is newer than the
// last recorded import. A missing file or missing metadata is not stale.
func CheckStaleness(ctx context.Context, store storage.Storage, dir string) (bool, error) {
	lastStr, err := store.GetMeta(ctx, metaImportTime)
	if err != nil || lastStr == "" {
		return false, nil
	}
	last, err := time.Parse(time.RFC3339Nano, lastStr)
	if err != nil {
		return false, fmt.Errorf("corrupted %s metadata: %w", metaImportTime, err)
	}
	// Lstat so a recreated symlink does not read as a content change.
	stat, err := os.Lstat(filepath.Join(dir, jsonl.ElementsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", jsonl.ElementsFile, err)
	}
	return stat.ModTime().After(last), nil
}

// readExportPair concatenates both export files, or returns nil when neither
// exists.
func readExportPair(dir string) ([]byte, error) {
	var buf bytes.Buffer
	found := false
	for _, name := range []string{jsonl.ElementsFile, jsonl.DependenciesFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		buf.Write(data)
		buf.WriteByte(0)
	}
	if !found {
		return nil, nil
	}
	return buf.Bytes(), nil
}

// checkForMergeConflicts rejects files carrying unresolved git conflict
// markers; importing them would shred records.
func checkForMergeConflicts(data []byte, dir string) error {
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if bytes.HasPrefix(trimmed, []byte("<<<<<<< ")) ||
			bytes.Equal(trimmed, []byte("=======")) ||
			bytes.HasPrefix(trimmed, []byte(">>>>>>> ")) {
			return fmt.Errorf("unresolved merge conflict markers in %s; resolve them or re-export", dir)
		}
	}
	return nil
}

// WatchOptions tune the watcher.
type WatchOptions struct {
	// Debounce is the quiet period after the last event before importing.
	// Default 500ms.
	Debounce time.Duration
	Actor    string
	Notify   Notifier
}

// Watch blocks, re-importing the export directory whenever its JSONL files
// settle after a change. Returns when ctx is done or the watcher fails.
func Watch(ctx context.Context, store storage.Storage, dir string, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Notify == nil {
		opts.Notify = NewStderrNotifier(false)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	// Catch up once before settling into the event loop.
	if _, err := ImportIfChanged(ctx, store, dir, opts.Actor, opts.Notify); err != nil {
		opts.Notify.Warnf("initial import: %v", err)
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watchedFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Restart the quiet period; atomic renames arrive as bursts.
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
				pending = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(opts.Debounce)
			}
		case <-pending:
			timer = nil
			pending = nil
			if _, err := ImportIfChanged(ctx, store, dir, opts.Actor, opts.Notify); err != nil {
				opts.Notify.Warnf("re-import: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			opts.Notify.Warnf("watcher: %v", err)
		}
	}
}

func watchedFile(path string) bool {
	base := filepath.Base(path)
	return base == jsonl.ElementsFile || base == jsonl.DependenciesFile
}
