// Package jsonl implements the incremental file-sync protocol: elements and
// dependency edges flow through two JSONL files suitable for committing to a
// repository or handing to another process. Exports are atomic (temp file
// plus rename) and guarded by a directory lock; incremental exports write
// only dirty elements and clear exactly the ids they wrote.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

// Record counters; the global meter is a no-op unless telemetry is enabled.
var (
	exportRecords metric.Int64Counter
	importRecords metric.Int64Counter
)

func init() {
	meter := otel.Meter("stoneforge/jsonl")
	exportRecords, _ = meter.Int64Counter("jsonl.export.records")
	importRecords, _ = meter.Int64Counter("jsonl.import.records")
}

// File names inside the export directory.
const (
	ElementsFile     = "elements.jsonl"
	DependenciesFile = "dependencies.jsonl"
	lockFile         = ".stoneforge.lock"
)

// maxLineBytes bounds a single JSONL record. Document content tops out at
// 10 MiB, so 16 MiB leaves room for envelope fields and escaping.
const maxLineBytes = 16 * 1024 * 1024

// ExportOptions control an export run.
type ExportOptions struct {
	// Full exports every live element instead of only the dirty set.
	Full bool
}

// ExportResult summarizes an export run.
type ExportResult struct {
	Elements     int
	Dependencies int
	// Cleared holds the ids whose dirty flag was cleared.
	Cleared []string
}

// ImportOptions control an import run.
type ImportOptions struct {
	// DryRun reports what would change without writing.
	DryRun bool
	Actor  string
}

// ImportResult summarizes an import run.
type ImportResult struct {
	Created      int
	Updated      int
	Skipped      int
	Dependencies int
	// Malformed collects per-line errors; they do not abort the stream.
	Malformed []string
}

// Status reports the incremental-sync position of a store.
type Status struct {
	Total   int
	Dirty   int
	Pending bool
}

// Export writes elements.jsonl and dependencies.jsonl into dir. A full
// export rewrites both files from scratch; an incremental export merges the
// dirty elements into the existing elements file. The dirty set is cleared
// only after both renames succeed, and only for the ids actually written.
func Export(ctx context.Context, store storage.Storage, dir string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking export dir: %w", err)
	}
	defer lock.Unlock()

	res := &ExportResult{}
	var elements []*types.Element
	written := 0
	if opts.Full {
		all, err := store.ListElements(ctx, types.ElementFilter{})
		if err != nil {
			return nil, err
		}
		elements = all
		written = len(all)
	} else {
		merged, dirtyWritten, cleared, err := mergeDirty(ctx, store, filepath.Join(dir, ElementsFile))
		if err != nil {
			return nil, err
		}
		elements = merged
		written = dirtyWritten
		res.Cleared = cleared
	}
	sort.Slice(elements, func(i, j int) bool { return elements[i].ID < elements[j].ID })

	deps, err := store.AllDependencies(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(deps, func(i, j int) bool {
		a, b := deps[i], deps[j]
		if a.BlockedID != b.BlockedID {
			return a.BlockedID < b.BlockedID
		}
		if a.BlockerID != b.BlockerID {
			return a.BlockerID < b.BlockerID
		}
		return a.Type < b.Type
	})

	if err := writeAtomic(filepath.Join(dir, ElementsFile), func(enc *json.Encoder) error {
		for _, el := range elements {
			if err := enc.Encode(el); err != nil {
				return fmt.Errorf("encoding element %s: %w", el.ID, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := writeAtomic(filepath.Join(dir, DependenciesFile), func(enc *json.Encoder) error {
		for _, dep := range deps {
			if err := enc.Encode(dep); err != nil {
				return fmt.Errorf("encoding edge %s->%s: %w", dep.BlockedID, dep.BlockerID, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	res.Elements = written
	res.Dependencies = len(deps)
	exportRecords.Add(ctx, int64(res.Elements+res.Dependencies))

	if opts.Full {
		dirty, err := store.DirtyElements(ctx)
		if err != nil {
			return nil, err
		}
		res.Cleared = dirty
	}
	if len(res.Cleared) > 0 {
		if err := store.ClearDirty(ctx, res.Cleared); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// mergeDirty folds the store's dirty elements into the records already on
// disk. Dirty tombstones drop out of the file; everything else is replaced
// or appended. written counts only the dirty records carried into the file
// this run, not the records merged through from disk.
func mergeDirty(ctx context.Context, store storage.Storage, path string) (merged []*types.Element, written int, cleared []string, err error) {
	existing, _, err := readElements(path)
	if err != nil {
		return nil, 0, nil, err
	}
	byID := make(map[string]*types.Element, len(existing))
	for _, el := range existing {
		byID[el.ID] = el
	}

	dirty, err := store.DirtyElements(ctx)
	if err != nil {
		return nil, 0, nil, err
	}
	cleared = make([]string, 0, len(dirty))
	for _, id := range dirty {
		el, err := store.GetElement(ctx, id)
		if types.IsNotFound(err) {
			// Hard-absent (never committed); nothing to export.
			cleared = append(cleared, id)
			continue
		}
		if err != nil {
			return nil, 0, nil, err
		}
		if el.IsTombstone() {
			delete(byID, id)
		} else {
			byID[id] = el
			written++
		}
		cleared = append(cleared, id)
	}

	merged = make([]*types.Element, 0, len(byID))
	for _, el := range byID {
		merged = append(merged, el)
	}
	return merged, written, cleared, nil
}

// Import reads both files from dir and reconciles each record by id: absent
// locally creates, a strictly newer updated_at updates, anything else skips.
// Malformed lines are collected, not fatal.
func Import(ctx context.Context, store storage.Storage, dir string, opts ImportOptions) (*ImportResult, error) {
	res := &ImportResult{}

	elements, malformed, err := readElements(filepath.Join(dir, ElementsFile))
	if err != nil {
		return nil, err
	}
	res.Malformed = append(res.Malformed, malformed...)

	for _, el := range elements {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		local, err := store.GetElement(ctx, el.ID)
		switch {
		case types.IsNotFound(err):
			if !opts.DryRun {
				if err := store.ReplaceElement(ctx, el, opts.Actor); err != nil {
					res.Malformed = append(res.Malformed, fmt.Sprintf("%s: %v", el.ID, err))
					continue
				}
			}
			res.Created++
		case err != nil:
			return res, err
		case el.UpdatedAt.After(local.UpdatedAt):
			if !opts.DryRun {
				if err := store.ReplaceElement(ctx, el, opts.Actor); err != nil {
					res.Malformed = append(res.Malformed, fmt.Sprintf("%s: %v", el.ID, err))
					continue
				}
			}
			res.Updated++
		default:
			res.Skipped++
		}
	}

	deps, malformed, err := readDependencies(filepath.Join(dir, DependenciesFile))
	if err != nil {
		return nil, err
	}
	res.Malformed = append(res.Malformed, malformed...)

	for _, dep := range deps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if opts.DryRun {
			res.Dependencies++
			continue
		}
		if err := store.AddDependency(ctx, dep, opts.Actor); err != nil {
			res.Malformed = append(res.Malformed,
				fmt.Sprintf("%s->%s (%s): %v", dep.BlockedID, dep.BlockerID, dep.Type, err))
			continue
		}
		res.Dependencies++
	}
	importRecords.Add(ctx, int64(res.Created+res.Updated+res.Dependencies))
	return res, nil
}

// GetStatus reports dirty/total counts and whether an incremental export is
// pending.
func GetStatus(ctx context.Context, store storage.Storage) (*Status, error) {
	all, err := store.ListElements(ctx, types.ElementFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	dirty, err := store.DirtyElements(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Total:   len(all),
		Dirty:   len(dirty),
		Pending: len(dirty) > 0,
	}, nil
}

// writeAtomic writes records through a temp file in the target directory and
// renames it over the destination, so readers never observe a half-written
// file.
func writeAtomic(path string, write func(*json.Encoder) error) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	enc := json.NewEncoder(tmp)
	if err := write(enc); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", base, err)
	}
	return nil
}

// readElements decodes an elements file. A missing file is an empty export.
func readElements(path string) ([]*types.Element, []string, error) {
	var out []*types.Element
	malformed, err := readLines(path, func(line []byte, lineno int) error {
		var el types.Element
		if err := json.Unmarshal(line, &el); err != nil {
			return err
		}
		if el.ID == "" {
			return fmt.Errorf("record has no id")
		}
		out = append(out, &el)
		return nil
	})
	return out, malformed, err
}

// readDependencies decodes a dependencies file.
func readDependencies(path string) ([]*types.Dependency, []string, error) {
	var out []*types.Dependency
	malformed, err := readLines(path, func(line []byte, lineno int) error {
		var dep types.Dependency
		if err := json.Unmarshal(line, &dep); err != nil {
			return err
		}
		out = append(out, &dep)
		return nil
	})
	return out, malformed, err
}

// readLines feeds each non-empty line to fn, collecting per-line failures.
func readLines(path string, fn func(line []byte, lineno int) error) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var malformed []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line, lineno); err != nil {
			malformed = append(malformed, fmt.Sprintf("%s:%d: %v", filepath.Base(path), lineno, err))
		}
	}
	if err := sc.Err(); err != nil {
		return malformed, fmt.Errorf("reading %s: %w", path, err)
	}
	return malformed, nil
}
