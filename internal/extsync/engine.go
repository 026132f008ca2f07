// Package extsync orchestrates synchronization between the local element
// store and external providers. The engine fans out across configured
// providers, runs change detection over projection hashes, resolves
// conflicts per the configured strategy, and bounds provider traffic with
// per-provider concurrency caps and retry with exponential backoff.
package extsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

// Config tunes engine behavior.
type Config struct {
	// Actor is recorded on events and element mutations.
	Actor string
	// MaxConcurrent caps in-flight provider calls per provider. Default 4.
	MaxConcurrent int
	// MaxRetries bounds backoff retries of transient provider failures.
	// Default 4.
	MaxRetries int
	// CallTimeout bounds each provider call. Default 30s.
	CallTimeout time.Duration
}

// Engine drives push, pull and bidirectional sync against the provider plane.
type Engine struct {
	store     storage.Storage
	providers *provider.ConfiguredRegistry
	cfg       Config

	locks keyedMutex

	// Callbacks for UI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)

	pushed    metric.Int64Counter
	pulled    metric.Int64Counter
	conflicts metric.Int64Counter
}

// New creates a sync engine over the store and provider registry.
func New(store storage.Storage, providers *provider.ConfiguredRegistry, cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	meter := otel.Meter("stoneforge/extsync")
	pushed, _ := meter.Int64Counter("sync.pushed")
	pulled, _ := meter.Int64Counter("sync.pulled")
	conflicts, _ := meter.Int64Counter("sync.conflicts")
	return &Engine{
		store:     store,
		providers: providers,
		cfg:       cfg,
		locks:     keyedMutex{keys: make(map[string]*sync.Mutex)},
		pushed:    pushed,
		pulled:    pulled,
		conflicts: conflicts,
	}
}

// Push sends local changes out. Unlinked targets get a remote resource
// created; linked targets are updated only when local-changed.
func (e *Engine) Push(ctx context.Context, opts Options) ([]*Result, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	return e.run(ctx, opts, func(ctx context.Context, p provider.Provider, res *Result) error {
		switch res.AdapterType {
		case types.AdapterTask:
			return e.pushTasks(ctx, p, opts, res)
		case types.AdapterDocument:
			return e.pushDocuments(ctx, p, opts, res)
		case types.AdapterMessage:
			return e.pushMessages(ctx, p, opts, res)
		}
		return types.E(types.KindInvalidInput, "unknown adapter type: %s", res.AdapterType)
	})
}

// Pull brings remote changes in. Linked elements are merged; unmatched
// remote items become new local elements when CreateMissing is set.
func (e *Engine) Pull(ctx context.Context, opts Options) ([]*Result, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	return e.run(ctx, opts, func(ctx context.Context, p provider.Provider, res *Result) error {
		switch res.AdapterType {
		case types.AdapterTask:
			return e.pullTasks(ctx, p, opts, res)
		case types.AdapterDocument:
			return e.pullDocuments(ctx, p, opts, res)
		case types.AdapterMessage:
			return e.pullMessages(ctx, p, opts, res)
		}
		return types.E(types.KindInvalidInput, "unknown adapter type: %s", res.AdapterType)
	})
}

// Sync is bidirectional: change detection on both sides, conflict resolution
// per the configured strategy, then push and pull of the clean deltas.
func (e *Engine) Sync(ctx context.Context, opts Options) ([]*Result, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	return e.run(ctx, opts, func(ctx context.Context, p provider.Provider, res *Result) error {
		switch res.AdapterType {
		case types.AdapterTask:
			return e.syncTasks(ctx, p, opts, res)
		case types.AdapterDocument:
			return e.syncDocuments(ctx, p, opts, res)
		case types.AdapterMessage:
			// Messages are immutable on both sides; bidirectional sync
			// degenerates to push then pull.
			if err := e.pushMessages(ctx, p, opts, res); err != nil {
				return err
			}
			return e.pullMessages(ctx, p, opts, res)
		}
		return types.E(types.KindInvalidInput, "unknown adapter type: %s", res.AdapterType)
	})
}

// run resolves the target providers and invokes fn once per provider,
// assembling one Result each. Provider-level errors are collected into the
// result; only orchestrator failure aborts the run. Callers pass normalized
// options.
func (e *Engine) run(ctx context.Context, opts Options, fn func(context.Context, provider.Provider, *Result) error) ([]*Result, error) {
	kind := opts.AdapterType
	names := e.providers.Configured()
	if opts.Provider != "" {
		names = []string{opts.Provider}
	}
	if len(names) == 0 {
		return nil, types.E(types.KindInvalidInput, "no providers configured")
	}

	var results []*Result
	for _, name := range names {
		res := &Result{
			RunID:       uuid.NewString(),
			Success:     true,
			Provider:    name,
			AdapterType: kind,
			DryRun:      opts.DryRun,
			StartedAt:   time.Now().UTC(),
		}
		p, err := e.providers.Provider(name)
		if err != nil {
			return nil, err
		}
		if !provider.Supports(p, kind) {
			res.FinishedAt = time.Now().UTC()
			results = append(results, res)
			continue
		}
		if err := fn(ctx, p, res); err != nil {
			if ctx.Err() != nil {
				// Cancellation aborts the whole run; partial results up to
				// this point are still returned.
				res.Success = false
				res.FinishedAt = time.Now().UTC()
				results = append(results, res)
				return results, err
			}
			res.Success = false
			res.Errors = append(res.Errors, asSyncError(name, err))
		}
		res.FinishedAt = time.Now().UTC()
		results = append(results, res)
	}
	return results, nil
}

// forEachElement fans element work out on an errgroup bounded by the
// per-provider concurrency cap, with per-element mutual exclusion. Worker
// errors are collected into the result as sync errors rather than aborting
// the group; only context cancellation propagates.
func (e *Engine) forEachElement(ctx context.Context, res *Result, elements []*types.Element, work func(context.Context, *types.Element) error) error {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, el := range elements {
		el := el
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			unlock := e.locks.lock(el.ID)
			defer unlock()
			if err := work(gctx, el); err != nil {
				if gctx.Err() != nil {
					return err
				}
				mu.Lock()
				res.Errors = append(res.Errors, asSyncErrorFor(res.Provider, el.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// withRetry retries fn with exponential backoff while it fails retryably,
// bounded by MaxRetries and the call timeout.
func (e *Engine) withRetry(ctx context.Context, fn func(context.Context) error) error {
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if types.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.MaxRetries)), ctx)
	return backoff.Retry(op, bo)
}

// project returns the configured default project for a provider.
func (e *Engine) project(p provider.Provider) string {
	cfg, _ := e.providers.Config(p.Name())
	return cfg.DefaultProject
}

func asSyncError(providerName string, err error) *types.SyncError {
	if se, ok := err.(*types.SyncError); ok {
		return se
	}
	return &types.SyncError{Provider: providerName, Message: err.Error(), Err: err}
}

func asSyncErrorFor(providerName, elementID string, err error) *types.SyncError {
	se := asSyncError(providerName, err)
	if se.ElementID == "" {
		se.ElementID = elementID
	}
	return se
}

func (e *Engine) msg(format string, args ...any) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) warn(format string, args ...any) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
}

// keyedMutex provides one mutex per element id, so a sync cycle never
// interleaves writes to the same external resource.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	m, ok := k.keys[id]
	if !ok {
		m = &sync.Mutex{}
		k.keys[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
