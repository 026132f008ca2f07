package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

const storageScopeName = "github.com/stoneforge/stoneforge/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in sf.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner     storage.Storage
	tracer    trace.Tracer
	ops       metric.Int64Counter
	dur       metric.Float64Histogram
	errs      metric.Int64Counter
	taskGauge metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("sf.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("sf.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("sf.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	taskGauge, _ := m.Int64Gauge("sf.task.count",
		metric.WithDescription("Current number of tasks by status (snapshot from Statistics)"),
	)
	return &InstrumentedStorage{
		inner:     s,
		tracer:    Tracer(storageScopeName),
		ops:       ops,
		dur:       dur,
		errs:      errs,
		taskGauge: taskGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Element CRUD ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateElement(ctx context.Context, el *types.Element, actor string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.actor", actor),
		attribute.String("sf.element.type", string(el.Type)),
	}
	ctx, span, t := s.op(ctx, "CreateElement", attrs...)
	err := s.inner.CreateElement(ctx, el, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetElement(ctx context.Context, id string) (*types.Element, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.element.id", id)}
	ctx, span, t := s.op(ctx, "GetElement", attrs...)
	v, err := s.inner.GetElement(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) UpdateElement(ctx context.Context, id string, patch map[string]any, opts storage.UpdateOptions) (*types.Element, error) {
	attrs := []attribute.KeyValue{
		attribute.String("sf.element.id", id),
		attribute.String("sf.actor", opts.Actor),
		attribute.Int("sf.patch.count", len(patch)),
	}
	ctx, span, t := s.op(ctx, "UpdateElement", attrs...)
	v, err := s.inner.UpdateElement(ctx, id, patch, opts)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) DeleteElement(ctx context.Context, id string, opts storage.DeleteOptions) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.element.id", id),
		attribute.String("sf.actor", opts.Actor),
	}
	ctx, span, t := s.op(ctx, "DeleteElement", attrs...)
	err := s.inner.DeleteElement(ctx, id, opts)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListElements(ctx context.Context, filter types.ElementFilter) ([]*types.Element, error) {
	ctx, span, t := s.op(ctx, "ListElements")
	v, err := s.inner.ListElements(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("sf.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ReplaceElement(ctx context.Context, el *types.Element, actor string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.element.id", el.ID),
		attribute.String("sf.actor", actor),
	}
	ctx, span, t := s.op(ctx, "ReplaceElement", attrs...)
	err := s.inner.ReplaceElement(ctx, el, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetDocumentVersion(ctx context.Context, versionID string) (*types.Element, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.version.id", versionID)}
	ctx, span, t := s.op(ctx, "GetDocumentVersion", attrs...)
	v, err := s.inner.GetDocumentVersion(ctx, versionID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetEvents(ctx context.Context, id string, limit int) ([]*types.Event, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.element.id", id)}
	ctx, span, t := s.op(ctx, "GetEvents", attrs...)
	v, err := s.inner.GetEvents(ctx, id, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Dependencies ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AddDependency(ctx context.Context, dep *types.Dependency, actor string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.dep.blocked", dep.BlockedID),
		attribute.String("sf.dep.blocker", dep.BlockerID),
		attribute.String("sf.dep.type", string(dep.Type)),
	}
	ctx, span, t := s.op(ctx, "AddDependency", attrs...)
	err := s.inner.AddDependency(ctx, dep, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) RemoveDependency(ctx context.Context, blockedID, blockerID string, depType types.DependencyType, actor string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.dep.blocked", blockedID),
		attribute.String("sf.dep.blocker", blockerID),
		attribute.String("sf.dep.type", string(depType)),
	}
	ctx, span, t := s.op(ctx, "RemoveDependency", attrs...)
	err := s.inner.RemoveDependency(ctx, blockedID, blockerID, depType, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) Outgoing(ctx context.Context, id string) ([]*types.Dependency, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.element.id", id)}
	ctx, span, t := s.op(ctx, "Outgoing", attrs...)
	v, err := s.inner.Outgoing(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) Incoming(ctx context.Context, id string) ([]*types.Dependency, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.element.id", id)}
	ctx, span, t := s.op(ctx, "Incoming", attrs...)
	v, err := s.inner.Incoming(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) DependenciesByType(ctx context.Context, depType types.DependencyType) ([]*types.Dependency, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.dep.type", string(depType))}
	ctx, span, t := s.op(ctx, "DependenciesByType", attrs...)
	v, err := s.inner.DependenciesByType(ctx, depType)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) AllDependencies(ctx context.Context) ([]*types.Dependency, error) {
	ctx, span, t := s.op(ctx, "AllDependencies")
	v, err := s.inner.AllDependencies(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) DependencyTree(ctx context.Context, id string, opts storage.TreeOptions) ([]*types.TreeNode, error) {
	attrs := []attribute.KeyValue{
		attribute.String("sf.element.id", id),
		attribute.Int("sf.max_depth", opts.MaxDepth),
	}
	ctx, span, t := s.op(ctx, "DependencyTree", attrs...)
	v, err := s.inner.DependencyTree(ctx, id, opts)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) AreRelated(ctx context.Context, a, b string) (bool, error) {
	ctx, span, t := s.op(ctx, "AreRelated")
	v, err := s.inner.AreRelated(ctx, a, b)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Gates ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RecordApproval(ctx context.Context, blockedID, blockerID, approver string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.dep.blocked", blockedID),
		attribute.String("sf.actor", approver),
	}
	ctx, span, t := s.op(ctx, "RecordApproval", attrs...)
	err := s.inner.RecordApproval(ctx, blockedID, blockerID, approver)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) SatisfyGate(ctx context.Context, blockedID, blockerID, source string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.dep.blocked", blockedID),
		attribute.String("sf.gate.source", source),
	}
	ctx, span, t := s.op(ctx, "SatisfyGate", attrs...)
	err := s.inner.SatisfyGate(ctx, blockedID, blockerID, source)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Readiness ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) IsBlocked(ctx context.Context, id string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.element.id", id)}
	ctx, span, t := s.op(ctx, "IsBlocked", attrs...)
	v, err := s.inner.IsBlocked(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ReadyElements(ctx context.Context, filter types.WorkFilter) ([]*types.Element, error) {
	ctx, span, t := s.op(ctx, "ReadyElements")
	v, err := s.inner.ReadyElements(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("sf.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) BlockedElements(ctx context.Context, filter types.WorkFilter) ([]*types.BlockedElement, error) {
	ctx, span, t := s.op(ctx, "BlockedElements")
	v, err := s.inner.BlockedElements(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("sf.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) BacklogElements(ctx context.Context) ([]*types.Element, error) {
	ctx, span, t := s.op(ctx, "BacklogElements")
	v, err := s.inner.BacklogElements(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Dirty tracking ──────────────────────────────────────────────────────────

func (s *InstrumentedStorage) MarkDirty(ctx context.Context, ids ...string) error {
	attrs := []attribute.KeyValue{attribute.Int("sf.id.count", len(ids))}
	ctx, span, t := s.op(ctx, "MarkDirty", attrs...)
	err := s.inner.MarkDirty(ctx, ids...)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) DirtyElements(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "DirtyElements")
	v, err := s.inner.DirtyElements(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ClearDirty(ctx context.Context, ids []string) error {
	attrs := []attribute.KeyValue{attribute.Int("sf.id.count", len(ids))}
	ctx, span, t := s.op(ctx, "ClearDirty", attrs...)
	err := s.inner.ClearDirty(ctx, ids)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── External sync support ───────────────────────────────────────────────────

func (s *InstrumentedStorage) GetByExternalRef(ctx context.Context, provider, externalID string) (*types.Element, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.provider", provider)}
	ctx, span, t := s.op(ctx, "GetByExternalRef", attrs...)
	v, err := s.inner.GetByExternalRef(ctx, provider, externalID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) SetSyncState(ctx context.Context, id string, st *types.ExternalSyncState, actor string) error {
	attrs := []attribute.KeyValue{attribute.String("sf.element.id", id)}
	ctx, span, t := s.op(ctx, "SetSyncState", attrs...)
	err := s.inner.SetSyncState(ctx, id, st, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ClearSyncState(ctx context.Context, id, actor string) error {
	attrs := []attribute.KeyValue{attribute.String("sf.element.id", id)}
	ctx, span, t := s.op(ctx, "ClearSyncState", attrs...)
	err := s.inner.ClearSyncState(ctx, id, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) RecordSyncEvent(ctx context.Context, id string, kind types.EventKind, actor, note string) error {
	attrs := []attribute.KeyValue{
		attribute.String("sf.element.id", id),
		attribute.String("sf.event.kind", string(kind)),
	}
	ctx, span, t := s.op(ctx, "RecordSyncEvent", attrs...)
	err := s.inner.RecordSyncEvent(ctx, id, kind, actor, note)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Bookkeeping ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Statistics(ctx context.Context) (*types.Statistics, error) {
	ctx, span, t := s.op(ctx, "Statistics")
	v, err := s.inner.Statistics(ctx)
	s.done(ctx, span, t, err)
	if err == nil && v != nil {
		// Record current task counts as gauge snapshots, broken down by status.
		statusAttr := func(status string) metric.MeasurementOption {
			return metric.WithAttributes(attribute.String("status", status))
		}
		s.taskGauge.Record(ctx, int64(v.OpenTasks), statusAttr("open"))
		s.taskGauge.Record(ctx, int64(v.InProgress), statusAttr("in_progress"))
		s.taskGauge.Record(ctx, int64(v.ClosedTasks), statusAttr("closed"))
		s.taskGauge.Record(ctx, int64(v.BacklogTasks), statusAttr("backlog"))
	}
	return v, err
}

func (s *InstrumentedStorage) SetMeta(ctx context.Context, key, value string) error {
	attrs := []attribute.KeyValue{attribute.String("sf.meta.key", key)}
	ctx, span, t := s.op(ctx, "SetMeta", attrs...)
	err := s.inner.SetMeta(ctx, key, value)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetMeta(ctx context.Context, key string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("sf.meta.key", key)}
	ctx, span, t := s.op(ctx, "GetMeta", attrs...)
	v, err := s.inner.GetMeta(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
