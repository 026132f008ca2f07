package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/stoneforge/stoneforge/internal/types"
)

func init() {
	Register("memory", func() Provider { return NewMemory() })
}

// Memory is an in-process provider backed by maps. It exists for tests and
// for offline dry runs; behavior matches the adapter contract exactly,
// including monotone ListIssuesSince and opaque Raw payloads.
type Memory struct {
	cfg Config

	mu     sync.Mutex
	nextID int
	tasks  map[string]*ExternalTask     // key: project/externalID
	docs   map[string]*ExternalDocument // key: project/externalID

	// failures is a queue of errors returned by the next adapter calls, for
	// exercising retry paths.
	failures []error
}

// NewMemory returns an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		nextID: 1,
		tasks:  make(map[string]*ExternalTask),
		docs:   make(map[string]*ExternalDocument),
	}
}

// Name implements Provider.
func (m *Memory) Name() string { return "memory" }

// DisplayName implements Provider.
func (m *Memory) DisplayName() string { return "In-Memory" }

// Configure implements Provider.
func (m *Memory) Configure(cfg Config) error {
	m.cfg = cfg
	return nil
}

// Validate implements Provider.
func (m *Memory) Validate(ctx context.Context) error { return nil }

// SupportedAdapters implements Provider.
func (m *Memory) SupportedAdapters() []types.AdapterType {
	return []types.AdapterType{types.AdapterTask, types.AdapterDocument}
}

// Tasks implements Provider.
func (m *Memory) Tasks() TaskAdapter { return (*memoryTasks)(m) }

// Documents implements Provider.
func (m *Memory) Documents() DocumentAdapter { return (*memoryDocs)(m) }

// Messages implements Provider. Messages are unsupported.
func (m *Memory) Messages() MessageAdapter { return nil }

// Close implements Provider.
func (m *Memory) Close() error { return nil }

// FailNext queues errors to be returned by upcoming adapter calls, oldest
// first.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SeedTask inserts a remote task directly, bypassing the adapter. Returns
// the stored copy.
func (m *Memory) SeedTask(project string, t *ExternalTask) *ExternalTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ExternalID == "" {
		t.ExternalID = m.allocID()
	}
	t.Provider = "memory"
	t.Project = project
	if t.URL == "" {
		t.URL = fmt.Sprintf("memory://%s/issues/%s", project, t.ExternalID)
	}
	m.tasks[project+"/"+t.ExternalID] = t
	return t
}

// TaskCount returns the number of stored remote tasks.
func (m *Memory) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Memory) allocID() string {
	id := strconv.Itoa(m.nextID)
	m.nextID++
	return id
}

// popFailure returns the next queued error, if any. Callers hold m.mu.
func (m *Memory) popFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

type memoryTasks Memory

func (a *memoryTasks) GetIssue(ctx context.Context, project, externalID string) (*ExternalTask, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	t, ok := m.tasks[project+"/"+externalID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (a *memoryTasks) ListIssuesSince(ctx context.Context, project string, since time.Time) ([]*ExternalTask, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	var out []*ExternalTask
	for _, t := range m.tasks {
		if t.Project != project || t.UpdatedAt.Before(since) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (a *memoryTasks) CreateIssue(ctx context.Context, project string, input *TaskInput) (*ExternalTask, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	t := &ExternalTask{
		ExternalID: m.allocID(),
		Provider:   "memory",
		Project:    project,
		State:      StateOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.URL = fmt.Sprintf("memory://%s/issues/%s", project, t.ExternalID)
	applyTaskInput(t, input, now)
	m.tasks[project+"/"+t.ExternalID] = t
	cp := *t
	return &cp, nil
}

func (a *memoryTasks) UpdateIssue(ctx context.Context, project, externalID string, input *TaskInput) (*ExternalTask, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	t, ok := m.tasks[project+"/"+externalID]
	if !ok {
		return nil, &types.SyncError{
			Provider:   "memory",
			Project:    project,
			ExternalID: externalID,
			Message:    "issue not found",
			Code:       "404",
			Retryable:  false,
		}
	}
	applyTaskInput(t, input, time.Now().UTC())
	cp := *t
	return &cp, nil
}

func (a *memoryTasks) FieldMapConfig() TaskFieldMapConfig {
	return TaskFieldMapConfig{
		Transforms: map[string]Transform{
			"labels":   TransformLabelsAsSet,
			"priority": TransformPriorityRemap,
		},
		PriorityLabelPrefix: "priority:",
	}
}

func applyTaskInput(t *ExternalTask, input *TaskInput, now time.Time) {
	if input == nil {
		return
	}
	if input.Title != nil {
		t.Title = *input.Title
	}
	if input.Body != nil {
		t.Body = *input.Body
	}
	if input.State != nil {
		t.State = *input.State
		if t.State == StateClosed {
			closed := now
			t.ClosedAt = &closed
		} else {
			t.ClosedAt = nil
		}
	}
	if input.Labels != nil {
		t.Labels = append([]string(nil), input.Labels...)
	}
	if input.Assignees != nil {
		t.Assignees = append([]string(nil), input.Assignees...)
	}
	if input.Priority != nil {
		t.Priority = *input.Priority
	}
	t.UpdatedAt = now
}

type memoryDocs Memory

func (a *memoryDocs) GetDocument(ctx context.Context, project, externalID string) (*ExternalDocument, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	d, ok := m.docs[project+"/"+externalID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (a *memoryDocs) ListDocumentsSince(ctx context.Context, project string, since time.Time) ([]*ExternalDocument, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	var out []*ExternalDocument
	for _, d := range m.docs {
		if d.Project != project || d.UpdatedAt.Before(since) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (a *memoryDocs) CreateDocument(ctx context.Context, project string, input *DocumentInput) (*ExternalDocument, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d := &ExternalDocument{
		ExternalID: m.allocID(),
		Provider:   "memory",
		Project:    project,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.URL = fmt.Sprintf("memory://%s/docs/%s", project, d.ExternalID)
	applyDocumentInput(d, input, now)
	m.docs[project+"/"+d.ExternalID] = d
	cp := *d
	return &cp, nil
}

func (a *memoryDocs) UpdateDocument(ctx context.Context, project, externalID string, input *DocumentInput) (*ExternalDocument, error) {
	m := (*Memory)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}
	d, ok := m.docs[project+"/"+externalID]
	if !ok {
		return nil, &types.SyncError{
			Provider:   "memory",
			Project:    project,
			ExternalID: externalID,
			Message:    "document not found",
			Code:       "404",
			Retryable:  false,
		}
	}
	applyDocumentInput(d, input, time.Now().UTC())
	cp := *d
	return &cp, nil
}

func applyDocumentInput(d *ExternalDocument, input *DocumentInput, now time.Time) {
	if input == nil {
		return
	}
	if input.Title != nil {
		d.Title = *input.Title
	}
	if input.Content != nil {
		d.Content = *input.Content
	}
	if input.ContentType != nil {
		d.ContentType = *input.ContentType
	}
	d.UpdatedAt = now
}
