package types

import "time"

// ElementFilter narrows ListElements results. Zero values match everything.
type ElementFilter struct {
	Type           ElementType
	TaskStatus     TaskStatus
	Assignee       string
	Tags           []string // element must carry every listed tag
	IncludeDeleted bool
	Provider       string // linked to this provider
	Limit          int
}

// Matches reports whether the element passes the filter. Tombstones only
// match when IncludeDeleted is set.
func (f ElementFilter) Matches(e *Element) bool {
	if e.IsTombstone() && !f.IncludeDeleted {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.TaskStatus != "" && (e.Task == nil || e.Task.Status != f.TaskStatus) {
		return false
	}
	if f.Assignee != "" && (e.Task == nil || e.Task.Assignee != f.Assignee) {
		return false
	}
	for _, tag := range f.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	if f.Provider != "" && !e.Linked(f.Provider) {
		return false
	}
	return true
}

// WorkFilter narrows readiness queries.
type WorkFilter struct {
	Assignee string
	TaskType TaskType
	Tags     []string
	Limit    int
	Now      time.Time // zero means time.Now at evaluation
}

// Matches reports whether a task element passes the work filter.
// Blocked-status and schedule checks are applied by the store, not here.
func (f WorkFilter) Matches(e *Element) bool {
	if e.Task == nil {
		return false
	}
	if f.Assignee != "" && e.Task.Assignee != f.Assignee {
		return false
	}
	if f.TaskType != "" && e.Task.TaskType != f.TaskType {
		return false
	}
	for _, tag := range f.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	return true
}
