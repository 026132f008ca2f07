// Package types defines the core data structures for the Stoneforge sync core.
package types

import (
	"strings"
	"time"
)

// MaxTitleLength is the longest permitted task title, in characters.
const MaxTitleLength = 500

// MaxDocumentBytes is the largest permitted document content (10 MiB).
const MaxDocumentBytes = 10 * 1024 * 1024

// MaxMessageAttachments caps the attachment list on a message.
const MaxMessageAttachments = 16

// ElementType identifies the kind of a persisted element.
type ElementType string

// Element type constants
const (
	ElementTask     ElementType = "task"
	ElementDocument ElementType = "document"
	ElementChannel  ElementType = "channel"
	ElementMessage  ElementType = "message"
	ElementWorkflow ElementType = "workflow"
	ElementPlaybook ElementType = "playbook"
	ElementPlan     ElementType = "plan"
	ElementEntity   ElementType = "entity"
)

// IsValid checks if the element type value is valid.
func (t ElementType) IsValid() bool {
	switch t {
	case ElementTask, ElementDocument, ElementChannel, ElementMessage,
		ElementWorkflow, ElementPlaybook, ElementPlan, ElementEntity:
		return true
	}
	return false
}

// Element is the base record for every persisted entity. Exactly one of the
// kind payloads (Task, Document, ...) is set, matching Type.
type Element struct {
	ID        string         `json:"id"`
	Type      ElementType    `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Tombstone fields: soft delete leaves the record resolvable by id.
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeletedBy    string     `json:"deleted_by,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`

	Task     *Task     `json:"task,omitempty"`
	Document *Document `json:"document,omitempty"`
	Channel  *Channel  `json:"channel,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Workflow *Workflow `json:"workflow,omitempty"`
	Plan     *Plan     `json:"plan,omitempty"`
}

// IsTombstone returns true if the element has been soft-deleted.
func (e *Element) IsTombstone() bool {
	return e.DeletedAt != nil
}

// HasTag reports whether the element carries the given tag (case-sensitive).
func (e *Element) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag if not already present, preserving order.
func (e *Element) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Tags = append(e.Tags, tag)
	}
}

// RemoveTag deletes a tag if present.
func (e *Element) RemoveTag(tag string) {
	for i, t := range e.Tags {
		if t == tag {
			e.Tags = append(e.Tags[:i], e.Tags[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy of the element.
func (e *Element) Clone() *Element {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Task != nil {
		t := *e.Task
		c.Task = &t
	}
	if e.Document != nil {
		d := *e.Document
		c.Document = &d
	}
	if e.Channel != nil {
		ch := *e.Channel
		ch.Members = append([]string(nil), e.Channel.Members...)
		ch.Permissions.ModifyMembers = append([]string(nil), e.Channel.Permissions.ModifyMembers...)
		c.Channel = &ch
	}
	if e.Message != nil {
		m := *e.Message
		m.Attachments = append([]string(nil), e.Message.Attachments...)
		c.Message = &m
	}
	if e.Workflow != nil {
		w := *e.Workflow
		c.Workflow = &w
	}
	if e.Plan != nil {
		p := *e.Plan
		c.Plan = &p
	}
	return &c
}

// Validate checks structural invariants common to every element and then
// dispatches to the kind payload.
func (e *Element) Validate() error {
	if err := ValidateID(e.ID); err != nil {
		return err
	}
	if !e.Type.IsValid() {
		return E(KindInvalidInput, "invalid element type: %s", e.Type)
	}
	if !e.CreatedAt.IsZero() && !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(e.CreatedAt) {
		return E(KindConstraint, "updated_at %s precedes created_at %s", e.UpdatedAt, e.CreatedAt)
	}
	switch e.Type {
	case ElementTask:
		if e.Task == nil {
			return E(KindMissingRequiredField, "task payload is required")
		}
		return e.Task.Validate()
	case ElementDocument:
		if e.Document == nil {
			return E(KindMissingRequiredField, "document payload is required")
		}
		return e.Document.Validate()
	case ElementChannel:
		if e.Channel == nil {
			return E(KindMissingRequiredField, "channel payload is required")
		}
		return e.Channel.Validate()
	case ElementMessage:
		if e.Message == nil {
			return E(KindMissingRequiredField, "message payload is required")
		}
		return e.Message.Validate()
	case ElementWorkflow:
		if e.Workflow == nil {
			return E(KindMissingRequiredField, "workflow payload is required")
		}
		return e.Workflow.Validate()
	case ElementPlan:
		if e.Plan == nil {
			return E(KindMissingRequiredField, "plan payload is required")
		}
		return e.Plan.Validate()
	}
	return nil
}

// Task extends Element with work-item fields.
type Task struct {
	Title          string     `json:"title"`
	Status         TaskStatus `json:"status,omitempty"`
	Priority       int        `json:"priority"` // 1..5, 1 highest
	Complexity     int        `json:"complexity,omitempty"`
	TaskType       TaskType   `json:"task_type,omitempty"`
	Assignee       string     `json:"assignee,omitempty"`
	DescriptionRef string     `json:"description_ref,omitempty"` // Document id
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Validate checks task field values.
func (t *Task) Validate() error {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		return E(KindMissingRequiredField, "title is required")
	}
	if len([]rune(title)) > MaxTitleLength {
		return E(KindTitleTooLong, "title must be %d characters or less (got %d)", MaxTitleLength, len([]rune(title)))
	}
	if !t.Status.IsValid() {
		return E(KindInvalidStatus, "invalid task status: %s", t.Status)
	}
	if t.Priority < 1 || t.Priority > 5 {
		return E(KindInvalidInput, "priority must be between 1 and 5 (got %d)", t.Priority)
	}
	if t.Complexity != 0 && (t.Complexity < 1 || t.Complexity > 5) {
		return E(KindInvalidInput, "complexity must be between 1 and 5 (got %d)", t.Complexity)
	}
	if !t.TaskType.IsValid() {
		return E(KindInvalidInput, "invalid task type: %s", t.TaskType)
	}
	if t.DescriptionRef != "" {
		if err := ValidateID(t.DescriptionRef); err != nil {
			return err
		}
	}
	if t.Status == StatusClosed && t.ClosedAt == nil {
		return E(KindConstraint, "closed tasks must have closed_at timestamp")
	}
	if t.Status != StatusClosed && t.ClosedAt != nil {
		return E(KindConstraint, "non-closed tasks cannot have closed_at timestamp")
	}
	return nil
}

// ScheduledInFuture reports whether the task has a scheduled_for that has not
// arrived yet. A scheduled_for in the past is effectively unset.
func (t *Task) ScheduledInFuture(now time.Time) bool {
	return t.ScheduledFor != nil && t.ScheduledFor.After(now)
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status constants
const (
	StatusBacklog    TaskStatus = "backlog"
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusClosed     TaskStatus = "closed"
	StatusDeferred   TaskStatus = "deferred"
)

// IsValid checks if the status value is valid.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusBacklog, StatusOpen, StatusInProgress, StatusClosed, StatusDeferred:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal task status transition.
//
//	backlog -> open
//	open <-> in_progress
//	open <-> deferred
//	{open, in_progress, deferred} -> closed
//	closed -> open (reopen)
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusBacklog:
		return next == StatusOpen
	case StatusOpen:
		return next == StatusInProgress || next == StatusDeferred || next == StatusClosed
	case StatusInProgress:
		return next == StatusOpen || next == StatusClosed
	case StatusDeferred:
		return next == StatusOpen || next == StatusClosed
	case StatusClosed:
		return next == StatusOpen
	}
	return false
}

// TaskType categorizes the kind of work.
type TaskType string

// Task type constants
const (
	TypeBug     TaskType = "bug"
	TypeFeature TaskType = "feature"
	TypeTask    TaskType = "task"
	TypeChore   TaskType = "chore"
)

// IsValid checks if the task type value is valid.
func (t TaskType) IsValid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeChore:
		return true
	}
	return false
}

// ContentType identifies a document's payload format.
type ContentType string

// Content type constants
const (
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
	ContentJSON     ContentType = "json"
)

// IsValid checks if the content type value is valid.
func (c ContentType) IsValid() bool {
	switch c {
	case ContentText, ContentMarkdown, ContentJSON:
		return true
	}
	return false
}

// DocumentStatus is the visibility state of a document.
type DocumentStatus string

// Document status constants
const (
	DocActive   DocumentStatus = "active"
	DocArchived DocumentStatus = "archived"
)

// IsValid checks if the document status value is valid.
func (s DocumentStatus) IsValid() bool {
	return s == DocActive || s == DocArchived
}

// Document extends Element with versioned content. Updating content
// materializes a new version; the superseded tuple is preserved in version
// storage and PreviousVersionID points at its snapshot id.
type Document struct {
	ContentType       ContentType    `json:"content_type"`
	Content           string         `json:"content"`
	Version           int            `json:"version"`
	PreviousVersionID string         `json:"previous_version_id,omitempty"`
	Category          string         `json:"category,omitempty"`
	Status            DocumentStatus `json:"status,omitempty"`
	Immutable         bool           `json:"immutable,omitempty"`
}

// Validate checks document field values.
func (d *Document) Validate() error {
	if !d.ContentType.IsValid() {
		return E(KindInvalidContentType, "invalid content type: %s", d.ContentType)
	}
	if len(d.Content) > MaxDocumentBytes {
		return E(KindInvalidInput, "content exceeds %d bytes (got %d)", MaxDocumentBytes, len(d.Content))
	}
	if d.Version < 1 {
		return E(KindConstraint, "version must be >= 1 (got %d)", d.Version)
	}
	if d.Version == 1 && d.PreviousVersionID != "" {
		return E(KindConstraint, "version 1 documents cannot have a previous version")
	}
	if d.Version > 1 && d.PreviousVersionID == "" {
		return E(KindConstraint, "version %d document missing previous_version_id", d.Version)
	}
	if d.Status != "" && !d.Status.IsValid() {
		return E(KindInvalidStatus, "invalid document status: %s", d.Status)
	}
	return nil
}

// ChannelType distinguishes direct from group channels.
type ChannelType string

// Channel type constants
const (
	ChannelDirect ChannelType = "direct"
	ChannelGroup  ChannelType = "group"
)

// IsValid checks if the channel type value is valid.
func (c ChannelType) IsValid() bool {
	return c == ChannelDirect || c == ChannelGroup
}

// Visibility controls who can see a channel.
type Visibility string

// Visibility constants
const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// JoinPolicy controls how members join a channel.
type JoinPolicy string

// Join policy constants
const (
	JoinOpen       JoinPolicy = "open"
	JoinInviteOnly JoinPolicy = "invite-only"
	JoinRequest    JoinPolicy = "request"
)

// ChannelPermissions describes a channel's access rules.
type ChannelPermissions struct {
	Visibility    Visibility `json:"visibility"`
	JoinPolicy    JoinPolicy `json:"join_policy"`
	ModifyMembers []string   `json:"modify_members,omitempty"`
}

// Channel extends Element with membership and permissions. Direct channels
// are private, invite-only, exactly two members, with a deterministic name;
// those invariants are immutable post-creation.
type Channel struct {
	ChannelType ChannelType        `json:"channel_type"`
	Name        string             `json:"name,omitempty"`
	Members     []string           `json:"members"`
	Permissions ChannelPermissions `json:"permissions"`
}

// DirectChannelName returns the canonical name for a direct channel between
// two entities: the two ids joined by ':' in ascending order. It is symmetric
// in its arguments.
func DirectChannelName(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Validate checks channel invariants.
func (c *Channel) Validate() error {
	if !c.ChannelType.IsValid() {
		return E(KindInvalidInput, "invalid channel type: %s", c.ChannelType)
	}
	for _, m := range c.Members {
		if err := ValidateID(m); err != nil {
			return E(KindInvalidID, "invalid member id %q", m)
		}
	}
	switch c.ChannelType {
	case ChannelDirect:
		if len(c.Members) != 2 {
			return E(KindConstraint, "direct channels require exactly two members (got %d)", len(c.Members))
		}
		if c.Members[0] == c.Members[1] {
			return E(KindConstraint, "direct channel members must be distinct")
		}
		if want := DirectChannelName(c.Members[0], c.Members[1]); c.Name != want {
			return E(KindConstraint, "direct channel name must be %q (got %q)", want, c.Name)
		}
		if c.Permissions.Visibility != VisibilityPrivate || c.Permissions.JoinPolicy != JoinInviteOnly {
			return E(KindConstraint, "direct channels must be private and invite-only")
		}
		if len(c.Permissions.ModifyMembers) != 0 {
			return E(KindConstraint, "direct channels cannot have modify_members")
		}
	case ChannelGroup:
		if len(c.Members) == 0 {
			return E(KindMemberRequired, "group channels require at least one member")
		}
	}
	return nil
}

// IsMember reports whether the entity id is a channel member.
func (c *Channel) IsMember(id string) bool {
	for _, m := range c.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Message extends Element with channel-scoped immutable content. The sender
// is the element's CreatedBy. Messages never change after creation.
type Message struct {
	ChannelID   string   `json:"channel_id"`
	ContentRef  string   `json:"content_ref"` // Document id
	ThreadID    string   `json:"thread_id,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Validate checks message field values.
func (m *Message) Validate() error {
	if m.ChannelID == "" {
		return E(KindMissingRequiredField, "channel_id is required")
	}
	if err := ValidateID(m.ChannelID); err != nil {
		return err
	}
	if m.ContentRef == "" {
		return E(KindMissingRequiredField, "content_ref is required")
	}
	if err := ValidateID(m.ContentRef); err != nil {
		return err
	}
	if m.ThreadID != "" {
		if err := ValidateID(m.ThreadID); err != nil {
			return err
		}
	}
	if len(m.Attachments) > MaxMessageAttachments {
		return E(KindConstraint, "messages allow at most %d attachments (got %d)", MaxMessageAttachments, len(m.Attachments))
	}
	for _, a := range m.Attachments {
		if err := ValidateID(a); err != nil {
			return err
		}
	}
	return nil
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

// Workflow status constants
const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsValid checks if the workflow status value is valid.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is absorbing.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Workflow extends Element with an execution state machine.
type Workflow struct {
	Status    WorkflowStatus `json:"status"`
	Ephemeral bool           `json:"ephemeral,omitempty"`
}

// CanTransitionTo reports whether the workflow may move to next.
func (w *Workflow) CanTransitionTo(next WorkflowStatus) bool {
	if w.Status == next {
		return true
	}
	switch w.Status {
	case WorkflowPending:
		return next == WorkflowRunning || next == WorkflowCancelled
	case WorkflowRunning:
		return next.IsTerminal()
	}
	return false
}

// Validate checks workflow field values.
func (w *Workflow) Validate() error {
	if !w.Status.IsValid() {
		return E(KindInvalidStatus, "invalid workflow status: %s", w.Status)
	}
	return nil
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

// Plan status constants
const (
	PlanDraft    PlanStatus = "draft"
	PlanActive   PlanStatus = "active"
	PlanComplete PlanStatus = "complete"
)

// IsValid checks if the plan status value is valid.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanDraft, PlanActive, PlanComplete:
		return true
	}
	return false
}

// Plan extends Element with a grouping of tasks. Tasks join a plan through
// parent-child edges; draft-plan membership excludes a task from ready work.
type Plan struct {
	Status PlanStatus `json:"status"`
	Title  string     `json:"title,omitempty"`
}

// Validate checks plan field values.
func (p *Plan) Validate() error {
	if !p.Status.IsValid() {
		return E(KindInvalidStatus, "invalid plan status: %s", p.Status)
	}
	return nil
}

// ReopenCountKey is the metadata key holding the reconciliation counter
// incremented each time a closed task is reopened.
const ReopenCountKey = "_reopenCount"

// ConflictTag is the tag applied to an element when a MANUAL conflict
// strategy leaves both sides unresolved. Sync passes skip tagged elements.
const ConflictTag = "sync-conflict"

// Statistics summarizes store contents.
type Statistics struct {
	TotalElements int `json:"total_elements"`
	OpenTasks     int `json:"open_tasks"`
	InProgress    int `json:"in_progress"`
	ClosedTasks   int `json:"closed_tasks"`
	BacklogTasks  int `json:"backlog_tasks"`
	BlockedTasks  int `json:"blocked_tasks"`
	ReadyTasks    int `json:"ready_tasks"`
	Tombstones    int `json:"tombstones"`
	Dependencies  int `json:"dependencies"`
	DirtyElements int `json:"dirty_elements"`
}

// TreeNode is one row of a dependency tree walk.
type TreeNode struct {
	ID        string      `json:"id"`
	Type      ElementType `json:"type"`
	Title     string      `json:"title,omitempty"`
	Status    string      `json:"status,omitempty"`
	Priority  int         `json:"priority,omitempty"`
	Depth     int         `json:"depth"`
	ParentID  string      `json:"parent_id,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
}

// BlockedElement pairs a blocked task with its first unsatisfied blocker and
// a human-readable reason derived from the edge type and blocker state.
type BlockedElement struct {
	*Element
	BlockerID string `json:"blocker_id"`
	Reason    string `json:"reason"`
}
