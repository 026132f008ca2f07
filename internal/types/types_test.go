package types

import (
	"strings"
	"testing"
	"time"
)

func validTask() *Element {
	now := time.Now().UTC()
	return &Element{
		ID:        "el-abc1",
		Type:      ElementTask,
		CreatedAt: now,
		UpdatedAt: now,
		Task: &Task{
			Title:    "Valid task",
			Status:   StatusOpen,
			Priority: 2,
			TaskType: TypeFeature,
		},
	}
}

func TestTaskValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Element)
		wantKind Kind
	}{
		{"valid", func(e *Element) {}, ""},
		{"missing title", func(e *Element) { e.Task.Title = "" }, KindMissingRequiredField},
		{"whitespace title", func(e *Element) { e.Task.Title = "   " }, KindMissingRequiredField},
		{"title too long", func(e *Element) { e.Task.Title = strings.Repeat("x", 501) }, KindTitleTooLong},
		{"priority too low", func(e *Element) { e.Task.Priority = 0 }, KindInvalidInput},
		{"priority too high", func(e *Element) { e.Task.Priority = 6 }, KindInvalidInput},
		{"bad status", func(e *Element) { e.Task.Status = "bogus" }, KindInvalidStatus},
		{"bad task type", func(e *Element) { e.Task.TaskType = "saga" }, KindInvalidInput},
		{"bad id", func(e *Element) { e.ID = "EL-ABC" }, KindInvalidID},
		{"closed without closed_at", func(e *Element) { e.Task.Status = StatusClosed }, KindConstraint},
		{"updated before created", func(e *Element) { e.UpdatedAt = e.CreatedAt.Add(-time.Second) }, KindConstraint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validTask()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if KindOf(err) != tt.wantKind {
				t.Fatalf("Validate() kind = %v (%v), want %v", KindOf(err), err, tt.wantKind)
			}
		})
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{StatusBacklog, StatusOpen},
		{StatusOpen, StatusInProgress},
		{StatusInProgress, StatusOpen},
		{StatusOpen, StatusDeferred},
		{StatusDeferred, StatusOpen},
		{StatusOpen, StatusClosed},
		{StatusInProgress, StatusClosed},
		{StatusDeferred, StatusClosed},
		{StatusClosed, StatusOpen},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Errorf("CanTransition(%s -> %s) = false, want true", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to TaskStatus }{
		{StatusBacklog, StatusInProgress},
		{StatusBacklog, StatusClosed},
		{StatusBacklog, StatusDeferred},
		{StatusInProgress, StatusDeferred},
		{StatusClosed, StatusInProgress},
		{StatusClosed, StatusDeferred},
		{StatusDeferred, StatusInProgress},
		{StatusOpen, StatusBacklog},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransition(tr.to) {
			t.Errorf("CanTransition(%s -> %s) = true, want false", tr.from, tr.to)
		}
	}
}

func TestWorkflowTransitions(t *testing.T) {
	w := &Workflow{Status: WorkflowPending}
	if !w.CanTransitionTo(WorkflowRunning) || !w.CanTransitionTo(WorkflowCancelled) {
		t.Error("pending should allow running and cancelled")
	}
	if w.CanTransitionTo(WorkflowCompleted) {
		t.Error("pending should not allow completed")
	}

	w.Status = WorkflowRunning
	for _, next := range []WorkflowStatus{WorkflowCompleted, WorkflowFailed, WorkflowCancelled} {
		if !w.CanTransitionTo(next) {
			t.Errorf("running should allow %s", next)
		}
	}

	// Terminal states are absorbing.
	for _, terminal := range []WorkflowStatus{WorkflowCompleted, WorkflowFailed, WorkflowCancelled} {
		w.Status = terminal
		for _, next := range []WorkflowStatus{WorkflowPending, WorkflowRunning, WorkflowCompleted} {
			if next != terminal && w.CanTransitionTo(next) {
				t.Errorf("%s should not allow %s", terminal, next)
			}
		}
	}
}

func TestDocumentValidation(t *testing.T) {
	tests := []struct {
		name     string
		doc      Document
		wantKind Kind
	}{
		{"valid v1", Document{ContentType: ContentMarkdown, Content: "# hi", Version: 1, Status: DocActive}, ""},
		{"valid v2", Document{ContentType: ContentText, Content: "x", Version: 2, PreviousVersionID: "el-prev1", Status: DocActive}, ""},
		{"bad content type", Document{ContentType: "xml", Content: "x", Version: 1}, KindInvalidContentType},
		{"version zero", Document{ContentType: ContentText, Content: "x", Version: 0}, KindConstraint},
		{"v1 with previous", Document{ContentType: ContentText, Content: "x", Version: 1, PreviousVersionID: "el-prev1"}, KindConstraint},
		{"v2 without previous", Document{ContentType: ContentText, Content: "x", Version: 2}, KindConstraint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			if KindOf(err) != tt.wantKind {
				t.Fatalf("Validate() = %v, want kind %q", err, tt.wantKind)
			}
		})
	}
}

func TestDirectChannelNameDeterministic(t *testing.T) {
	a, b := "el-aaa", "el-bbb"
	if DirectChannelName(a, b) != DirectChannelName(b, a) {
		t.Fatal("direct channel name must be symmetric")
	}
	if got, want := DirectChannelName(b, a), "el-aaa:el-bbb"; got != want {
		t.Fatalf("DirectChannelName = %q, want %q", got, want)
	}
}

func TestChannelValidation(t *testing.T) {
	direct := Channel{
		ChannelType: ChannelDirect,
		Members:     []string{"el-aaa", "el-bbb"},
		Name:        "el-aaa:el-bbb",
		Permissions: ChannelPermissions{Visibility: VisibilityPrivate, JoinPolicy: JoinInviteOnly},
	}
	if err := direct.Validate(); err != nil {
		t.Fatalf("valid direct channel rejected: %v", err)
	}

	bad := direct
	bad.Permissions.Visibility = VisibilityPublic
	if KindOf(bad.Validate()) != KindConstraint {
		t.Error("public direct channel should fail CONSTRAINT")
	}

	bad = direct
	bad.Members = []string{"el-aaa"}
	if KindOf(bad.Validate()) != KindConstraint {
		t.Error("single-member direct channel should fail CONSTRAINT")
	}

	bad = direct
	bad.Name = "wrong"
	if KindOf(bad.Validate()) != KindConstraint {
		t.Error("misnamed direct channel should fail CONSTRAINT")
	}

	group := Channel{ChannelType: ChannelGroup, Permissions: ChannelPermissions{Visibility: VisibilityPublic, JoinPolicy: JoinOpen}}
	if KindOf(group.Validate()) != KindMemberRequired {
		t.Error("empty group channel should fail MEMBER_REQUIRED")
	}
}

func TestMessageValidation(t *testing.T) {
	m := Message{ChannelID: "el-chan1", ContentRef: "el-doc1"}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	m.Attachments = make([]string, MaxMessageAttachments+1)
	for i := range m.Attachments {
		m.Attachments[i] = "el-att1"
	}
	if KindOf(m.Validate()) != KindConstraint {
		t.Error("over-limit attachments should fail CONSTRAINT")
	}
}

func TestGateSatisfaction(t *testing.T) {
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	timer := &Gate{Type: GateTimer, WaitUntil: &future}
	if timer.SatisfiedAt(now) {
		t.Error("timer gate with future wait_until should block")
	}
	timer.WaitUntil = &past
	if !timer.SatisfiedAt(now) {
		t.Error("timer gate with past wait_until should unblock")
	}

	approval := &Gate{
		Type:              GateApproval,
		RequiredApprovers: []string{"el-rev1", "el-rev2", "el-rev3"},
		ApprovalCount:     2,
	}
	if approval.SatisfiedAt(now) {
		t.Error("approval gate with no approvals should block")
	}
	approval.Approvals = []string{"el-rev1", "el-rev1", "el-someone"}
	if approval.SatisfiedAt(now) {
		t.Error("one distinct required approver should not satisfy count=2")
	}
	approval.Approvals = append(approval.Approvals, "el-rev3")
	if !approval.SatisfiedAt(now) {
		t.Error("two distinct required approvers should satisfy count=2")
	}

	webhook := &Gate{Type: GateWebhook, WebhookID: "wh-1"}
	if webhook.SatisfiedAt(now) {
		t.Error("webhook gate should block until the sentinel arrives")
	}
	webhook.Satisfied = true
	if !webhook.SatisfiedAt(now) {
		t.Error("satisfied webhook gate should unblock")
	}
}

func TestGateValidation(t *testing.T) {
	if KindOf((&Gate{Type: GateTimer}).Validate()) != KindMissingRequiredField {
		t.Error("timer gate without wait_until should fail")
	}
	over := &Gate{Type: GateApproval, RequiredApprovers: []string{"el-rev1"}, ApprovalCount: 2}
	if KindOf(over.Validate()) != KindConstraint {
		t.Error("approval_count above required approvers should fail CONSTRAINT")
	}
}

func TestDependencyCanonicalization(t *testing.T) {
	d := &Dependency{BlockedID: "el-zzz", BlockerID: "el-aaa", Type: DepRelatesTo}
	d.Canonicalize()
	if d.BlockedID != "el-aaa" || d.BlockerID != "el-zzz" {
		t.Fatalf("relates-to not canonicalized: %s -> %s", d.BlockedID, d.BlockerID)
	}

	// Directional edges are left alone.
	d = &Dependency{BlockedID: "el-zzz", BlockerID: "el-aaa", Type: DepBlocks}
	d.Canonicalize()
	if d.BlockedID != "el-zzz" {
		t.Fatal("blocks edge must not be reordered")
	}
}

func TestDependencyFamilies(t *testing.T) {
	blocking := []DependencyType{DepBlocks, DepParentChild, DepAwaits}
	for _, d := range blocking {
		if !d.AffectsReadiness() {
			t.Errorf("%s should affect readiness", d)
		}
	}
	for _, d := range []DependencyType{DepRelatesTo, DepReferences, DepMentions, DepAuthoredBy, DepRepliesTo} {
		if d.AffectsReadiness() {
			t.Errorf("%s should not affect readiness", d)
		}
	}
	if DependencyType("made-up").IsValid() {
		t.Error("unknown dependency type should be invalid")
	}
}

func TestProjectionHashDeterministic(t *testing.T) {
	p1 := Projection{Title: "t", Body: "b", State: "open", Labels: []string{"b", "a", "a"}, Assignees: []string{"y", "x"}, Priority: 2}
	p2 := Projection{Title: "t", Body: "b", State: "open", Labels: []string{"a", "b"}, Assignees: []string{"x", "y"}, Priority: 2}
	if p1.Hash() != p2.Hash() {
		t.Fatal("label/assignee order must not change the hash")
	}
	p2.Priority = 3
	if p1.Hash() == p2.Hash() {
		t.Fatal("priority change must change the hash")
	}
}

func TestSyncStateEnvelope(t *testing.T) {
	e := validTask()
	if _, ok := e.SyncState(); ok {
		t.Fatal("unlinked element should have no sync state")
	}

	e.Metadata = map[string]any{"custom": "kept"}
	e.SetSyncState(&ExternalSyncState{
		Provider:   "forge",
		Project:    "demo",
		ExternalID: "42",
		Direction:  DirectionBidirectional,
	})

	st, ok := e.SyncState()
	if !ok || st.Provider != "forge" || st.ExternalID != "42" {
		t.Fatalf("sync state round-trip failed: %+v", st)
	}
	if e.Metadata["custom"] != "kept" {
		t.Error("unknown metadata keys must be preserved")
	}

	e.ClearSyncState()
	if _, ok := e.SyncState(); ok {
		t.Error("ClearSyncState should unlink the element")
	}
	if e.Metadata["custom"] != "kept" {
		t.Error("ClearSyncState must not touch other keys")
	}
}

func TestIDGrammar(t *testing.T) {
	valid := []string{"el-abc", "el-0a1b2c3d", "el-999"}
	for _, id := range valid {
		if !ValidID(id) {
			t.Errorf("ValidID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "el-", "el-ab", "el-abcdefghi", "EL-abc", "el-ABC", "bd-abc", "el-ab!"}
	for _, id := range invalid {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}

func TestSortReadyOrdering(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, prio int, created time.Time) *Element {
		return &Element{ID: id, Type: ElementTask, CreatedAt: created, Task: &Task{Title: id, Status: StatusOpen, Priority: prio, TaskType: TypeTask}}
	}
	els := []*Element{
		mk("el-ccc", 2, t0.Add(time.Hour)),
		mk("el-bbb", 1, t0.Add(time.Hour)),
		mk("el-aaa", 1, t0.Add(time.Hour)),
		mk("el-ddd", 1, t0),
	}
	SortReady(els)
	want := []string{"el-ddd", "el-aaa", "el-bbb", "el-ccc"}
	for i, id := range want {
		if els[i].ID != id {
			t.Fatalf("SortReady[%d] = %s, want %s", i, els[i].ID, id)
		}
	}
}
