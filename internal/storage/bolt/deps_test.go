package bolt

import (
	"context"
	"testing"
	"time"

	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

func addDep(t *testing.T, s *Store, blockedID, blockerID string, depType types.DependencyType) {
	t.Helper()
	err := s.AddDependency(context.Background(), &types.Dependency{
		BlockedID: blockedID,
		BlockerID: blockerID,
		Type:      depType,
	}, "el-usr1")
	if err != nil {
		t.Fatalf("add %s -> %s (%s): %v", blockedID, blockerID, depType, err)
	}
}

func containsID(elements []*types.Element, id string) bool {
	for _, el := range elements {
		if el.ID == id {
			return true
		}
	}
	return false
}

func TestCyclePreventionLeavesGraphUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "a")
	b := newTask(t, s, "b")
	c := newTask(t, s, "c")

	addDep(t, s, a.ID, b.ID, types.DepBlocks)
	addDep(t, s, b.ID, c.ID, types.DepBlocks)

	before, err := s.AllDependencies(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Closing the cycle c -> a must fail atomically.
	err = s.AddDependency(ctx, &types.Dependency{
		BlockedID: c.ID, BlockerID: a.ID, Type: types.DepBlocks,
	}, "el-usr1")
	if !types.IsCycle(err) {
		t.Fatalf("cycle error = %v, want CYCLE_DETECTED", err)
	}

	after, err := s.AllDependencies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("graph changed: %d edges before, %d after", len(before), len(after))
	}

	// Direct self-loop.
	err = s.AddDependency(ctx, &types.Dependency{
		BlockedID: a.ID, BlockerID: a.ID, Type: types.DepBlocks,
	}, "el-usr1")
	if types.KindOf(err) != types.KindConstraint {
		t.Fatalf("self-loop error = %v, want CONSTRAINT", err)
	}
}

func TestAssociativeEdgesSkipCycleCheck(t *testing.T) {
	s := newTestStore(t)
	a := newTask(t, s, "a")
	b := newTask(t, s, "b")

	// relates-to both ways collapses to one canonical edge; references both
	// ways is two edges and no cycle error.
	addDep(t, s, a.ID, b.ID, types.DepRelatesTo)
	addDep(t, s, b.ID, a.ID, types.DepRelatesTo)
	addDep(t, s, a.ID, b.ID, types.DepReferences)
	addDep(t, s, b.ID, a.ID, types.DepReferences)

	deps, err := s.AllDependencies(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 3 {
		t.Fatalf("got %d edges, want 3 (one relates-to, two references)", len(deps))
	}
}

func TestDuplicateEdgeIsNoop(t *testing.T) {
	s := newTestStore(t)
	a := newTask(t, s, "a")
	b := newTask(t, s, "b")

	addDep(t, s, a.ID, b.ID, types.DepBlocks)
	addDep(t, s, a.ID, b.ID, types.DepBlocks)

	deps, err := s.AllDependencies(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 {
		t.Fatalf("got %d edges, want 1", len(deps))
	}
}

func TestOutgoingIncoming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "a")
	b := newTask(t, s, "b")
	c := newTask(t, s, "c")
	addDep(t, s, a.ID, b.ID, types.DepBlocks)
	addDep(t, s, c.ID, b.ID, types.DepBlocks)

	out, err := s.Outgoing(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].BlockerID != b.ID {
		t.Fatalf("Outgoing(a) = %+v", out)
	}

	in, err := s.Incoming(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(in) != 2 {
		t.Fatalf("Incoming(b) = %d edges, want 2", len(in))
	}

	related, err := s.AreRelated(ctx, b.ID, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !related {
		t.Error("AreRelated(b, c) = false, want true")
	}
	related, _ = s.AreRelated(ctx, a.ID, c.ID)
	if related {
		t.Error("AreRelated(a, c) = true, want false")
	}
}

func TestRemoveDependency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "a")
	b := newTask(t, s, "b")
	addDep(t, s, a.ID, b.ID, types.DepBlocks)

	if err := s.RemoveDependency(ctx, a.ID, b.ID, types.DepBlocks, "el-usr1"); err != nil {
		t.Fatal(err)
	}
	err := s.RemoveDependency(ctx, a.ID, b.ID, types.DepBlocks, "el-usr1")
	if !types.IsNotFound(err) {
		t.Fatalf("double remove error = %v, want NOT_FOUND", err)
	}

	blocked, err := s.IsBlocked(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("a still blocked after edge removal")
	}
}

func TestBlockedUnblockedOnClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "dependent")
	b := newTask(t, s, "blocker")
	addDep(t, s, a.ID, b.ID, types.DepBlocks)

	blocked, err := s.IsBlocked(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Fatal("a should be blocked by open b")
	}

	if _, err := s.UpdateElement(ctx, b.ID, map[string]any{"status": "closed"}, storage.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	blocked, err = s.IsBlocked(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("a still blocked after b closed; cache not invalidated")
	}
}

func TestTombstonedBlockerCountsSatisfied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "dependent")
	b := newTask(t, s, "blocker")
	addDep(t, s, a.ID, b.ID, types.DepBlocks)

	if blocked, _ := s.IsBlocked(ctx, a.ID); !blocked {
		t.Fatal("precondition: a blocked")
	}
	if err := s.DeleteElement(ctx, b.ID, storage.DeleteOptions{Actor: "el-usr1"}); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, a.ID); blocked {
		t.Error("tombstoned blocker still blocks")
	}
}

func TestParentChildPropagatesBlockage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := newTask(t, s, "parent")
	child := newTask(t, s, "child")
	blocker := newTask(t, s, "root blocker")

	addDep(t, s, child.ID, parent.ID, types.DepParentChild)

	// An open parent alone does not block the child.
	if blocked, _ := s.IsBlocked(ctx, child.ID); blocked {
		t.Fatal("child blocked by merely open parent")
	}

	addDep(t, s, parent.ID, blocker.ID, types.DepBlocks)
	if blocked, _ := s.IsBlocked(ctx, child.ID); !blocked {
		t.Fatal("child not blocked while parent is blocked")
	}

	if _, err := s.UpdateElement(ctx, blocker.ID, map[string]any{"status": "closed"}, storage.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, child.ID); blocked {
		t.Error("child still blocked after root blocker closed")
	}
}

func TestTimerGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "waiting")
	b := newTask(t, s, "anchor")

	until := s.now().Add(time.Hour)
	err := s.AddDependency(ctx, &types.Dependency{
		BlockedID: a.ID, BlockerID: b.ID, Type: types.DepAwaits,
		Gate: &types.Gate{Type: types.GateTimer, WaitUntil: &until},
	}, "el-usr1")
	if err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, a.ID); !blocked {
		t.Fatal("timer gate in the future should block")
	}

	// Expiry alone must unblock: the cached answer lapses at the gate
	// boundary without any write in between.
	s.now = func() time.Time { return until.Add(time.Minute) }
	if blocked, _ := s.IsBlocked(ctx, a.ID); blocked {
		t.Error("expired timer gate still blocks")
	}
	ready, err := s.ReadyElements(ctx, types.WorkFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if !containsID(ready, a.ID) {
		t.Error("task missing from ready work after its timer gate expired")
	}
}

func TestApprovalGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "needs signoff")
	b := newTask(t, s, "review anchor")

	err := s.AddDependency(ctx, &types.Dependency{
		BlockedID: a.ID, BlockerID: b.ID, Type: types.DepAwaits,
		Gate: &types.Gate{
			Type:              types.GateApproval,
			RequiredApprovers: []string{"el-usr2", "el-usr3"},
			ApprovalCount:     2,
		},
	}, "el-usr1")
	if err != nil {
		t.Fatal(err)
	}

	// Non-required approver and duplicates never satisfy.
	if err := s.RecordApproval(ctx, a.ID, b.ID, "el-usr9"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordApproval(ctx, a.ID, b.ID, "el-usr2"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordApproval(ctx, a.ID, b.ID, "el-usr2"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, a.ID); !blocked {
		t.Fatal("one distinct approval of two should still block")
	}

	if err := s.RecordApproval(ctx, a.ID, b.ID, "el-usr3"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, a.ID); blocked {
		t.Error("both approvals recorded but still blocked")
	}
}

func TestExternalGateSatisfy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "waiting on ci")
	b := newTask(t, s, "ci anchor")

	err := s.AddDependency(ctx, &types.Dependency{
		BlockedID: a.ID, BlockerID: b.ID, Type: types.DepAwaits,
		Gate: &types.Gate{Type: types.GateExternal, ExternalSystem: "ci"},
	}, "el-usr1")
	if err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, a.ID); !blocked {
		t.Fatal("unsatisfied external gate should block")
	}
	if err := s.SatisfyGate(ctx, a.ID, b.ID, "ci webhook"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, a.ID); blocked {
		t.Error("satisfied external gate still blocks")
	}
}

func TestReadyBlockedPartition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	free := newTask(t, s, "free")
	dependent := newTask(t, s, "dependent")
	blocker := newTask(t, s, "blocker")
	addDep(t, s, dependent.ID, blocker.ID, types.DepBlocks)

	ready, err := s.ReadyElements(ctx, types.WorkFilter{})
	if err != nil {
		t.Fatal(err)
	}
	readyIDs := map[string]bool{}
	for _, el := range ready {
		readyIDs[el.ID] = true
	}
	if !readyIDs[free.ID] || !readyIDs[blocker.ID] || readyIDs[dependent.ID] {
		t.Fatalf("ready = %v", readyIDs)
	}

	blocked, err := s.BlockedElements(ctx, types.WorkFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].ID != dependent.ID {
		t.Fatalf("blocked = %+v", blocked)
	}
	if blocked[0].BlockerID != blocker.ID || blocked[0].Reason == "" {
		t.Errorf("blocked annotation: blocker=%s reason=%q", blocked[0].BlockerID, blocked[0].Reason)
	}

	// No element appears on both sides.
	for _, be := range blocked {
		if readyIDs[be.ID] {
			t.Errorf("%s is both ready and blocked", be.ID)
		}
	}
}

func TestReadyExcludesScheduledAndDraftPlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	later := s.now().Add(24 * time.Hour)
	scheduled := &types.Element{
		Type: types.ElementTask,
		Task: &types.Task{Title: "tomorrow", Priority: 1, ScheduledFor: &later},
	}
	if err := s.CreateElement(ctx, scheduled, "el-usr1"); err != nil {
		t.Fatal(err)
	}

	plan := &types.Element{
		Type: types.ElementPlan,
		Plan: &types.Plan{Status: types.PlanDraft, Title: "q3"},
	}
	if err := s.CreateElement(ctx, plan, "el-usr1"); err != nil {
		t.Fatal(err)
	}
	planned := newTask(t, s, "planned")
	addDep(t, s, planned.ID, plan.ID, types.DepParentChild)

	ready, err := s.ReadyElements(ctx, types.WorkFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, el := range ready {
		if el.ID == scheduled.ID {
			t.Error("future-scheduled task is ready")
		}
		if el.ID == planned.ID {
			t.Error("draft-plan member is ready")
		}
	}

	// Activating the plan releases its members.
	if _, err := s.UpdateElement(ctx, plan.ID, map[string]any{"status": "active"}, storage.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	ready, _ = s.ReadyElements(ctx, types.WorkFilter{})
	found := false
	for _, el := range ready {
		if el.ID == planned.ID {
			found = true
		}
	}
	if !found {
		t.Error("active-plan member missing from ready")
	}
}

func TestReadyOrderingAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := &types.Element{Type: types.ElementTask, Task: &types.Task{Title: "low", Priority: 4}}
	high := &types.Element{Type: types.ElementTask, Task: &types.Task{Title: "high", Priority: 1, Assignee: "el-usr2"}}
	for _, el := range []*types.Element{low, high} {
		if err := s.CreateElement(ctx, el, "el-usr1"); err != nil {
			t.Fatal(err)
		}
	}

	ready, err := s.ReadyElements(ctx, types.WorkFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 || ready[0].ID != high.ID {
		t.Fatalf("ready order wrong: %+v", readyIDList(ready))
	}

	ready, err = s.ReadyElements(ctx, types.WorkFilter{Assignee: "el-usr2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != high.ID {
		t.Fatalf("assignee filter = %v", readyIDList(ready))
	}

	ready, err = s.ReadyElements(ctx, types.WorkFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 {
		t.Fatalf("limit ignored: %d results", len(ready))
	}
}

func readyIDList(els []*types.Element) []string {
	ids := make([]string, len(els))
	for i, el := range els {
		ids[i] = el.ID
	}
	return ids
}

func TestDependencyTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "a")
	b := newTask(t, s, "b")
	c := newTask(t, s, "c")
	d := newTask(t, s, "d")
	addDep(t, s, a.ID, b.ID, types.DepBlocks)
	addDep(t, s, a.ID, c.ID, types.DepBlocks)
	addDep(t, s, b.ID, d.ID, types.DepBlocks)
	addDep(t, s, c.ID, d.ID, types.DepBlocks)

	nodes, err := s.DependencyTree(ctx, a.ID, storage.TreeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// Diamond: d is reachable along two paths but appears once.
	if len(nodes) != 4 {
		t.Fatalf("tree has %d nodes, want 4: %+v", len(nodes), nodes)
	}
	if nodes[0].ID != a.ID || nodes[0].Depth != 0 {
		t.Errorf("root = %+v", nodes[0])
	}

	up, err := s.DependencyTree(ctx, d.ID, storage.TreeOptions{Direction: storage.TreeUp})
	if err != nil {
		t.Fatal(err)
	}
	if len(up) != 4 {
		t.Fatalf("upward tree has %d nodes, want 4", len(up))
	}

	shallow, err := s.DependencyTree(ctx, a.ID, storage.TreeOptions{MaxDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	truncated := false
	for _, n := range shallow {
		if n.Depth > 1 {
			t.Errorf("node %s beyond max depth: %d", n.ID, n.Depth)
		}
		if n.Truncated {
			truncated = true
		}
	}
	if !truncated {
		t.Error("depth-capped walk marked nothing truncated")
	}
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(t, s, "a")
	b := newTask(t, s, "b")
	addDep(t, s, a.ID, b.ID, types.DepBlocks)
	if _, err := s.UpdateElement(ctx, b.ID, map[string]any{"status": "in_progress"}, storage.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalElements != 2 || stats.OpenTasks != 1 || stats.InProgress != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Dependencies != 1 || stats.BlockedTasks != 1 || stats.ReadyTasks != 1 {
		t.Errorf("graph stats = %+v", stats)
	}
}
