package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stoneforge/stoneforge/internal/types"
)

// Readiness semantics, per edge type:
//
//   - blocks and awaits edges block while their blocker is unsatisfied. A task
//     blocker is satisfied when closed, a workflow when terminal, a document
//     when archived, a plan when complete; awaits edges are satisfied by their
//     gate. Tombstoned or missing blockers count as satisfied.
//   - parent-child propagates blockage downward: the child is blocked while
//     its parent is blocked. A merely open parent does not by itself block
//     the child.

// IsBlocked reports whether the element has any unsatisfied blocking edge,
// consulting the memoized cache first.
func (s *Store) IsBlocked(ctx context.Context, id string) (bool, error) {
	now := s.now()
	if blocked, _, _, ok := s.cache.get(id, now); ok {
		return blocked, nil
	}
	version := s.cache.begin(id)
	var (
		blocked    bool
		blockerID  string
		reason     string
		validUntil time.Time
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getElementTx(tx, id); err != nil {
			return err
		}
		blocked, blockerID, reason, validUntil = s.blockedStateTx(tx, id, now, make(map[string]bool))
		return nil
	})
	if err != nil {
		return false, err
	}
	s.cache.commit(id, version, blocked, blockerID, reason, validUntil)
	return blocked, nil
}

// blockedStateTx computes the element's blocked state inside a read
// transaction, returning the first unsatisfied blocker, a reason, and the
// timer boundary after which the answer lapses (zero when time cannot change
// it). The visiting set guards the parent-child recursion; blocking edges
// are acyclic by construction so it only trips on corrupted data.
func (s *Store) blockedStateTx(tx *bolt.Tx, id string, now time.Time, visiting map[string]bool) (bool, string, string, time.Time) {
	if visiting[id] {
		return false, "", "", time.Time{}
	}
	visiting[id] = true
	defer delete(visiting, id)

	for _, dep := range outgoingTx(tx, id) {
		switch dep.Type {
		case types.DepAwaits:
			if dep.Gate != nil && dep.Gate.Open(now) {
				var until time.Time
				if dep.Gate.Type == types.GateTimer && dep.Gate.WaitUntil != nil {
					until = *dep.Gate.WaitUntil
				}
				return true, dep.BlockerID, gateReason(dep.Gate), until
			}
		case types.DepBlocks:
			blocker, err := getElementTx(tx, dep.BlockerID)
			if err != nil || blocker.IsTombstone() {
				continue
			}
			if open, why := blockerOpen(blocker); open {
				return true, dep.BlockerID, why, time.Time{}
			}
		case types.DepParentChild:
			parent, err := getElementTx(tx, dep.BlockerID)
			if err != nil || parent.IsTombstone() {
				continue
			}
			if blocked, _, _, until := s.blockedStateTx(tx, parent.ID, now, visiting); blocked {
				return true, dep.BlockerID, fmt.Sprintf("parent %s is blocked", dep.BlockerID), until
			}
		}
	}
	return false, "", "", time.Time{}
}

// blockerOpen reports whether a blocks-edge target still holds up its
// dependents, with a reason.
func blockerOpen(el *types.Element) (bool, string) {
	switch {
	case el.Task != nil:
		if el.Task.Status != types.StatusClosed {
			return true, fmt.Sprintf("blocked by %s task %s", el.Task.Status, el.ID)
		}
	case el.Workflow != nil:
		if !el.Workflow.Status.IsTerminal() {
			return true, fmt.Sprintf("blocked by %s workflow %s", el.Workflow.Status, el.ID)
		}
	case el.Document != nil:
		if el.Document.Status != types.DocArchived {
			return true, fmt.Sprintf("blocked by active document %s", el.ID)
		}
	case el.Plan != nil:
		if el.Plan.Status != types.PlanComplete {
			return true, fmt.Sprintf("blocked by %s plan %s", el.Plan.Status, el.ID)
		}
	}
	return false, ""
}

// gateReason describes why an unsatisfied gate blocks.
func gateReason(g *types.Gate) string {
	switch g.Type {
	case types.GateTimer:
		return fmt.Sprintf("waiting until %s", g.WaitUntil.Format(time.RFC3339))
	case types.GateApproval:
		return fmt.Sprintf("awaiting approval (%d of %d)", len(g.Approvals), g.ApprovalCount)
	case types.GateExternal:
		return fmt.Sprintf("awaiting external system %s", g.ExternalSystem)
	case types.GateWebhook:
		return fmt.Sprintf("awaiting webhook %s", g.WebhookID)
	}
	return "awaiting gate"
}

// ReadyElements returns unblocked open or in_progress tasks, excluding tasks
// scheduled for the future, tasks grouped under a draft plan, and tasks owned
// by an ephemeral workflow that has reached a terminal state. Results are
// ordered by priority, then age, then id.
func (s *Store) ReadyElements(ctx context.Context, filter types.WorkFilter) ([]*types.Element, error) {
	now := filter.Now
	if now.IsZero() {
		now = s.now()
	}

	var ready []*types.Element
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketElements).ForEach(func(_, v []byte) error {
			var el types.Element
			if err := json.Unmarshal(v, &el); err != nil {
				return err
			}
			if el.IsTombstone() || el.Task == nil {
				return nil
			}
			if el.Task.Status != types.StatusOpen && el.Task.Status != types.StatusInProgress {
				return nil
			}
			if !filter.Matches(&el) {
				return nil
			}
			if el.Task.ScheduledInFuture(now) {
				return nil
			}
			if s.excludedByGroupTx(tx, el.ID) {
				return nil
			}
			if blocked, _, _, _ := s.blockedStateTx(tx, el.ID, now, make(map[string]bool)); blocked {
				return nil
			}
			ready = append(ready, &el)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	types.SortReady(ready)
	if filter.Limit > 0 && len(ready) > filter.Limit {
		ready = ready[:filter.Limit]
	}
	return ready, nil
}

// excludedByGroupTx checks the task's parent-child parents: membership in a
// draft plan or a finished ephemeral workflow keeps a task out of ready work
// even when nothing blocks it.
func (s *Store) excludedByGroupTx(tx *bolt.Tx, id string) bool {
	for _, dep := range outgoingTx(tx, id) {
		if dep.Type != types.DepParentChild {
			continue
		}
		parent, err := getElementTx(tx, dep.BlockerID)
		if err != nil || parent.IsTombstone() {
			continue
		}
		if parent.Plan != nil && parent.Plan.Status == types.PlanDraft {
			return true
		}
		if parent.Workflow != nil && parent.Workflow.Ephemeral && parent.Workflow.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// BlockedElements returns blocked open or in_progress tasks, each annotated
// with its first unsatisfied blocker and a reason string.
func (s *Store) BlockedElements(ctx context.Context, filter types.WorkFilter) ([]*types.BlockedElement, error) {
	now := filter.Now
	if now.IsZero() {
		now = s.now()
	}

	var blocked []*types.BlockedElement
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketElements).ForEach(func(_, v []byte) error {
			var el types.Element
			if err := json.Unmarshal(v, &el); err != nil {
				return err
			}
			if el.IsTombstone() || el.Task == nil {
				return nil
			}
			if el.Task.Status != types.StatusOpen && el.Task.Status != types.StatusInProgress {
				return nil
			}
			if !filter.Matches(&el) {
				return nil
			}
			isBlocked, blockerID, reason, _ := s.blockedStateTx(tx, el.ID, now, make(map[string]bool))
			if !isBlocked {
				return nil
			}
			blocked = append(blocked, &types.BlockedElement{
				Element:   &el,
				BlockerID: blockerID,
				Reason:    reason,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	types.SortBlocked(blocked)
	if filter.Limit > 0 && len(blocked) > filter.Limit {
		blocked = blocked[:filter.Limit]
	}
	return blocked, nil
}

// BacklogElements returns backlog tasks in readiness order.
func (s *Store) BacklogElements(ctx context.Context) ([]*types.Element, error) {
	out, err := s.ListElements(ctx, types.ElementFilter{
		Type:       types.ElementTask,
		TaskStatus: types.StatusBacklog,
	})
	if err != nil {
		return nil, err
	}
	types.SortReady(out)
	return out, nil
}
