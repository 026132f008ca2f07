package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

// AddDependency inserts a directed edge after validating it against the live
// graph. Blocking edges run cycle detection inside the same write transaction
// that inserts them, so a rejected edge leaves the graph untouched.
// Re-adding an existing edge is a no-op.
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency, actor string) error {
	dep.Canonicalize()
	if err := dep.Validate(); err != nil {
		return err
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = s.now()
	}
	if dep.CreatedBy == "" {
		dep.CreatedBy = actor
	}

	var inserted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getElementTx(tx, dep.BlockedID); err != nil {
			return err
		}
		if _, err := getElementTx(tx, dep.BlockerID); err != nil {
			return err
		}

		db := tx.Bucket(bucketDeps)
		key := depKey(dep.BlockedID, dep.BlockerID, dep.Type)
		if db.Get(key) != nil {
			return nil
		}

		if dep.Type.AffectsReadiness() {
			if reachesTx(tx, dep.BlockerID, dep.BlockedID) {
				return types.E(types.KindCycleDetected,
					"adding %s -> %s (%s) would create a cycle", dep.BlockedID, dep.BlockerID, dep.Type)
			}
		}

		data, err := json.Marshal(dep)
		if err != nil {
			return err
		}
		if err := db.Put(key, data); err != nil {
			return err
		}
		inserted = true
		if err := s.appendEventTx(tx, &types.Event{
			ElementID: dep.BlockedID,
			Kind:      types.EventUpdate,
			Actor:     actor,
			Note:      fmt.Sprintf("dependency added: %s %s", dep.Type, dep.BlockerID),
		}); err != nil {
			return err
		}
		return s.markDirtyTx(tx, dep.BlockedID)
	})
	if err != nil {
		return err
	}
	if inserted && dep.Type.AffectsReadiness() {
		s.invalidateWithDependents(dep.BlockedID)
	}
	return nil
}

// reachesTx reports whether `to` is reachable from `from` by following
// blocking edges blocked -> blocker.
func reachesTx(tx *bolt.Tx, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range outgoingTx(tx, current) {
			if !dep.Type.AffectsReadiness() {
				continue
			}
			next := dep.BlockerID
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// outgoingTx returns the edges whose blocked side is id, via a prefix scan.
func outgoingTx(tx *bolt.Tx, id string) []*types.Dependency {
	var out []*types.Dependency
	prefix := []byte(id + depKeySep)
	c := tx.Bucket(bucketDeps).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var dep types.Dependency
		if err := json.Unmarshal(v, &dep); err != nil {
			continue
		}
		out = append(out, &dep)
	}
	return out
}

// incomingTx returns the edges whose blocker side is id. Keys are ordered by
// the blocked side, so this is a full scan.
func incomingTx(tx *bolt.Tx, id string) []*types.Dependency {
	var out []*types.Dependency
	_ = tx.Bucket(bucketDeps).ForEach(func(k, v []byte) error {
		_, blockerID, _, ok := splitDepKey(k)
		if !ok || blockerID != id {
			return nil
		}
		var dep types.Dependency
		if err := json.Unmarshal(v, &dep); err != nil {
			return nil
		}
		out = append(out, &dep)
		return nil
	})
	return out
}

// RemoveDependency deletes an edge. Symmetric types are canonicalized before
// lookup, so either argument order works. Removing a missing edge fails with
// NOT_FOUND.
func (s *Store) RemoveDependency(ctx context.Context, blockedID, blockerID string, depType types.DependencyType, actor string) error {
	probe := &types.Dependency{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
	probe.Canonicalize()

	err := s.db.Update(func(tx *bolt.Tx) error {
		db := tx.Bucket(bucketDeps)
		key := depKey(probe.BlockedID, probe.BlockerID, probe.Type)
		if db.Get(key) == nil {
			return types.E(types.KindNotFound, "dependency %s -> %s (%s) not found", blockedID, blockerID, depType)
		}
		if err := db.Delete(key); err != nil {
			return err
		}
		if err := s.appendEventTx(tx, &types.Event{
			ElementID: probe.BlockedID,
			Kind:      types.EventUpdate,
			Actor:     actor,
			Note:      fmt.Sprintf("dependency removed: %s %s", probe.Type, probe.BlockerID),
		}); err != nil {
			return err
		}
		return s.markDirtyTx(tx, probe.BlockedID)
	})
	if err != nil {
		return err
	}
	if depType.AffectsReadiness() {
		s.invalidateWithDependents(probe.BlockedID)
	}
	return nil
}

// Outgoing returns the edges where id is the blocked side (id waits on these).
func (s *Store) Outgoing(ctx context.Context, id string) ([]*types.Dependency, error) {
	var out []*types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getElementTx(tx, id); err != nil {
			return err
		}
		out = outgoingTx(tx, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Incoming returns the edges where id is the blocker side (these wait on id).
func (s *Store) Incoming(ctx context.Context, id string) ([]*types.Dependency, error) {
	var out []*types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getElementTx(tx, id); err != nil {
			return err
		}
		out = incomingTx(tx, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DependenciesByType returns every edge of one type.
func (s *Store) DependenciesByType(ctx context.Context, depType types.DependencyType) ([]*types.Dependency, error) {
	if !depType.IsValid() {
		return nil, types.E(types.KindInvalidInput, "invalid dependency type: %s", depType)
	}
	var out []*types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeps).ForEach(func(k, v []byte) error {
			_, _, t, ok := splitDepKey(k)
			if !ok || t != depType {
				return nil
			}
			var dep types.Dependency
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			out = append(out, &dep)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllDependencies returns every edge in the graph, in key order.
func (s *Store) AllDependencies(ctx context.Context) ([]*types.Dependency, error) {
	var out []*types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeps).ForEach(func(_, v []byte) error {
			var dep types.Dependency
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			out = append(out, &dep)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DependencyTree walks blocking edges from the root and returns the visited
// nodes in depth-first order. Each node appears once even when reachable along
// several paths; walks terminate at tombstones and at MaxDepth, marking the
// frontier rows truncated.
func (s *Store) DependencyTree(ctx context.Context, id string, opts storage.TreeOptions) ([]*types.TreeNode, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}
	if opts.Direction == "" {
		opts.Direction = storage.TreeDown
	}

	var nodes []*types.TreeNode
	err := s.db.View(func(tx *bolt.Tx) error {
		root, err := getElementTx(tx, id)
		if err != nil {
			return err
		}
		visited := make(map[string]bool)
		var walk func(el *types.Element, depth int, parentID string)
		walk = func(el *types.Element, depth int, parentID string) {
			if visited[el.ID] {
				return
			}
			visited[el.ID] = true
			node := treeNode(el, depth, parentID)
			nodes = append(nodes, node)
			if el.IsTombstone() {
				return
			}
			if depth >= opts.MaxDepth {
				node.Truncated = true
				return
			}
			var edges []*types.Dependency
			if opts.Direction == storage.TreeDown {
				edges = outgoingTx(tx, el.ID)
			} else {
				edges = incomingTx(tx, el.ID)
			}
			for _, dep := range edges {
				if !dep.Type.AffectsReadiness() {
					continue
				}
				nextID := dep.BlockerID
				if opts.Direction == storage.TreeUp {
					nextID = dep.BlockedID
				}
				next, err := getElementTx(tx, nextID)
				if err != nil {
					continue
				}
				walk(next, depth+1, el.ID)
			}
		}
		walk(root, 0, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func treeNode(el *types.Element, depth int, parentID string) *types.TreeNode {
	node := &types.TreeNode{
		ID:       el.ID,
		Type:     el.Type,
		Depth:    depth,
		ParentID: parentID,
		Status:   statusOf(el),
	}
	if el.Task != nil {
		node.Title = el.Task.Title
		node.Priority = el.Task.Priority
	} else if el.Plan != nil {
		node.Title = el.Plan.Title
	}
	return node
}

// AreRelated reports whether any edge of any type connects a and b, probing
// both orderings.
func (s *Store) AreRelated(ctx context.Context, a, b string) (bool, error) {
	var related bool
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, dep := range outgoingTx(tx, a) {
			if dep.BlockerID == b {
				related = true
				return nil
			}
		}
		for _, dep := range outgoingTx(tx, b) {
			if dep.BlockerID == a {
				related = true
				return nil
			}
		}
		return nil
	})
	return related, err
}

// RecordApproval appends an approver to the gate on the awaits edge between
// blocked and blocker. Approvals from entities outside required_approvers are
// recorded but never count toward satisfaction; duplicates count once.
func (s *Store) RecordApproval(ctx context.Context, blockedID, blockerID, approver string) error {
	return s.mutateGate(ctx, blockedID, blockerID, func(g *types.Gate) error {
		if g.Type != types.GateApproval {
			return types.E(types.KindConstraint, "gate is %s, not approval", g.Type)
		}
		g.Approvals = append(g.Approvals, approver)
		return nil
	})
}

// SatisfyGate marks an external or webhook gate satisfied. Source is recorded
// in the audit log.
func (s *Store) SatisfyGate(ctx context.Context, blockedID, blockerID, source string) error {
	return s.mutateGate(ctx, blockedID, blockerID, func(g *types.Gate) error {
		if g.Type != types.GateExternal && g.Type != types.GateWebhook {
			return types.E(types.KindConstraint, "gate is %s, not external or webhook", g.Type)
		}
		g.Satisfied = true
		return nil
	})
}

func (s *Store) mutateGate(ctx context.Context, blockedID, blockerID string, mutate func(*types.Gate) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		db := tx.Bucket(bucketDeps)
		key := depKey(blockedID, blockerID, types.DepAwaits)
		data := db.Get(key)
		if data == nil {
			return types.E(types.KindNotFound, "awaits edge %s -> %s not found", blockedID, blockerID)
		}
		var dep types.Dependency
		if err := json.Unmarshal(data, &dep); err != nil {
			return err
		}
		if dep.Gate == nil {
			return types.E(types.KindConstraint, "awaits edge %s -> %s has no gate", blockedID, blockerID)
		}
		if err := mutate(dep.Gate); err != nil {
			return err
		}
		updated, err := json.Marshal(&dep)
		if err != nil {
			return err
		}
		return db.Put(key, updated)
	})
	if err != nil {
		return err
	}
	s.invalidateWithDependents(blockedID)
	return nil
}

// invalidateWithDependents drops the cached blocked state of id and of every
// element whose blocked state can depend on it transitively.
func (s *Store) invalidateWithDependents(id string) {
	s.cache.invalidate(id)
	s.invalidateDependents(id)
}

// invalidateDependents walks dependents breadth-first and drops their cached
// blocked state. Called after an element's satisfaction may have changed.
func (s *Store) invalidateDependents(id string) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		visited := map[string]bool{id: true}
		queue := []string{id}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, dep := range incomingTx(tx, current) {
				if !dep.Type.AffectsReadiness() || visited[dep.BlockedID] {
					continue
				}
				visited[dep.BlockedID] = true
				s.cache.invalidate(dep.BlockedID)
				queue = append(queue, dep.BlockedID)
			}
		}
		return nil
	})
}
