package jsonl

import (
	"sort"

	"github.com/stoneforge/stoneforge/internal/types"
)

// CleanResult reports what a cleaning pass removed.
type CleanResult struct {
	DuplicateIDs []string
	DroppedEdges []string
}

// Clean repairs an export pair before import: duplicate element ids collapse
// to the record with the newest updated_at, and edges referencing an id that
// appears in neither the file nor the keep set are dropped. Files written by
// Export never need this; it exists for hand-merged or conflicted files.
func Clean(elements []*types.Element, deps []*types.Dependency) ([]*types.Element, []*types.Dependency, *CleanResult) {
	res := &CleanResult{}

	newest := make(map[string]*types.Element, len(elements))
	for _, el := range elements {
		prev, ok := newest[el.ID]
		if !ok {
			newest[el.ID] = el
			continue
		}
		if el.UpdatedAt.After(prev.UpdatedAt) {
			newest[el.ID] = el
		}
		res.DuplicateIDs = append(res.DuplicateIDs, el.ID)
	}
	kept := make([]*types.Element, 0, len(newest))
	for _, el := range newest {
		kept = append(kept, el)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })

	var keptDeps []*types.Dependency
	for _, dep := range deps {
		if newest[dep.BlockedID] == nil || newest[dep.BlockerID] == nil {
			res.DroppedEdges = append(res.DroppedEdges,
				dep.BlockedID+"->"+dep.BlockerID+" ("+string(dep.Type)+")")
			continue
		}
		keptDeps = append(keptDeps, dep)
	}
	return kept, keptDeps, res
}
