package types

import "sort"

// SortReady orders elements deterministically for readiness listings:
// priority ascending, then created_at ascending, then id ascending.
// Non-task elements sort after tasks.
func SortReady(elements []*Element) {
	sort.SliceStable(elements, func(i, j int) bool {
		a, b := elements[i], elements[j]
		pa, pb := sortPriority(a), sortPriority(b)
		if pa != pb {
			return pa < pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SortBlocked orders blocked listings by priority ascending with updated_at
// ascending as the tiebreaker.
func SortBlocked(elements []*BlockedElement) {
	sort.SliceStable(elements, func(i, j int) bool {
		a, b := elements[i], elements[j]
		pa, pb := sortPriority(a.Element), sortPriority(b.Element)
		if pa != pb {
			return pa < pb
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

func sortPriority(e *Element) int {
	if e.Task != nil {
		return e.Task.Priority
	}
	return 6 // after the lowest task priority
}
