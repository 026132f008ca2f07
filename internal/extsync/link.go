package extsync

import (
	"context"
	"fmt"
	"time"

	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

// Link binds an element to an external resource. With an externalRef it
// attaches to the existing remote (fetch and hash); without one it creates a
// fresh remote via the push path. Linking an element already bound to the
// same provider is a no-op unless the ref differs.
func (e *Engine) Link(ctx context.Context, elementID, providerName, externalRef string) error {
	p, err := e.providers.Provider(providerName)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(elementID)
	defer unlock()

	el, err := e.store.GetElement(ctx, elementID)
	if err != nil {
		return err
	}
	if el.IsTombstone() {
		return types.E(types.KindNotFound, "element %s is deleted", elementID)
	}
	if st, linked := el.SyncState(); linked {
		if st.Provider == providerName && (externalRef == "" || st.ExternalID == externalRef) {
			return nil
		}
		return types.E(types.KindConflict, "element %s is already linked to %s/%s",
			elementID, st.Provider, st.ExternalID)
	}

	if externalRef == "" {
		t := &tally{}
		switch {
		case el.Task != nil:
			return e.pushOneTask(ctx, p, Options{}, el, t)
		case el.Document != nil:
			return e.pushOneDocument(ctx, p, Options{}, el, t)
		default:
			return types.E(types.KindInvalidInput, "element %s is not linkable", elementID)
		}
	}

	switch {
	case el.Task != nil:
		return e.attachTask(ctx, p, el, externalRef)
	case el.Document != nil:
		return e.attachDocument(ctx, p, el, externalRef)
	}
	return types.E(types.KindInvalidInput, "element %s is not linkable", elementID)
}

func (e *Engine) attachTask(ctx context.Context, p provider.Provider, el *types.Element, externalID string) error {
	project := e.project(p)
	var ext *provider.ExternalTask
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ext, err = p.Tasks().GetIssue(ctx, project, externalID)
		return err
	})
	if err != nil {
		return err
	}
	if ext == nil {
		return types.E(types.KindNotFound, "%s has no issue %s in %s", p.Name(), externalID, project)
	}
	proj, err := e.localTaskProjection(ctx, el)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	st := &types.ExternalSyncState{
		Provider:       p.Name(),
		Project:        project,
		ExternalID:     ext.ExternalID,
		URL:            ext.URL,
		LastPulledAt:   &now,
		LastPulledHash: ext.Hash(),
		LastPushedHash: proj.Hash(),
		Direction:      types.DirectionBidirectional,
		AdapterType:    types.AdapterTask,
	}
	if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
		return err
	}
	return e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPulled, e.cfg.Actor,
		fmt.Sprintf("linked to %s %s", p.Name(), ext.ExternalID))
}

func (e *Engine) attachDocument(ctx context.Context, p provider.Provider, el *types.Element, externalID string) error {
	project := e.project(p)
	var ext *provider.ExternalDocument
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ext, err = p.Documents().GetDocument(ctx, project, externalID)
		return err
	})
	if err != nil {
		return err
	}
	if ext == nil {
		return types.E(types.KindNotFound, "%s has no document %s in %s", p.Name(), externalID, project)
	}
	now := time.Now().UTC()
	st := &types.ExternalSyncState{
		Provider:       p.Name(),
		Project:        project,
		ExternalID:     ext.ExternalID,
		URL:            ext.URL,
		LastPulledAt:   &now,
		LastPulledHash: ext.Hash(),
		LastPushedHash: localDocumentHash(el),
		Direction:      types.DirectionBidirectional,
		AdapterType:    types.AdapterDocument,
	}
	if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
		return err
	}
	return e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPulled, e.cfg.Actor,
		fmt.Sprintf("linked to %s %s", p.Name(), ext.ExternalID))
}

// Unlink removes the element's sync state and conflict tag. No-op for
// unlinked elements.
func (e *Engine) Unlink(ctx context.Context, elementID string) error {
	unlock := e.locks.lock(elementID)
	defer unlock()

	el, err := e.store.GetElement(ctx, elementID)
	if err != nil {
		return err
	}
	if el.HasTag(types.ConflictTag) {
		tags := append([]string(nil), el.Tags...)
		for i, tag := range tags {
			if tag == types.ConflictTag {
				tags = append(tags[:i], tags[i+1:]...)
				break
			}
		}
		if _, err := e.store.UpdateElement(ctx, elementID, map[string]any{"tags": tags},
			storage.UpdateOptions{Actor: e.cfg.Actor}); err != nil {
			return err
		}
	}
	return e.store.ClearSyncState(ctx, elementID, e.cfg.Actor)
}

// LinkAll links every candidate element of the adapter kind to the provider,
// creating remotes for the unlinked. With Force, elements already bound to
// this provider are re-linked against a fresh remote. Returns the number
// linked and skipped.
func (e *Engine) LinkAll(ctx context.Context, providerName string, opts Options) (linked, skipped int, err error) {
	if _, err := e.providers.Provider(providerName); err != nil {
		return 0, 0, err
	}
	kind := opts.AdapterType
	if kind == "" {
		kind = types.AdapterTask
	}
	elementType := types.ElementTask
	if kind == types.AdapterDocument {
		elementType = types.ElementDocument
	}
	candidates, err := e.store.ListElements(ctx, types.ElementFilter{Type: elementType})
	if err != nil {
		return 0, 0, err
	}

	for _, el := range candidates {
		if ctx.Err() != nil {
			return linked, skipped, ctx.Err()
		}
		if st, bound := el.SyncState(); bound {
			if st.Provider != providerName || !opts.Force {
				skipped++
				continue
			}
			// Re-link: drop the stale binding, then create a fresh remote.
			if err := e.Unlink(ctx, el.ID); err != nil {
				return linked, skipped, err
			}
		}
		if opts.DryRun {
			linked++
			continue
		}
		if err := e.Link(ctx, el.ID, providerName, ""); err != nil {
			e.warn("link %s: %v", el.ID, err)
			skipped++
			continue
		}
		linked++
	}
	return linked, skipped, nil
}

// UnlinkAll removes sync state from exactly the elements linked to the
// provider, leaving elements linked elsewhere untouched. Returns the number
// unlinked.
func (e *Engine) UnlinkAll(ctx context.Context, providerName string, opts Options) (int, error) {
	filter := types.ElementFilter{Provider: providerName}
	if opts.AdapterType == types.AdapterDocument {
		filter.Type = types.ElementDocument
	} else if opts.AdapterType == types.AdapterTask {
		filter.Type = types.ElementTask
	}
	linked, err := e.store.ListElements(ctx, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, el := range linked {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if opts.DryRun {
			n++
			continue
		}
		if err := e.Unlink(ctx, el.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
