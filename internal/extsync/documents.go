package extsync

import (
	"context"
	"fmt"
	"time"

	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

// documentTargets mirrors taskTargets for document elements. Immutable
// documents still push (the remote copy mirrors them) but never pull.
func (e *Engine) documentTargets(ctx context.Context, opts Options, providerName string) ([]*types.Element, error) {
	if len(opts.ElementIDs) > 0 {
		out := make([]*types.Element, 0, len(opts.ElementIDs))
		for _, id := range opts.ElementIDs {
			el, err := e.store.GetElement(ctx, id)
			if err != nil {
				return nil, err
			}
			if el.Document == nil {
				return nil, types.E(types.KindInvalidInput, "element %s is not a document", id)
			}
			if el.IsTombstone() {
				return nil, types.E(types.KindNotFound, "element %s is deleted", id)
			}
			out = append(out, el)
		}
		return out, nil
	}
	filter := types.ElementFilter{Type: types.ElementDocument}
	if !opts.All {
		filter.Provider = providerName
	}
	return e.store.ListElements(ctx, filter)
}

func localDocumentHash(el *types.Element) string {
	var title string
	if el.Document.Category != "" {
		title = el.Document.Category
	}
	return types.Projection{Title: title, Body: el.Document.Content, State: provider.StateOpen}.Hash()
}

func (e *Engine) pushDocuments(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	targets, err := e.documentTargets(ctx, opts, p.Name())
	if err != nil {
		return err
	}
	res.Project = e.project(p)
	t := &tally{}
	defer t.apply(res)

	return e.forEachElement(ctx, res, targets, func(ctx context.Context, stale *types.Element) error {
		el, err := e.store.GetElement(ctx, stale.ID)
		if err != nil {
			return err
		}
		return e.pushOneDocument(ctx, p, opts, el, t)
	})
}

func (e *Engine) pushOneDocument(ctx context.Context, p provider.Provider, opts Options, el *types.Element, t *tally) error {
	if el.HasTag(types.ConflictTag) {
		t.addSkipped()
		return nil
	}
	st, linked := el.SyncState()
	if linked && st.Provider != p.Name() {
		t.addSkipped()
		return nil
	}
	hash := localDocumentHash(el)
	adapter := p.Documents()
	project := e.project(p)

	content := el.Document.Content
	contentType := string(el.Document.ContentType)
	title := el.Document.Category
	input := &provider.DocumentInput{Title: &title, Content: &content, ContentType: &contentType}

	if !linked {
		if opts.DryRun {
			t.addPushed()
			return nil
		}
		var ext *provider.ExternalDocument
		err := e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			ext, err = adapter.CreateDocument(ctx, project, input)
			return err
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		st := &types.ExternalSyncState{
			Provider:       p.Name(),
			Project:        project,
			ExternalID:     ext.ExternalID,
			URL:            ext.URL,
			LastPushedAt:   &now,
			LastPushedHash: hash,
			LastPulledAt:   &now,
			LastPulledHash: ext.Hash(),
			Direction:      types.DirectionBidirectional,
			AdapterType:    types.AdapterDocument,
		}
		if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
			return err
		}
		e.pushed.Add(ctx, 1)
		t.addPushed()
		return e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPushed, e.cfg.Actor,
			fmt.Sprintf("created %s in %s", ext.ExternalID, p.Name()))
	}

	if hash == st.LastPushedHash && !opts.Force {
		t.addSkipped()
		return nil
	}
	if opts.DryRun {
		t.addPushed()
		return nil
	}
	var ext *provider.ExternalDocument
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ext, err = adapter.UpdateDocument(ctx, st.Project, st.ExternalID, input)
		return err
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	st.LastPushedAt = &now
	st.LastPushedHash = hash
	st.LastPulledAt = &now
	st.LastPulledHash = ext.Hash()
	if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
		return err
	}
	e.pushed.Add(ctx, 1)
	t.addPushed()
	return e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPushed, e.cfg.Actor,
		fmt.Sprintf("updated %s in %s", st.ExternalID, p.Name()))
}

func (e *Engine) pullDocuments(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	adapter := p.Documents()
	project := e.project(p)
	res.Project = project
	t := &tally{}
	defer t.apply(res)

	linked, err := e.store.ListElements(ctx, types.ElementFilter{Type: types.ElementDocument, Provider: p.Name()})
	if err != nil {
		return err
	}
	since := pullWatermark(linked)

	var items []*provider.ExternalDocument
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		items, err = adapter.ListDocumentsSince(ctx, project, since)
		return err
	})
	if err != nil {
		return err
	}

	for _, ext := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		local, err := e.store.GetByExternalRef(ctx, p.Name(), ext.ExternalID)
		if types.IsNotFound(err) {
			if !opts.CreateMissing {
				t.addSkipped()
				continue
			}
			if opts.DryRun {
				t.addPulled()
				continue
			}
			if err := e.createLocalDocument(ctx, p, ext); err != nil {
				res.Errors = append(res.Errors, asSyncError(p.Name(), err))
				continue
			}
			t.addPulled()
			continue
		}
		if err != nil {
			return err
		}

		unlock := e.locks.lock(local.ID)
		err = e.pullOneDocument(ctx, p, opts, local.ID, ext, t)
		unlock()
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			res.Errors = append(res.Errors, asSyncErrorFor(p.Name(), local.ID, err))
		}
	}
	return nil
}

func (e *Engine) pullOneDocument(ctx context.Context, p provider.Provider, opts Options, id string, ext *provider.ExternalDocument, t *tally) error {
	el, err := e.store.GetElement(ctx, id)
	if err != nil {
		return err
	}
	if el.HasTag(types.ConflictTag) || el.Document.Immutable {
		t.addSkipped()
		return nil
	}
	st, ok := el.SyncState()
	if !ok {
		t.addSkipped()
		return nil
	}
	var lastPulled time.Time
	if st.LastPulledAt != nil {
		lastPulled = *st.LastPulledAt
	}
	if !ext.UpdatedAt.After(lastPulled) || ext.Hash() == st.LastPulledHash {
		t.addSkipped()
		return nil
	}
	if opts.DryRun {
		t.addPulled()
		return nil
	}
	if el.Document.Content != ext.Content {
		if _, err := e.store.UpdateElement(ctx, id, map[string]any{"content": ext.Content},
			storage.UpdateOptions{Actor: e.cfg.Actor}); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	st.LastPulledAt = &now
	st.LastPulledHash = ext.Hash()
	updated, err := e.store.GetElement(ctx, id)
	if err != nil {
		return err
	}
	st.LastPushedHash = localDocumentHash(updated)
	if err := e.store.SetSyncState(ctx, id, st, e.cfg.Actor); err != nil {
		return err
	}
	e.pulled.Add(ctx, 1)
	t.addPulled()
	return e.store.RecordSyncEvent(ctx, id, types.EventSyncPulled, e.cfg.Actor,
		fmt.Sprintf("pulled %s from %s", ext.ExternalID, st.Provider))
}

func (e *Engine) createLocalDocument(ctx context.Context, p provider.Provider, ext *provider.ExternalDocument) error {
	contentType := types.ContentMarkdown
	if ct := types.ContentType(ext.ContentType); ct.IsValid() {
		contentType = ct
	}
	el := &types.Element{
		Type: types.ElementDocument,
		Document: &types.Document{
			ContentType: contentType,
			Content:     ext.Content,
			Category:    ext.Title,
		},
	}
	if err := e.store.CreateElement(ctx, el, e.cfg.Actor); err != nil {
		return err
	}
	now := time.Now().UTC()
	st := &types.ExternalSyncState{
		Provider:       p.Name(),
		Project:        ext.Project,
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
		fmt.Sprintf("created from %s %s", p.Name(), ext.ExternalID))
}

func (e *Engine) syncDocuments(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	// Push clean local deltas first, then pull. A document that changed on
	// both sides keeps the local value for this pass; the remote edit lands
	// on the next pull once its updated_at advances past the new watermark.
	if err := e.pushDocuments(ctx, p, opts, res); err != nil {
		return err
	}
	return e.pullDocuments(ctx, p, opts, res)
}
