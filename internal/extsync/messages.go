package extsync

import (
	"context"
	"fmt"
	"time"

	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/types"
)

// Messages are immutable on both sides, so the message flows are create-only:
// push creates remote copies of unlinked local messages, pull materializes
// local messages for unmatched remote ones. There is no update or merge.

func (e *Engine) pushMessages(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	adapter := p.Messages()
	if adapter == nil {
		return types.E(types.KindInvalidInput, "provider %s has no message adapter", p.Name())
	}
	res.Project = e.project(p)
	t := &tally{}
	defer t.apply(res)

	filter := types.ElementFilter{Type: types.ElementMessage}
	if !opts.All && len(opts.ElementIDs) == 0 {
		filter.Provider = p.Name()
	}
	targets, err := e.store.ListElements(ctx, filter)
	if err != nil {
		return err
	}
	if len(opts.ElementIDs) > 0 {
		targets = targets[:0]
		for _, id := range opts.ElementIDs {
			el, err := e.store.GetElement(ctx, id)
			if err != nil {
				return err
			}
			if el.Message == nil {
				return types.E(types.KindInvalidInput, "element %s is not a message", id)
			}
			targets = append(targets, el)
		}
	}

	return e.forEachElement(ctx, res, targets, func(ctx context.Context, el *types.Element) error {
		if el.Linked("") {
			t.addSkipped()
			return nil
		}
		if opts.DryRun {
			t.addPushed()
			return nil
		}
		content, err := e.store.GetElement(ctx, el.Message.ContentRef)
		if err != nil {
			return err
		}
		body := ""
		if content.Document != nil {
			body = content.Document.Content
		}
		var ext *provider.ExternalMessage
		err = e.withRetry(ctx, func(ctx context.Context) error {
			var err error
			ext, err = adapter.CreateMessage(ctx, e.project(p), &provider.MessageInput{
				Body:   body,
				Author: el.CreatedBy,
			})
			return err
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		st := &types.ExternalSyncState{
			Provider:       p.Name(),
			Project:        e.project(p),
			ExternalID:     ext.ExternalID,
			URL:            ext.URL,
			LastPushedAt:   &now,
			LastPushedHash: ext.Hash(),
			Direction:      types.DirectionPush,
			AdapterType:    types.AdapterMessage,
		}
		if err := e.store.SetSyncState(ctx, el.ID, st, e.cfg.Actor); err != nil {
			return err
		}
		e.pushed.Add(ctx, 1)
		t.addPushed()
		return e.store.RecordSyncEvent(ctx, el.ID, types.EventSyncPushed, e.cfg.Actor,
			fmt.Sprintf("created %s in %s", ext.ExternalID, p.Name()))
	})
}

func (e *Engine) pullMessages(ctx context.Context, p provider.Provider, opts Options, res *Result) error {
	adapter := p.Messages()
	if adapter == nil {
		return types.E(types.KindInvalidInput, "provider %s has no message adapter", p.Name())
	}
	project := e.project(p)
	res.Project = project
	t := &tally{}
	defer t.apply(res)

	linked, err := e.store.ListElements(ctx, types.ElementFilter{Type: types.ElementMessage, Provider: p.Name()})
	if err != nil {
		return err
	}
	since := pullWatermark(linked)

	var items []*provider.ExternalMessage
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		items, err = adapter.ListMessagesSince(ctx, project, since)
		return err
	})
	if err != nil {
		return err
	}

	for _, ext := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.store.GetByExternalRef(ctx, p.Name(), ext.ExternalID); !types.IsNotFound(err) {
			t.addSkipped()
			continue
		}
		if !opts.CreateMissing {
			t.addSkipped()
			continue
		}
		if opts.DryRun {
			t.addPulled()
			continue
		}
		if err := e.createLocalMessage(ctx, p, ext); err != nil {
			res.Errors = append(res.Errors, asSyncError(p.Name(), err))
			continue
		}
		t.addPulled()
	}
	return nil
}

// createLocalMessage materializes a remote message locally: body document
// first, then the message in the provider's inbox channel.
func (e *Engine) createLocalMessage(ctx context.Context, p provider.Provider, ext *provider.ExternalMessage) error {
	channel, err := e.inboxChannel(ctx, p.Name())
	if err != nil {
		return err
	}
	doc := &types.Element{
		Type:     types.ElementDocument,
		Document: &types.Document{ContentType: types.ContentMarkdown, Content: ext.Body, Immutable: true},
	}
	if err := e.store.CreateElement(ctx, doc, e.cfg.Actor); err != nil {
		return err
	}
	msg := &types.Element{
		Type:      types.ElementMessage,
		CreatedBy: channel.CreatedBy,
		Message:   &types.Message{ChannelID: channel.ID, ContentRef: doc.ID},
	}
	if err := e.store.CreateElement(ctx, msg, e.cfg.Actor); err != nil {
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
		Direction:      types.DirectionPull,
		AdapterType:    types.AdapterMessage,
	}
	return e.store.SetSyncState(ctx, msg.ID, st, e.cfg.Actor)
}

// inboxChannel finds or creates the group channel holding messages pulled
// from a provider.
func (e *Engine) inboxChannel(ctx context.Context, providerName string) (*types.Element, error) {
	name := providerName + "-inbox"
	channels, err := e.store.ListElements(ctx, types.ElementFilter{Type: types.ElementChannel})
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.Channel.Name == name {
			return ch, nil
		}
	}
	// The engine actor anchors membership of provider inboxes.
	actor := e.cfg.Actor
	if !types.ValidID(actor) {
		actor = "el-sync"
	}
	ch := &types.Element{
		Type: types.ElementChannel,
		Channel: &types.Channel{
			ChannelType: types.ChannelGroup,
			Name:        name,
			Members:     []string{actor},
			Permissions: types.ChannelPermissions{
				Visibility: types.VisibilityPublic,
				JoinPolicy: types.JoinOpen,
			},
		},
	}
	if err := e.store.CreateElement(ctx, ch, e.cfg.Actor); err != nil {
		return nil, err
	}
	return ch, nil
}
