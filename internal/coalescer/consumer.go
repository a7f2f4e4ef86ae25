package coalescer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/authoritative"
	"github.com/riverfork/syncd/internal/docstore"
)

// UserKeyLookup returns the declared UserKey field name for a given
// instance type (graph.Graph.UserKeyFor), or "" if the type carries no
// per-user restriction.
type UserKeyLookup func(instanceType string) string

// ConsumeMutations drains store's mutation stream and flushes one Scope
// per event. The authoritative store commits a write before publishing
// its MutationEvent, so this engine has no enclosing application
// transaction to hook a Scope's lifetime to the way the reference
// implementation hooks it to a Django request/response cycle — each
// event is instead staged and flushed as its own one-entry scope,
// stamped with this process's time.Now() at flush (not a reading of
// the coordination store's clock).
func ConsumeMutations(ctx context.Context, store authoritative.Store, channel string, resolveAnchors AnchorResolver, userKeyFor UserKeyLookup, apply Apply, logger zerolog.Logger) {
	log := logger.With().Str("component", "coalescer.consumer").Logger()
	events := store.Mutations()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			consumeOne(ctx, channel, store, ev, resolveAnchors, userKeyFor, apply, log)
		}
	}
}

func consumeOne(ctx context.Context, channel string, store authoritative.Store, ev authoritative.MutationEvent, resolveAnchors AnchorResolver, userKeyFor UserKeyLookup, apply Apply, log zerolog.Logger) {
	pending, err := pendingFromEvent(channel, store, ev, resolveAnchors, userKeyFor)
	if err != nil {
		log.Error().Err(err).
			Str("instance_type", ev.InstanceType).Str("instance_id", ev.ID).
			Msg("failed to stage mutation for broadcast")
		return
	}

	scope := NewScope(log)
	if err := scope.Add(pending); err != nil {
		log.Error().Err(err).Msg("failed to add pending broadcast entry")
		return
	}
	if _, err := scope.Flush(ctx, time.Now(), resolveAnchors, apply); err != nil {
		log.Error().Err(err).Msg("flush failed")
	}
}

// stamp tags a raw authoritative row with the fields the rest of the
// pipeline expects every document to already carry, since
// authoritative.Store.Get/Traverse return bare row bodies and leave
// tagging to whichever caller knows the schema (ordinarily
// internal/graph's Source, here the mutation consumer itself). Like
// graph.mark, it resolves the declared user-key field to its value
// rather than stamping the field name, so live deltas get the same
// `_user_key` every other consumer expects.
func stamp(doc docstore.Document, instanceType string, userKeyFor UserKeyLookup) docstore.Document {
	d := doc.Clone()
	d["_instance_type"] = instanceType
	if userKeyFor != nil {
		if field := userKeyFor(instanceType); field != "" {
			if v, ok := doc[field]; ok {
				if user, ok := v.(string); ok {
					d["_user_key"] = user
				}
			}
		}
	}
	return d
}

func pendingFromEvent(channel string, store authoritative.Store, ev authoritative.MutationEvent, resolveAnchors AnchorResolver, userKeyFor UserKeyLookup) (*Pending, error) {
	if ev.After == nil {
		before := stamp(ev.Before, ev.InstanceType, userKeyFor)
		anchors, err := resolveAnchors(before)
		if err != nil {
			return nil, err
		}
		return &Pending{
			Channel:          channel,
			InstanceType:     ev.InstanceType,
			InstanceID:       ev.ID,
			Operation:        OperationDelete,
			Anchors:          anchors,
			DeleteSerialized: before,
		}, nil
	}

	op := OperationUpdate
	if ev.Created {
		op = OperationCreate
	}
	instanceType, id := ev.InstanceType, ev.ID
	return &Pending{
		Channel:      channel,
		InstanceType: instanceType,
		InstanceID:   id,
		Operation:    op,
		Fetch: func(ctx context.Context) (docstore.Document, bool, error) {
			doc, found, err := store.Get(ctx, instanceType, id)
			if err != nil || !found {
				return nil, found, err
			}
			return stamp(doc, instanceType, userKeyFor), true, nil
		},
	}, nil
}
