// Package router implements the subscription fan-out: mapping a
// (channel, anchor, user) triple to the group keys a connected client
// belongs to, and broadcasting one canonically-encoded frame to every
// subscriber of a group without letting one subscriber's failure stop
// delivery to the rest.
package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/docstore"
)

// SystemGroup is the administrative, system-wide group; the connection
// handler subscribes every authenticated connection to it, regardless
// of anchor.
const SystemGroup = "__system__"

// AnchorGroup is the group every client observing an anchor belongs
// to, regardless of user.
func AnchorGroup(channel, anchor string) string {
	return channel + "_" + anchor
}

// UserGroup is the narrower group for deltas scoped to one user's view
// of an anchor (the `_user_key`-filtered documents).
func UserGroup(channel, anchor, user string) string {
	return channel + "_" + anchor + "_" + user
}

// Subscriber is anything that can receive an already-encoded frame.
// The connection handler (internal/wsserver) implements this; router
// never depends on wsserver to avoid an import cycle.
type Subscriber interface {
	SubscriberID() string
	Send(frame []byte) error
}

// Router maintains a reverse index from group key to subscribed
// clients. Each group's subscriber list is an immutable snapshot
// swapped atomically on every Add/Remove; a read holds the map's read
// lock only to look the group up, then iterates the snapshot with no
// lock held (generalized from
// the connection-handling teacher's channel-keyed SubscriptionIndex to
// this engine's three-part anchor/user group keys).
type Router struct {
	mu     sync.RWMutex
	groups map[string]*atomic.Value // group -> []Subscriber snapshot
	logger zerolog.Logger
}

// New builds an empty Router.
func New(logger zerolog.Logger) *Router {
	return &Router{
		groups: make(map[string]*atomic.Value),
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Subscribe registers sub under group.
func (r *Router) Subscribe(group string, sub Subscriber) {
	r.SubscribeMultiple([]string{group}, sub)
}

// SubscribeMultiple registers sub under every group in one locked pass.
func (r *Router) SubscribeMultiple(groups []string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, group := range groups {
		val := r.groups[group]
		if val == nil {
			val = &atomic.Value{}
			r.groups[group] = val
		}
		var current []Subscriber
		if v := val.Load(); v != nil {
			current = v.([]Subscriber)
		}
		if containsSubscriber(current, sub) {
			continue
		}
		next := make([]Subscriber, len(current)+1)
		copy(next, current)
		next[len(current)] = sub
		val.Store(next)
	}
}

func containsSubscriber(subs []Subscriber, sub Subscriber) bool {
	for _, existing := range subs {
		if existing == sub {
			return true
		}
	}
	return false
}

// Unsubscribe removes sub from group.
func (r *Router) Unsubscribe(group string, sub Subscriber) {
	r.UnsubscribeMultiple([]string{group}, sub)
}

// UnsubscribeMultiple removes sub from every group in one locked pass.
func (r *Router) UnsubscribeMultiple(groups []string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, group := range groups {
		r.removeLocked(group, sub)
	}
}

// UnsubscribeAll removes sub from every group it belongs to, called
// once on disconnect.
func (r *Router) UnsubscribeAll(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for group := range r.groups {
		r.removeLocked(group, sub)
	}
}

func (r *Router) removeLocked(group string, sub Subscriber) {
	val, exists := r.groups[group]
	if !exists {
		return
	}
	v := val.Load()
	if v == nil {
		return
	}
	current := v.([]Subscriber)
	for i, existing := range current {
		if existing == sub {
			next := make([]Subscriber, len(current)-1)
			copy(next, current[:i])
			copy(next[i:], current[i+1:])
			if len(next) == 0 {
				delete(r.groups, group)
			} else {
				val.Store(next)
			}
			return
		}
	}
}

// Get returns the immutable snapshot of group's current subscribers.
// Callers must not modify the returned slice.
func (r *Router) Get(group string) []Subscriber {
	r.mu.RLock()
	val, exists := r.groups[group]
	r.mu.RUnlock()
	if !exists {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]Subscriber)
}

// Count returns the number of subscribers currently in group.
func (r *Router) Count(group string) int {
	return len(r.Get(group))
}

// Broadcast canonically re-encodes doc as a single-element batch frame
// — the same framing every initial-state and live-delta batch uses on
// the wire — and delivers it to every subscriber of group. A failing
// subscriber's Send error is logged and skipped rather than aborting
// delivery to the rest of the group.
func (r *Router) Broadcast(group string, doc docstore.Document) error {
	frame, err := json.Marshal([]docstore.Document{doc})
	if err != nil {
		return fmt.Errorf("router.Broadcast: encode: %w", err)
	}
	for _, sub := range r.Get(group) {
		if err := sub.Send(frame); err != nil {
			r.logger.Warn().Err(err).
				Str("group", group).
				Str("subscriber", sub.SubscriberID()).
				Msg("broadcast send failed, skipping subscriber")
		}
	}
	return nil
}

// SendSystem broadcasts doc to every subscriber of SystemGroup,
// regardless of anchor.
func (r *Router) SendSystem(doc docstore.Document) error {
	return r.Broadcast(SystemGroup, doc)
}

// BroadcastRaw delivers an already-encoded frame to every subscriber of
// group as-is, without Broadcast's single-element document-batch
// envelope — for wire frames that aren't docstore.Documents, like
// wsserver's prependAnchorFrame push.
func (r *Router) BroadcastRaw(group string, frame []byte) error {
	for _, sub := range r.Get(group) {
		if err := sub.Send(frame); err != nil {
			r.logger.Warn().Err(err).
				Str("group", group).
				Str("subscriber", sub.SubscriberID()).
				Msg("broadcast send failed, skipping subscriber")
		}
	}
	return nil
}
