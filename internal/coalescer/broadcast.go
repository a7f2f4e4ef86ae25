package coalescer

import (
	"context"
	"encoding/json"

	"github.com/riverfork/syncd/internal/delta"
	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/router"
)

// Broadcaster wires a Scope's flushed entries to the delta writer and
// the subscription router: the last step of the pipeline, turning a
// resolved (channel, anchors, doc) triple into wire frames delivered to
// whichever subscribers should see them.
type Broadcaster struct {
	writer   *delta.Writer
	router   *router.Router
	channel  string
	rootType string
}

// NewBroadcaster builds a Broadcaster for one channel. rootType is the
// schema's root instance type (graph.Node.InstanceType of the root);
// a freshly created root instance gets an extra prependAnchor push to
// every system-group subscriber on top of its ordinary anchor delta,
// so a connected client's anchor list grows without waiting on its own
// next reconnect/list poll.
func NewBroadcaster(writer *delta.Writer, rtr *router.Router, channel, rootType string) *Broadcaster {
	return &Broadcaster{writer: writer, router: rtr, channel: channel, rootType: rootType}
}

// Apply satisfies the Apply type Scope.Flush expects.
func (b *Broadcaster) Apply(ctx context.Context, channel string, anchors []string, doc docstore.Document) error {
	results, err := b.writer.Apply(ctx, anchors, doc)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Delta == nil {
			continue
		}
		if group, ok := userGroup(channel, res.Anchor, res.Delta); ok {
			_ = b.router.Broadcast(group, res.Delta)
			continue
		}
		_ = b.router.Broadcast(router.AnchorGroup(channel, res.Anchor), res.Delta)
	}

	if b.rootType != "" && doc.InstanceType() == b.rootType && doc.Operation() == docstore.OperationCreate {
		b.sendPrependAnchor(doc.ID())
	}
	return nil
}

// sendPrependAnchor pushes a prependAnchor frame to every system-group
// subscriber announcing a newly created root instance. Defined inline
// rather than imported from wsserver to avoid a wsserver<->coalescer
// import cycle; the wire shape is the contract, not the type.
func (b *Broadcaster) sendPrependAnchor(anchor string) {
	frame, err := json.Marshal(struct {
		PrependAnchor string `json:"prependAnchor"`
	}{PrependAnchor: anchor})
	if err != nil {
		return
	}
	_ = b.router.BroadcastRaw(router.SystemGroup, frame)
}

// userGroup resolves the narrower per-user delivery group for a delta
// carrying a `_user_key`: its stored value is the id of the one user
// who should see the delta, matching snapshot.filterByUser and
// docstore's own user_key-scoped query.
func userGroup(channel, anchor string, doc docstore.Document) (string, bool) {
	user, ok := doc.UserKey()
	if !ok || user == "" {
		return "", false
	}
	return router.UserGroup(channel, anchor, user), true
}
