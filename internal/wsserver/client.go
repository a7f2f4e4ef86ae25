package wsserver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/riverfork/syncd/internal/metrics"
)

// maxSlowSendAttempts is the number of consecutive full-buffer sends
// tolerated before a client is treated as too slow to keep up and
// disconnected, matching the teacher's three-strike policy.
const maxSlowSendAttempts = 3

// Client represents one WebSocket connection: a duplex byte stream plus
// the anchor/group subscriptions it currently follows. It implements
// router.Subscriber so the subscription router can address it directly
// without importing this package.
type Client struct {
	id   string
	conn net.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}

	connectedAt       time.Time
	lastMessageSentAt time.Time
	sendAttempts      int32

	user string

	mu      sync.Mutex
	groups  map[string]struct{} // router group keys this client is subscribed to
	anchors map[string]struct{} // anchors this client has hydrated
}

// NewClient wraps conn as a tracked client with a buffered outbound
// queue. Buffer sized to absorb bursts of fan-out delivery without
// blocking the broadcaster on one slow reader. The client's context is
// derived from parent and cancelled when the connection closes, so any
// in-flight hydration or RPC work tied to it unwinds promptly.
func NewClient(parent context.Context, conn net.Conn) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, 256),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
		groups:      make(map[string]struct{}),
		anchors:     make(map[string]struct{}),
	}
}

// SubscriberID implements router.Subscriber.
func (c *Client) SubscriberID() string { return c.id }

// Send implements router.Subscriber: a non-blocking enqueue onto the
// client's write buffer. After maxSlowSendAttempts consecutive failures
// the client is disconnected, mirroring the teacher's slow-client
// detection in broadcast.go.
func (c *Client) Send(frame []byte) error {
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.sendAttempts, 0)
		c.lastMessageSentAt = time.Now()
		return nil
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		if attempts >= maxSlowSendAttempts {
			metrics.SlowClientsDisconnected.Inc()
			c.Close()
			return errSlowClient
		}
		return errBufferFull
	}
}

// trackGroup/untrackGroup record which router groups this client has
// joined, so disconnect can unsubscribe from all of them without the
// caller needing to remember the list itself.
func (c *Client) trackGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[group] = struct{}{}
}

func (c *Client) untrackGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, group)
}

func (c *Client) trackedGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

func (c *Client) trackAnchor(anchor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchors[anchor] = struct{}{}
}

func (c *Client) untrackAnchor(anchor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.anchors, anchor)
}

func (c *Client) hasAnchor(anchor string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.anchors[anchor]
	return ok
}

func (c *Client) trackedAnchors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.anchors))
	for a := range c.anchors {
		out = append(out, a)
	}
	return out
}

func (c *Client) setUser(user string) { c.user = user }

func (c *Client) userName() string { return c.user }

// Close shuts down the connection exactly once, unblocking both pumps.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.conn.Close()
	})
}
