package wsserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/coordination"
	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/metrics"
	"github.com/riverfork/syncd/internal/platform"
	"github.com/riverfork/syncd/internal/ratelimit"
	"github.com/riverfork/syncd/internal/router"
	"github.com/riverfork/syncd/internal/snapshot"
	"github.com/riverfork/syncd/internal/syncerr"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config configures a Server.
type Config struct {
	Addr           string
	Channel        string
	MaxConnections int
}

// Server owns one channel's set of connections: upgrade admission,
// the per-client handshake/hydrate/relay lifecycle, and RPC dispatch.
// Structurally this mirrors the teacher's Server (connection pool,
// semaphore-bounded admission, subscription index, rate limiters)
// adapted from hierarchical trading-channel subscriptions to this
// engine's anchor/user group keys and coalescer-sourced broadcasts.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	coord  *coordination.Store
	docs   *docstore.Store
	loader *snapshot.Loader
	router *router.Router

	auth    Authenticator
	actions map[string]ActionHandler

	msgLimiter  *ratelimit.MessageLimiter
	connLimiter *ratelimit.ConnectionLimiter
	guard       *platform.ResourceGuard

	connSem chan struct{}

	clients     sync.Map // id -> *Client
	clientCount int64

	listener   net.Listener
	httpServer *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// New builds a Server for one channel. actions may be nil or empty if
// the schema declares no client-invocable RPCs.
func New(
	cfg Config,
	coord *coordination.Store,
	docs *docstore.Store,
	loader *snapshot.Loader,
	rtr *router.Router,
	auth Authenticator,
	actions map[string]ActionHandler,
	msgLimiter *ratelimit.MessageLimiter,
	connLimiter *ratelimit.ConnectionLimiter,
	guard *platform.ResourceGuard,
	logger zerolog.Logger,
) *Server {
	if actions == nil {
		actions = make(map[string]ActionHandler)
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "wsserver").Str("channel", cfg.Channel).Logger(),
		coord:       coord,
		docs:        docs,
		loader:      loader,
		router:      rtr,
		auth:        auth,
		actions:     actions,
		msgLimiter:  msgLimiter,
		connLimiter: connLimiter,
		guard:       guard,
		connSem:     make(chan struct{}, maxConns),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Mux returns an http.ServeMux with /ws and /health registered, for
// the caller to mount alongside /metrics on its own listener.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on cfg.Addr and serves the handler returned by Mux.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Mux()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("accept loop exited")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("wsserver listening")
	return nil
}

// Shutdown stops accepting connections and drains existing ones up to
// gracePeriod before forcing them closed.
func (s *Server) Shutdown(gracePeriod time.Duration) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	deadline := time.NewTimer(gracePeriod)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer deadline.Stop()
	defer ticker.Stop()

drain:
	for {
		select {
		case <-deadline.C:
			break drain
		case <-ticker.C:
			if atomic.LoadInt64(&s.clientCount) == 0 {
				break drain
			}
		}
	}

	s.clients.Range(func(_, v any) bool {
		if c, ok := v.(*Client); ok {
			c.Close()
		}
		return true
	})

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		metrics.ConnectionsRejected.WithLabelValues("shutting_down").Inc()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.connLimiter != nil && !s.connLimiter.Allow(clientIP) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if s.guard != nil && !s.guard.AllowConnection() {
		metrics.ConnectionsRejected.WithLabelValues("overloaded").Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}
	select {
	case s.connSem <- struct{}{}:
	default:
		metrics.ConnectionsRejected.WithLabelValues("at_capacity").Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	c := NewClient(s.ctx, conn)
	s.clients.Store(c.id, c)
	atomic.AddInt64(&s.clientCount, 1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	go s.writePump(c)
	go s.readPump(c)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readPump owns the connection's inbound side: it blocks on the
// handshake frame, runs the session, then dispatches every subsequent
// text frame. Its defer is the sole place full disconnect bookkeeping
// happens; writePump only tears down the raw connection, relying on
// that closure to unblock this read loop, matching the teacher's
// single-point-of-disconnect convention.
func (s *Server) readPump(c *Client) {
	defer s.disconnectClient(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	first, _, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		return
	}
	if !s.runHandshake(c, first) {
		return
	}

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpText {
			continue
		}
		if s.msgLimiter != nil && !s.msgLimiter.Allow(c.id) {
			continue
		}
		s.handleClientMessage(c, msg)
	}
}

// writePump batches outbound frames the way the teacher's does: drain
// whatever has queued up since the last wakeup before flushing, so a
// burst of deltas costs one syscall instead of one per frame.
func (s *Server) writePump(c *Client) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (s *Server) writeStatus(c *Client, code int, errMsg string) {
	frame, err := json.Marshal(statusFrame{StatusCode: code, Error: errMsg})
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

// runHandshake implements the mandatory handshake: authenticate,
// answer status + initialAnchors, then hydrate each anchor in turn. A
// failure at any step aborts the whole connection, per snapshot.Load's
// own "the whole load failed, abort the session" contract.
func (s *Server) runHandshake(c *Client, raw []byte) bool {
	var req handshakeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeStatus(c, 401, "malformed handshake")
		return false
	}

	user, anchors, err := s.auth.Authenticate(c.ctx, req.Token)
	if err != nil {
		code := syncerr.KindOf(err).StatusCode()
		if code == 0 {
			code = 401
		}
		s.writeStatus(c, code, err.Error())
		return false
	}
	c.setUser(user)
	s.router.Subscribe(router.SystemGroup, c)

	s.writeStatus(c, 200, "")
	frame, err := json.Marshal(initialAnchorsFrame{InitialAnchors: anchors})
	if err != nil {
		return false
	}
	_ = c.Send(frame)

	for _, anchor := range anchors {
		if err := s.hydrateAnchor(c, anchor); err != nil {
			s.logger.Warn().Err(err).Str("anchor", anchor).Str("user", user).Msg("handshake aborted")
			return false
		}
	}
	return true
}

// hydrateAnchor runs one anchor through start_session, subscribes the
// client to its delivery groups (only once start_session has
// returned, so no live delta in the window between the two is missed),
// streams the loader's batches, and finally emits the end_initial_state
// sentinel. Used both for the handshake's initial anchor list and for
// anchors a client subscribes to later in the session.
func (s *Server) hydrateAnchor(c *Client, anchor string) error {
	ctx := c.ctx
	now, err := s.coord.Now(ctx)
	if err != nil {
		return err
	}
	initial, err := s.coord.StartSession(ctx, s.cfg.Channel, anchor, now)
	if err != nil {
		return err
	}
	metrics.SessionStarts.WithLabelValues(initial.String()).Inc()

	group := router.AnchorGroup(s.cfg.Channel, anchor)
	userGroup := router.UserGroup(s.cfg.Channel, anchor, c.userName())
	s.router.SubscribeMultiple([]string{group, userGroup}, c)
	c.trackGroup(group)
	c.trackGroup(userGroup)
	c.trackAnchor(anchor)

	if err := s.coord.SessionConnect(ctx, s.cfg.Channel, anchor); err != nil {
		return err
	}

	batches, errc := s.loader.Load(ctx, anchor, c.userName(), initial, now)
	var sendFailed bool
	var loadErr error
	for batches != nil || errc != nil {
		select {
		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			frame, err := json.Marshal(batch.Documents)
			if err != nil {
				continue
			}
			if err := c.Send(frame); err != nil {
				sendFailed = true
			}
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				loadErr = err
				s.logger.Warn().Err(err).Str("anchor", anchor).Msg("initial state load failed")
			}
		}
	}

	success := loadErr == nil && !sendFailed
	if err := s.coord.EndSession(ctx, s.cfg.Channel, anchor, initial, success); err != nil {
		s.logger.Warn().Err(err).Str("anchor", anchor).Msg("end_session failed")
	}
	if !success {
		metrics.SessionEndFailures.WithLabelValues(initial.String()).Inc()
		if loadErr != nil {
			kind := syncerr.KindOf(loadErr)
			code := kind.StatusCode()
			if code == 0 {
				code = 500
			}
			s.writeStatus(c, code, loadErr.Error())
			return syncerr.New("wsserver.hydrateAnchor", kind, loadErr, "anchor", anchor)
		}
		return syncerr.New("wsserver.hydrateAnchor", syncerr.KindTransient, nil, "anchor", anchor)
	}

	tstamp := float64(now.UnixMicro()) / 1e6
	sentinel, err := json.Marshal(endInitialStateSentinel(tstamp))
	if err != nil {
		return nil
	}
	_ = c.Send(sentinel)
	return nil
}

// handleClientMessage dispatches on whether the frame is an RPC call
// ({callId, action, params}) or a control frame ({type, data}).
func (s *Server) handleClientMessage(c *Client, raw []byte) {
	var env struct {
		Type   string          `json:"type"`
		Data   json.RawMessage `json:"data"`
		CallID string          `json:"callId"`
		Action string          `json:"action"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug().Err(err).Str("client_id", c.id).Msg("malformed client frame")
		return
	}

	if env.CallID != "" {
		s.handleRPC(c, env.CallID, env.Action, env.Params)
		return
	}

	switch env.Type {
	case "subscribe":
		s.handleSubscribe(c, env.Data)
	case "unsubscribe":
		s.handleUnsubscribe(c, env.Data)
	case "heartbeat":
		s.handleHeartbeat(c)
	case "reconnect":
		s.handleReconnect(c, env.Data)
	default:
		s.logger.Debug().Str("client_id", c.id).Str("type", env.Type).Msg("unrecognized control frame")
	}
}

func (s *Server) handleRPC(c *Client, callID, action string, params json.RawMessage) {
	handler, ok := s.actions[action]
	if !ok {
		s.writeRPCError(c, callID, fmt.Sprintf("unknown action %q", action))
		return
	}
	result, err := handler(c.ctx, c.userName(), params)
	if err != nil {
		s.writeRPCError(c, callID, err.Error())
		return
	}
	frame, err := json.Marshal(rpcResponse{CallID: callID, Result: result})
	if err != nil {
		s.writeRPCError(c, callID, "failed to encode result")
		return
	}
	_ = c.Send(frame)
}

func (s *Server) writeRPCError(c *Client, callID, msg string) {
	frame, err := json.Marshal(rpcResponse{CallID: callID, Error: msg})
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

func (s *Server) handleSubscribe(c *Client, data json.RawMessage) {
	var req subscribeData
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	for _, anchor := range req.Anchors {
		if c.hasAnchor(anchor) {
			continue
		}
		anchor := anchor
		go func() {
			if err := s.hydrateAnchor(c, anchor); err != nil {
				s.logger.Warn().Err(err).Str("anchor", anchor).Str("client_id", c.id).Msg("subscribe failed")
			}
		}()
	}
}

func (s *Server) handleUnsubscribe(c *Client, data json.RawMessage) {
	var req unsubscribeData
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	for _, anchor := range req.Anchors {
		if !c.hasAnchor(anchor) {
			continue
		}
		group := router.AnchorGroup(s.cfg.Channel, anchor)
		userGroup := router.UserGroup(s.cfg.Channel, anchor, c.userName())
		s.router.UnsubscribeMultiple([]string{group, userGroup}, c)
		c.untrackGroup(group)
		c.untrackGroup(userGroup)
		c.untrackAnchor(anchor)
		if err := s.coord.SessionDisconnect(c.ctx, s.cfg.Channel, anchor, time.Now()); err != nil {
			s.logger.Warn().Err(err).Str("anchor", anchor).Msg("session_disconnect failed on unsubscribe")
		}
	}
}

func (s *Server) handleHeartbeat(c *Client) {
	frame, err := json.Marshal(map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

// handleReconnect answers a reconnecting client's catch-up request
// with every document committed to the anchor since LastUpdate,
// without re-running the full handshake/hydrate cycle (the client is
// assumed to already be subscribed to the anchor's groups).
func (s *Server) handleReconnect(c *Client, data json.RawMessage) {
	var req reconnectData
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	docs, err := s.docs.FindSince(c.ctx, s.cfg.Channel, req.Anchor, req.LastUpdate)
	if err != nil {
		s.logger.Warn().Err(err).Str("anchor", req.Anchor).Msg("reconnect catch-up failed")
		return
	}
	visible := make([]docstore.Document, 0, len(docs))
	for _, d := range docs {
		if !visibleToUser(d, c.userName()) {
			continue
		}
		visible = append(visible, d)
	}
	if len(visible) == 0 {
		return
	}
	frame, err := json.Marshal(visible)
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

// visibleToUser reports whether doc should be delivered to user. A
// `_user_key` holds the id of the one user allowed to see doc; absent
// or empty, every subscriber sees it, matching snapshot.filterByUser.
func visibleToUser(doc docstore.Document, user string) bool {
	addressed, ok := doc.UserKey()
	return !ok || addressed == "" || addressed == user
}

// disconnectClient is the single place connection teardown happens:
// unsubscribe from every router group, release every hydrated anchor's
// session slot, and free the admission semaphore.
func (s *Server) disconnectClient(c *Client) {
	c.Close()
	s.router.UnsubscribeAll(c)

	now := time.Now()
	for _, anchor := range c.trackedAnchors() {
		if err := s.coord.SessionDisconnect(context.Background(), s.cfg.Channel, anchor, now); err != nil {
			s.logger.Warn().Err(err).Str("anchor", anchor).Msg("session_disconnect failed on disconnect")
		}
	}

	if s.msgLimiter != nil {
		s.msgLimiter.Remove(c.id)
	}
	s.clients.Delete(c.id)
	atomic.AddInt64(&s.clientCount, -1)
	metrics.ConnectionsActive.Dec()
	metrics.Disconnects.WithLabelValues("connection_closed").Inc()
	<-s.connSem
}
