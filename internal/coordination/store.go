// Package coordination implements the anchor cache state machine
// against a Redis-family coordination store: every transition is one
// atomic Lua script, matching the per-anchor key layout
// {channel}:{anchor}:{state|access_time|instances|readers|
// instances_trigger|sessions|last_disconnect}.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/syncerr"
)

// State is the anchor cache lifecycle state. The zero value, State(0),
// is COLD — the state an absent key is treated as.
type State int

const (
	StateCold State = iota
	StateHeating
	StateHot
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateHeating:
		return "heating"
	case StateHot:
		return "hot"
	case StateCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// Store is a Redis-backed coordination store client: one Store handles
// every channel and anchor, keyed per call.
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New wraps an existing *redis.Client.
func New(rdb *redis.Client, logger zerolog.Logger) *Store {
	return &Store{rdb: rdb, logger: logger.With().Str("component", "coordination").Logger()}
}

// Now reads the coordination store's own clock, so that timestamps taken
// from it stay monotonic regardless of local clock skew across
// processes. The connection handler reads it before start_session and
// the sweeper before start_cooling_if_stale; the coalescer's
// commit-time flush does not use it.
func (s *Store) Now(ctx context.Context) (time.Time, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, syncerr.New("coordination.Now", syncerr.KindTransient, err)
	}
	return t, nil
}

// SessionConnect increments the active-session counter for an anchor
// and clears last_disconnect.
func (s *Store) SessionConnect(ctx context.Context, channel, anchor string) error {
	_, err := scriptSessionConnect.Run(ctx, s.rdb, anchorKeys(channel, anchor)).Result()
	if err != nil && err != redis.Nil {
		return syncerr.New("coordination.SessionConnect", syncerr.KindTransient, err)
	}
	return nil
}

// SessionDisconnect decrements the active-session counter; when it
// drops to zero or below, it clamps to zero and stamps last_disconnect
// with now so the sweeper can measure the idle window.
func (s *Store) SessionDisconnect(ctx context.Context, channel, anchor string, now time.Time) error {
	keys := anchorKeys(channel, anchor)
	_, err := scriptSessionDisconnect.Run(ctx, s.rdb, keys, tstampArg(now)).Result()
	if err != nil && err != redis.Nil {
		return syncerr.New("coordination.SessionDisconnect", syncerr.KindTransient, err)
	}
	return nil
}

// StartSession is the entry point for every connecting reader. It
// returns the state the caller should treat as its load variant: COLD,
// HEATING, HOT, or HEATING (when the raw state was COOLING and this
// call fused it forward, making this caller the anchor's one reader).
func (s *Store) StartSession(ctx context.Context, channel, anchor string, now time.Time) (State, error) {
	keys := anchorKeys(channel, anchor)
	res, err := scriptStartSession.Run(ctx, s.rdb, keys, tstampArg(now)).Result()
	if err != nil {
		return 0, syncerr.New("coordination.StartSession", syncerr.KindTransient, err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, syncerr.New("coordination.StartSession", syncerr.KindInternalInvariant,
			fmt.Errorf("unexpected script return type %T", res))
	}
	state := State(n)
	if state < StateCold || state > StateCooling {
		return 0, syncerr.New("coordination.StartSession", syncerr.KindInternalInvariant,
			fmt.Errorf("impossible state %d", n))
	}
	return state, nil
}

// EndSession finalizes a session previously opened by StartSession,
// dispatching on the initial state it returned, mirroring the
// reference's four-entry end-session dispatch table (index 3, the
// COOLING-fused case, reuses the HEATING finalizer).
func (s *Store) EndSession(ctx context.Context, channel, anchor string, initial State, success bool) error {
	switch initial {
	case StateCold:
		if !success {
			return s.RollbackToCold(ctx, channel, anchor)
		}
		_, err := scriptEndColdSession.Run(ctx, s.rdb, anchorKeys(channel, anchor)).Result()
		if err != nil {
			return syncerr.New("coordination.EndSession", syncerr.KindTransient, err)
		}
		return nil
	case StateHeating, StateCooling:
		_, err := scriptEndHeatingSession.Run(ctx, s.rdb, anchorKeys(channel, anchor)).Result()
		if err != nil {
			return syncerr.New("coordination.EndSession", syncerr.KindTransient, err)
		}
		return nil
	case StateHot:
		return nil
	default:
		return syncerr.New("coordination.EndSession", syncerr.KindInternalInvariant,
			fmt.Errorf("unknown initial state %d", initial))
	}
}

// RollbackToCold pushes a poison marker for any waiting readers and
// forces the anchor back to COLD. Used both as the COLD session's
// failure path and directly by callers that need to force-reset.
func (s *Store) RollbackToCold(ctx context.Context, channel, anchor string) error {
	_, err := scriptRollbackToCold.Run(ctx, s.rdb, anchorKeys(channel, anchor)).Result()
	if err != nil {
		return syncerr.New("coordination.RollbackToCold", syncerr.KindTransient, err)
	}
	return nil
}

// WriteInstances appends each already-serialized document to the
// in-memory instances list and publishes the new total length, waking
// any HEATING readers. written is the list's length (LLEN) read right
// after the append. The append, the LLEN and the PUBLISH are three
// separate round trips, not one atomic script.
func (s *Store) WriteInstances(ctx context.Context, channel, anchor string, docs [][]byte) (written int64, err error) {
	key := anchorKeys(channel, anchor)[idxInstances-1]
	pipe := s.rdb.Pipeline()
	for _, d := range docs {
		pipe.RPush(ctx, key, d)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, syncerr.New("coordination.WriteInstances", syncerr.KindTransient, err)
	}

	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, syncerr.New("coordination.WriteInstances", syncerr.KindTransient, err)
	}
	triggerKey := anchorKeys(channel, anchor)[idxInstancesTrigger-1]
	if err := s.rdb.Publish(ctx, triggerKey, n).Err(); err != nil {
		return 0, syncerr.New("coordination.WriteInstances", syncerr.KindTransient, err)
	}
	return n, nil
}

// EndWrite signals that the COLD builder has finished: readers
// observing a negative length on instances_trigger know the stream is
// complete. If there were no readers, it tidies up the list itself.
func (s *Store) EndWrite(ctx context.Context, channel, anchor string) (int64, error) {
	res, err := scriptEndWrite.Run(ctx, s.rdb, anchorKeys(channel, anchor)).Result()
	if err != nil {
		return 0, syncerr.New("coordination.EndWrite", syncerr.KindTransient, err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, syncerr.New("coordination.EndWrite", syncerr.KindInternalInvariant,
			fmt.Errorf("unexpected script return type %T", res))
	}
	return n, nil
}

// StartCooling unconditionally transitions HOT -> COOLING, used for a
// manual cache clear. Returns false if the anchor was not HOT.
func (s *Store) StartCooling(ctx context.Context, channel, anchor string) (bool, error) {
	return s.runCoolingTransition(ctx, scriptStartCooling, anchorKeys(channel, anchor))
}

// StartCoolingIfStale is the expiry path's gate: it only transitions
// HOT -> COOLING when there are no active sessions and the idle window
// since last_disconnect has exceeded ttl. Idempotent — a repeat call
// within the same idle window returns false.
func (s *Store) StartCoolingIfStale(ctx context.Context, channel, anchor string, now time.Time, ttl time.Duration) (bool, error) {
	keys := anchorKeys(channel, anchor)
	res, err := scriptStartCoolingIfStale.Run(ctx, s.rdb, keys, tstampArg(now), ttl.Seconds()).Result()
	if err != nil {
		return false, syncerr.New("coordination.StartCoolingIfStale", syncerr.KindTransient, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, syncerr.New("coordination.StartCoolingIfStale", syncerr.KindInternalInvariant,
			fmt.Errorf("unexpected script return type %T", res))
	}
	return n > 0, nil
}

func (s *Store) runCoolingTransition(ctx context.Context, script *redis.Script, keys []string) (bool, error) {
	res, err := script.Run(ctx, s.rdb, keys).Result()
	if err != nil {
		return false, syncerr.New("coordination.StartCooling", syncerr.KindTransient, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, syncerr.New("coordination.StartCooling", syncerr.KindInternalInvariant,
			fmt.Errorf("unexpected script return type %T", res))
	}
	return n > 0, nil
}

// FinishCoolingResult classifies finish_cooling's three-way return.
type FinishCoolingResult int

const (
	// FinishCoolingDone means COOLING -> COLD completed; the anchor's
	// instances list has been cleared.
	FinishCoolingDone FinishCoolingResult = 0
	// FinishCoolingReheat means a client joined during the COOLING
	// window and fused the anchor to HEATING; the caller must write the
	// migrated documents back to the document cache and finalize that
	// joiner's session.
	FinishCoolingReheat FinishCoolingResult = 1
)

// FinishCooling ends the COOLING operator's cycle. Any return other
// than Done/Reheat is an internal invariant violation — the reference
// treats -1 as "unexpected state" and this port does the same.
func (s *Store) FinishCooling(ctx context.Context, channel, anchor string) (FinishCoolingResult, error) {
	res, err := scriptFinishCooling.Run(ctx, s.rdb, anchorKeys(channel, anchor)).Result()
	if err != nil {
		return 0, syncerr.New("coordination.FinishCooling", syncerr.KindTransient, err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, syncerr.New("coordination.FinishCooling", syncerr.KindInternalInvariant,
			fmt.Errorf("unexpected script return type %T", res))
	}
	if n != 0 && n != 1 {
		return 0, syncerr.New("coordination.FinishCooling", syncerr.KindInternalInvariant,
			fmt.Errorf("finish_cooling returned unexpected state %d", n))
	}
	return FinishCoolingResult(n), nil
}

// ScanAnchorIDs enumerates every anchor id registered under channel by
// scanning its state keys, used by the expiry sweeper to find
// candidates for start_cooling_if_stale without keeping its own index.
func (s *Store) ScanAnchorIDs(ctx context.Context, channel string) ([]string, error) {
	var anchors []string
	iter := s.rdb.Scan(ctx, 0, stateKeyPattern(channel), 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		anchor, ok := anchorIDFromStateKey(channel, key)
		if ok {
			anchors = append(anchors, anchor)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, syncerr.New("coordination.ScanAnchorIDs", syncerr.KindTransient, err)
	}
	return anchors, nil
}

// InitDatabase deletes every key registered under channel. Used at
// process startup (in tests, and optionally on deploy) to reset a
// channel's coordination state entirely; it is not an end-user
// operation.
func (s *Store) InitDatabase(ctx context.Context, channel string) error {
	iter := s.rdb.Scan(ctx, 0, channel+":*", 1000).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return syncerr.New("coordination.InitDatabase", syncerr.KindTransient, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return syncerr.New("coordination.InitDatabase", syncerr.KindTransient, err)
	}
	return nil
}

// tstampArg encodes a time.Time the way the reference's
// _make_tstamp/get_tstamp does: seconds with microsecond precision as a
// single float-like argument, so Lua's tonumber() parses it directly.
func tstampArg(t time.Time) string {
	return fmt.Sprintf("%.6f", float64(t.UnixMicro())/1e6)
}

// anchorIDFromStateKey extracts the anchor id from a
// "{channel}:{anchor}:state" key, mirroring the reference's
// rsplit(':', 2) extraction in _scan_anchor_ids.
func anchorIDFromStateKey(channel, key string) (string, bool) {
	prefix := channel + ":"
	suffix := ":" + keyFields[idxState-1]
	if len(key) <= len(prefix)+len(suffix) {
		return "", false
	}
	if key[:len(prefix)] != prefix || key[len(key)-len(suffix):] != suffix {
		return "", false
	}
	return key[len(prefix) : len(key)-len(suffix)], true
}
