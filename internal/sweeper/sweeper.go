// Package sweeper implements the TTL-driven expiry sweep: periodically
// scan every registered anchor, transition the stale HOT ones to
// COOLING, migrate their documents into the coordination store's
// ephemeral list, then finish the cooling cycle (back to COLD, or
// fused to HEATING if a reader joined mid-sweep).
package sweeper

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/coordination"
	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/metrics"
	"github.com/riverfork/syncd/internal/syncerr"
)

// CoordinationStore is the subset of *coordination.Store the sweeper
// needs, narrowed to an interface so tests can supply a fake instead
// of a live Redis connection.
type CoordinationStore interface {
	Now(ctx context.Context) (time.Time, error)
	ScanAnchorIDs(ctx context.Context, channel string) ([]string, error)
	StartCoolingIfStale(ctx context.Context, channel, anchor string, now time.Time, ttl time.Duration) (bool, error)
	WriteInstances(ctx context.Context, channel, anchor string, docs [][]byte) (int64, error)
	FinishCooling(ctx context.Context, channel, anchor string) (coordination.FinishCoolingResult, error)
	EndSession(ctx context.Context, channel, anchor string, initial coordination.State, success bool) error
	InitDatabase(ctx context.Context, channel string) error
}

// DocStore is the subset of *docstore.Store the sweeper needs.
type DocStore interface {
	FindSince(ctx context.Context, channel, anchor string, since float64) ([]docstore.Document, error)
	DeleteAll(ctx context.Context, channel, anchor string) error
}

// Sweeper periodically expires stale anchors for one channel.
type Sweeper struct {
	coord    CoordinationStore
	docs     DocStore
	channel  string
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// New builds a Sweeper for channel, expiring HOT anchors idle past ttl
// on a tick of interval.
func New(coord CoordinationStore, docs DocStore, channel string, ttl, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		coord:    coord,
		docs:     docs,
		channel:  channel,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Str("channel", channel).Logger(),
	}
}

// InitDatabase wipes every coordination key registered under this
// sweeper's channel. Intended for a clean-room startup, not something
// this engine ever calls on its own initiative mid-run.
func (s *Sweeper) InitDatabase(ctx context.Context) error {
	return s.coord.InitDatabase(ctx, s.channel)
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans every anchor once and expires the stale ones. An
// error expiring one anchor is logged and does not stop the sweep of
// the rest, mirroring expire_caches' per-anchor try/except.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	anchors, err := s.coord.ScanAnchorIDs(ctx, s.channel)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to scan anchors for this sweep cycle")
		return
	}

	for _, anchor := range anchors {
		if err := s.expireIfStale(ctx, anchor); err != nil {
			s.logger.Error().Err(err).Str("anchor", anchor).Msg("error expiring anchor, continuing sweep")
		}
	}

	metrics.SweepCycles.Inc()
}

func (s *Sweeper) expireIfStale(ctx context.Context, anchor string) error {
	now, err := s.coord.Now(ctx)
	if err != nil {
		return err
	}

	stale, err := s.coord.StartCoolingIfStale(ctx, s.channel, anchor, now, s.ttl)
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}

	metrics.SweepCoolingStarted.Inc()
	s.logger.Info().Str("anchor", anchor).Msg("cooling stale anchor")
	return s.runCoolingCycle(ctx, anchor)
}

// runCoolingCycle migrates the anchor's documents into the
// coordination store's list (so a reader who joins mid-cooling can
// reheat from it) and then finalizes the transition. On a clean
// COOLING -> COLD finish, the now-redundant document rows are deleted.
// On a reheat (a reader joined during the window, fusing the anchor to
// HEATING), the document rows are left in place and the joiner's fused
// session is completed with success, promoting the anchor straight to
// HOT: the reheat is this operator's own reheat cycle finishing, the
// same as a COLD builder's EndSession(success=true) would.
func (s *Sweeper) runCoolingCycle(ctx context.Context, anchor string) error {
	docs, err := s.docs.FindSince(ctx, s.channel, anchor, -math.MaxFloat64)
	if err != nil {
		return err
	}

	if len(docs) > 0 {
		raw := make([][]byte, 0, len(docs))
		for _, d := range docs {
			body, err := json.Marshal(map[string]any(d))
			if err != nil {
				return syncerr.New("sweeper.runCoolingCycle", syncerr.KindInternalInvariant, err)
			}
			raw = append(raw, body)
		}
		if _, err := s.coord.WriteInstances(ctx, s.channel, anchor, raw); err != nil {
			return err
		}
	}

	result, err := s.coord.FinishCooling(ctx, s.channel, anchor)
	if err != nil {
		return err
	}

	switch result {
	case coordination.FinishCoolingDone:
		return s.docs.DeleteAll(ctx, s.channel, anchor)
	case coordination.FinishCoolingReheat:
		metrics.SweepReheats.Inc()
		s.logger.Info().Str("anchor", anchor).Msg("reader joined during cooling, completing reheat to HOT")
		return s.coord.EndSession(ctx, s.channel, anchor, coordination.StateCold, true)
	default:
		return syncerr.New("sweeper.runCoolingCycle", syncerr.KindInternalInvariant, nil,
			"anchor", anchor, "result", int(result))
	}
}
