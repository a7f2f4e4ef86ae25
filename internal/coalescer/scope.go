// Package coalescer implements the transaction-scoped broadcast
// coalescer: within one enclosing transaction, repeat mutations of the
// same object collapse into a single pending entry, flushed once at
// commit with one shared timestamp. Go has no implicit thread-local
// storage, so the scope this package models as a per-transaction
// thread-local in the reference implementation is instead carried
// explicitly through context.Context for the lifetime of one logical
// transaction.
package coalescer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/syncerr"
)

// Operation mirrors the reference's operation strings.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Fetcher re-fetches and serializes one object at flush time, for the
// create/update case where the committed state must be read fresh
// rather than trusted from enqueue time. found=false means the object
// no longer exists (skip this entry rather than fail the flush).
type Fetcher func(ctx context.Context) (doc docstore.Document, found bool, err error)

// Pending is one entry awaiting flush.
type Pending struct {
	Channel      string
	InstanceType string
	InstanceID   string
	Operation    Operation

	// Anchors is required for Operation == OperationDelete (captured at
	// the pre-delete moment, the only time the object still exists to
	// compute it from). For create/update it is left nil and resolved
	// from the freshly-fetched document at flush time.
	Anchors []string

	// DeleteSerialized is the pre-image captured before deletion,
	// required when Operation == OperationDelete.
	DeleteSerialized docstore.Document

	// Fetch re-fetches the committed object. Required when
	// Operation != OperationDelete.
	Fetch Fetcher
}

type pendingKey struct {
	channel      string
	instanceType string
	instanceID   string
}

// Scope is a transaction's pending-broadcast set. It is not safe to
// share across concurrent transactions; one Scope belongs to exactly
// one logical transaction, carried via context.
type Scope struct {
	mu      sync.Mutex
	pending map[pendingKey]*Pending
	logger  zerolog.Logger
}

// NewScope creates an empty scope for a new transaction.
func NewScope(logger zerolog.Logger) *Scope {
	return &Scope{
		pending: make(map[pendingKey]*Pending),
		logger:  logger.With().Str("component", "coalescer").Logger(),
	}
}

// Add records p, overwriting any existing pending entry for the same
// (channel, instance_type, id) — only the final post-commit state
// matters, so repeat mutations of one object within a transaction
// collapse to one entry.
func (s *Scope) Add(p *Pending) error {
	if p.Operation == OperationDelete {
		if p.Anchors == nil || p.DeleteSerialized == nil {
			return syncerr.New("coalescer.Add", syncerr.KindInternalInvariant, nil,
				"instance_type", p.InstanceType, "instance_id", p.InstanceID,
				"reason", "delete pending entry missing pre-image or anchors")
		}
	} else if p.Fetch == nil {
		return syncerr.New("coalescer.Add", syncerr.KindInternalInvariant, nil,
			"instance_type", p.InstanceType, "instance_id", p.InstanceID,
			"reason", "non-delete pending entry missing Fetch")
	}

	key := pendingKey{channel: p.Channel, instanceType: p.InstanceType, instanceID: p.InstanceID}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = p
	return nil
}

// Count returns the number of distinct pending entries, for tests and
// diagnostics.
func (s *Scope) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Discard drops every pending entry without flushing, called on
// transaction rollback.
func (s *Scope) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[pendingKey]*Pending)
}

// AnchorResolver computes the anchor ids a freshly fetched document
// belongs to, a pure function of the declared graph (internal/graph).
type AnchorResolver func(doc docstore.Document) ([]string, error)

// Apply hands one resolved document, with its anchor set, to the delta
// writer and reports only whether that failed.
type Apply func(ctx context.Context, channel string, anchors []string, doc docstore.Document) error

// FlushResult reports one processed entry, used by tests.
type FlushResult struct {
	Channel      string
	InstanceType string
	InstanceID   string
	Skipped      bool
}

// Flush uses the single timestamp now for every entry, resolves every pending entry's
// current document (refetch for create/update, pre-image for delete),
// stamps it, and hands it to apply. An entry whose object vanished
// between enqueue and commit (delete-then-recreate races, or a
// already-cleaned-up row) is skipped with a trace rather than failing
// the whole flush, matching §4.5's commit-time contract. The scope is
// always cleared afterward, success or partial failure.
func (s *Scope) Flush(ctx context.Context, now time.Time, resolveAnchors AnchorResolver, apply Apply) ([]FlushResult, error) {
	s.mu.Lock()
	entries := make([]*Pending, 0, len(s.pending))
	for _, p := range s.pending {
		entries = append(entries, p)
	}
	s.pending = make(map[pendingKey]*Pending)
	s.mu.Unlock()

	results := make([]FlushResult, 0, len(entries))
	tstamp := float64(now.UnixMicro()) / 1e6

	for _, p := range entries {
		res := FlushResult{Channel: p.Channel, InstanceType: p.InstanceType, InstanceID: p.InstanceID}

		var doc docstore.Document
		var anchors []string

		if p.Operation == OperationDelete {
			doc = p.DeleteSerialized.Clone()
			anchors = p.Anchors
		} else {
			fetched, found, err := p.Fetch(ctx)
			if err != nil {
				s.logger.Error().Err(err).
					Str("instance_type", p.InstanceType).
					Str("instance_id", p.InstanceID).
					Msg("refetch failed at commit, skipping broadcast for this entry")
				res.Skipped = true
				results = append(results, res)
				continue
			}
			if !found {
				s.logger.Debug().
					Str("instance_type", p.InstanceType).
					Str("instance_id", p.InstanceID).
					Msg("instance no longer exists at commit time, skipping broadcast")
				res.Skipped = true
				results = append(results, res)
				continue
			}
			doc = fetched
			anchors, err = resolveAnchors(doc)
			if err != nil {
				s.logger.Error().Err(err).
					Str("instance_type", p.InstanceType).
					Str("instance_id", p.InstanceID).
					Msg("anchor resolution failed, skipping broadcast for this entry")
				res.Skipped = true
				results = append(results, res)
				continue
			}
		}

		doc["_tstamp"] = tstamp
		doc["_operation"] = string(p.Operation)

		if err := apply(ctx, p.Channel, anchors, doc); err != nil {
			s.logger.Error().Err(err).
				Str("instance_type", p.InstanceType).
				Str("instance_id", p.InstanceID).
				Msg("delta apply failed, skipping broadcast for this entry")
			res.Skipped = true
		}
		results = append(results, res)
	}

	return results, nil
}
