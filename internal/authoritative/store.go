// Package authoritative defines the narrow contract the rest of the
// engine uses to read and observe the system of record: primary-key
// fetch, graph traversal along a declared edge, a stream of mutation
// events, and a transactional scope for callers that need
// commit/rollback hooks around a batch of writes. The concrete
// implementation is Postgres-backed and guarded by a circuit breaker so
// a struggling primary database surfaces as a syncerr.Transient rather
// than hanging every connection handler that depends on it.
package authoritative

import (
	"context"

	"github.com/riverfork/syncd/internal/docstore"
)

// MutationEvent is emitted for every authoritative write this engine
// must propagate: the changed object, its state before and after (nil
// before on insert, nil after on delete), and whether this was a fresh
// row.
type MutationEvent struct {
	InstanceType string
	ID           string
	Before       docstore.Document
	After        docstore.Document
	Created      bool
}

// Store is the subset of the authoritative relational store the sync
// engine depends on.
type Store interface {
	// Get fetches one row by primary key. found is false when no such
	// row exists (the caller maps this to syncerr.AnchorNotFound during
	// a COLD load of a root object).
	Get(ctx context.Context, instanceType, id string) (doc docstore.Document, found bool, err error)

	// Traverse follows a declared foreign-key-like edge from
	// (instanceType, id) and returns every row reachable along it, used
	// by the snapshot loader to walk a schema's declared types.
	Traverse(ctx context.Context, instanceType, id, edge string) ([]docstore.Document, error)

	// Mutations returns the channel authoritative writes are published
	// to. The channel is shared across callers, so each event reaches
	// only one of them. PostgresStore publishes without blocking: while
	// its 256-event buffer is full, new events are logged and dropped.
	Mutations() <-chan MutationEvent

	// WithTransaction runs fn within one authoritative-store
	// transaction, committing on a nil return and rolling back
	// otherwise.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
