package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/riverfork/syncd/internal/syncerr"
)

// Store is a PostgreSQL-backed document cache. One Store instance
// serves every channel; rows are namespaced by the channel column.
type Store struct {
	db            *sqlx.DB
	blobFloorBytes int
}

// Config configures New.
type Config struct {
	DSN            string
	MaxOpenConns   int
	MaxIdleConns   int
	BlobFloorBytes int // documents encoding larger than this spill to document_blobs
}

// New opens a connection pool against cfg.DSN.
func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, syncerr.New("docstore.New", syncerr.KindTransient, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	floor := cfg.BlobFloorBytes
	if floor <= 0 {
		floor = 256 * 1024
	}
	return &Store{db: db, blobFloorBytes: floor}, nil
}

// NewWithDB wraps an already-open *sqlx.DB, used by tests to inject a
// sqlmock-backed connection.
func NewWithDB(db *sqlx.DB, blobFloorBytes int) *Store {
	if blobFloorBytes <= 0 {
		blobFloorBytes = 256 * 1024
	}
	return &Store{db: db, blobFloorBytes: blobFloorBytes}
}

// BlobFloorBytes returns the configured spillover threshold.
func (s *Store) BlobFloorBytes() int { return s.blobFloorBytes }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Find yields every document for (channel, anchor, instanceType) whose
// _user_key is null or equal to user, excluding soft-deleted rows.
// Within one type the order is unspecified, matching §4.2.
func (s *Store) Find(ctx context.Context, channel, anchor, instanceType, user string) ([]Document, error) {
	const q = `
SELECT body, grid_ref FROM documents
WHERE channel = $1 AND anchor_id = $2 AND instance_type = $3
  AND (user_key IS NULL OR user_key = $4)
  AND deleted = false
`
	rows, err := s.db.QueryxContext(ctx, q, channel, anchor, instanceType, user)
	if err != nil {
		return nil, syncerr.New("docstore.Find", syncerr.KindTransient, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var body []byte
		var gridRef sql.NullString
		if err := rows.Scan(&body, &gridRef); err != nil {
			return nil, syncerr.New("docstore.Find", syncerr.KindTransient, err)
		}
		doc, err := s.dereference(ctx, body, gridRef)
		if err != nil {
			return nil, err
		}
		doc.setOperation(OperationInitialState)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.New("docstore.Find", syncerr.KindTransient, err)
	}
	return out, nil
}

// FindSince returns every document for (channel, anchor) with
// _tstamp >= since, ascending by _tstamp, for the reconnect catch-up
// path (§5: "permitted to request incremental catch-up... delivered in
// ascending _tstamp order").
func (s *Store) FindSince(ctx context.Context, channel, anchor string, since float64) ([]Document, error) {
	const q = `
SELECT body, grid_ref FROM documents
WHERE channel = $1 AND anchor_id = $2 AND tstamp >= $3
ORDER BY tstamp ASC
`
	rows, err := s.db.QueryxContext(ctx, q, channel, anchor, since)
	if err != nil {
		return nil, syncerr.New("docstore.FindSince", syncerr.KindTransient, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var body []byte
		var gridRef sql.NullString
		if err := rows.Scan(&body, &gridRef); err != nil {
			return nil, syncerr.New("docstore.FindSince", syncerr.KindTransient, err)
		}
		doc, err := s.dereference(ctx, body, gridRef)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.New("docstore.FindSince", syncerr.KindTransient, err)
	}
	return out, nil
}

// ReplaceReturningPrior atomically upserts doc at (channel, anchor,
// instanceType, id) and returns the row as it was immediately before
// this call, or nil if the row did not previously exist. The CTE reads
// the prior row from the same statement snapshot the INSERT ... ON
// CONFLICT sees, so the read-then-write is atomic without an explicit
// transaction.
func (s *Store) ReplaceReturningPrior(ctx context.Context, channel, anchor string, doc Document) (prior Document, err error) {
	body, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, syncerr.New("docstore.ReplaceReturningPrior", syncerr.KindInternalInvariant, err)
	}

	instanceType := doc.InstanceType()
	id := doc.ID()
	var userKey sql.NullString
	if uk, ok := doc.UserKey(); ok {
		userKey = sql.NullString{String: uk, Valid: true}
	}
	var gridRef sql.NullString
	if gr, ok := doc.GridRef(); ok {
		gridRef = sql.NullString{String: gr, Valid: true}
	}

	const q = `
WITH prior AS (
	SELECT body, grid_ref FROM documents
	WHERE channel = $1 AND anchor_id = $2 AND instance_type = $3 AND id = $4
),
upsert AS (
	INSERT INTO documents (channel, anchor_id, instance_type, id, user_key, tstamp, operation, deleted, grid_ref, body)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (channel, anchor_id, instance_type, id) DO UPDATE SET
		user_key = EXCLUDED.user_key,
		tstamp = EXCLUDED.tstamp,
		operation = EXCLUDED.operation,
		deleted = EXCLUDED.deleted,
		grid_ref = EXCLUDED.grid_ref,
		body = EXCLUDED.body
	RETURNING 1
)
SELECT body, grid_ref FROM prior
`
	row := s.db.QueryRowxContext(ctx, q,
		channel, anchor, instanceType, id,
		userKey, doc.Tstamp(), doc.Operation(), doc.Deleted(), gridRef, body)

	var priorBody []byte
	var priorGridRef sql.NullString
	scanErr := row.Scan(&priorBody, &priorGridRef)
	switch scanErr {
	case nil:
		prior, err = s.dereference(ctx, priorBody, priorGridRef)
		if err != nil {
			return nil, err
		}
		return prior, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, syncerr.New("docstore.ReplaceReturningPrior", syncerr.KindTransient, scanErr)
	}
}

// DeleteAll removes every document for an anchor, used before a COLD
// rebuild to clear any stale rows left by a previous COOLING cycle.
func (s *Store) DeleteAll(ctx context.Context, channel, anchor string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE channel = $1 AND anchor_id = $2`, channel, anchor)
	if err != nil {
		return syncerr.New("docstore.DeleteAll", syncerr.KindTransient, err)
	}
	return nil
}

// PutLarge writes an oversized document's encoded bytes to the blob
// table and returns an opaque reference. The caller is responsible for
// replacing the full document with a stub record carrying this
// reference via ReplaceReturningPrior, matching the reference
// implementation's GridFS spillover contract.
func (s *Store) PutLarge(ctx context.Context, body []byte) (ref string, err error) {
	id := uuid.New()
	_, err = s.db.ExecContext(ctx, `INSERT INTO document_blobs (ref, body) VALUES ($1, $2)`, id, body)
	if err != nil {
		return "", syncerr.New("docstore.PutLarge", syncerr.KindTransient, err)
	}
	return id.String(), nil
}

// dereference loads body, resolving through document_blobs when
// gridRef is set, and unmarshals into a Document.
func (s *Store) dereference(ctx context.Context, body []byte, gridRef sql.NullString) (Document, error) {
	if gridRef.Valid {
		var blob []byte
		err := s.db.GetContext(ctx, &blob, `SELECT body FROM document_blobs WHERE ref = $1`, gridRef.String)
		if err != nil {
			return nil, syncerr.New("docstore.dereference", syncerr.KindTransient,
				fmt.Errorf("blob ref %s: %w", gridRef.String, err))
		}
		body = blob
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, syncerr.New("docstore.dereference", syncerr.KindInternalInvariant, err)
	}
	return doc, nil
}

func (d Document) setOperation(op string) {
	d[fieldOperation] = op
}
