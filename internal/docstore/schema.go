package docstore

// schemaDDL creates the per-deployment document table and its blob
// spillover companion. Each channel shares one physical table,
// partitioned logically by the anchor_id/channel columns rather than
// one table per channel (the original's one-Mongo-collection-per-channel
// layout doesn't map cleanly onto a single relational pool, and a
// composite key does the same job without a migration per new channel).
//
// Indexes:
//   - documents_pkey (channel, anchor_id, instance_type, id): the
//     invariant from SPEC_FULL.md §3 invariant 1.
//   - documents_reconnect_idx (channel, anchor_id, tstamp desc): the
//     reconnect/catch-up query from SPEC_FULL.md §5.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	channel        text NOT NULL,
	anchor_id      text NOT NULL,
	instance_type  text NOT NULL,
	id             text NOT NULL,
	user_key       text,
	tstamp         double precision NOT NULL,
	operation      text NOT NULL,
	deleted        boolean NOT NULL DEFAULT false,
	grid_ref       uuid,
	body           jsonb NOT NULL,
	PRIMARY KEY (channel, anchor_id, instance_type, id)
);

CREATE INDEX IF NOT EXISTS documents_reconnect_idx
	ON documents (channel, anchor_id, tstamp DESC);

CREATE TABLE IF NOT EXISTS document_blobs (
	ref   uuid PRIMARY KEY,
	body  bytea NOT NULL
);
`

// EnsureSchema creates the document store's tables and indexes if they
// do not already exist. Safe to call on every process start.
func (s *Store) EnsureSchema() error {
	_, err := s.db.Exec(schemaDDL)
	return err
}
