package authoritative

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"
	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/syncerr"
)

// EdgeConfig declares one traversal edge: the table holding the related
// rows and the column on that table that references the root id.
type EdgeConfig struct {
	Table         string
	ForeignKeyCol string
	RelatedType   string
}

// TypeConfig declares how one instance type is stored: its table and
// the edges traversable from it.
type TypeConfig struct {
	Table string
	Edges map[string]EdgeConfig
}

// Config configures New.
type Config struct {
	DSN           string
	Types         map[string]TypeConfig
	ListenChannel string // Postgres NOTIFY channel carrying mutation payloads
}

// mutationPayload is the JSON shape a trigger or application-level
// NOTIFY publishes on cfg.ListenChannel.
type mutationPayload struct {
	InstanceType string          `json:"instance_type"`
	ID           string          `json:"id"`
	Before       json.RawMessage `json:"before"`
	After        json.RawMessage `json:"after"`
	Created      bool            `json:"created"`
}

// PostgresStore is the Store implementation backing the sync engine
// against the authoritative relational database. Reads are guarded by
// a circuit breaker: a tripped breaker surfaces every call as
// syncerr.Transient rather than queueing behind a struggling database.
type PostgresStore struct {
	db       *sqlx.DB
	types    map[string]TypeConfig
	breaker  *gobreaker.CircuitBreaker
	listener *pq.Listener
	events   chan MutationEvent
	logger   zerolog.Logger
}

// New opens a connection pool against cfg.DSN, starts listening on
// cfg.ListenChannel for mutation notifications, and returns a Store
// ready to serve reads.
func New(cfg Config, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, syncerr.New("authoritative.New", syncerr.KindTransient, err)
	}

	settings := gobreaker.Settings{
		Name:     "authoritative-store",
		Interval: 0,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
	}

	s := &PostgresStore{
		db:      db,
		types:   cfg.Types,
		breaker: gobreaker.NewCircuitBreaker(settings),
		events:  make(chan MutationEvent, 256),
		logger:  logger.With().Str("component", "authoritative").Logger(),
	}

	if cfg.ListenChannel != "" {
		s.listener = pq.NewListener(cfg.DSN, minReconnectInterval, maxReconnectInterval, s.onListenerEvent)
		if err := s.listener.Listen(cfg.ListenChannel); err != nil {
			return nil, syncerr.New("authoritative.New", syncerr.KindTransient, err)
		}
		go s.pump()
	}

	return s, nil
}

func (s *PostgresStore) onListenerEvent(ev pq.ListenerEventType, err error) {
	if err != nil {
		s.logger.Warn().Err(err).Msg("mutation listener connection event")
	}
}

func (s *PostgresStore) pump() {
	for n := range s.listener.Notify {
		if n == nil {
			continue
		}
		var payload mutationPayload
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			s.logger.Error().Err(err).Msg("failed to decode mutation notification")
			continue
		}

		event := MutationEvent{
			InstanceType: payload.InstanceType,
			ID:           payload.ID,
			Created:      payload.Created,
		}
		if len(payload.Before) > 0 {
			_ = json.Unmarshal(payload.Before, &event.Before)
		}
		if len(payload.After) > 0 {
			_ = json.Unmarshal(payload.After, &event.After)
		}

		select {
		case s.events <- event:
		default:
			s.logger.Warn().Str("instance_type", event.InstanceType).Str("id", event.ID).
				Msg("mutation event dropped, subscriber channel full")
		}
	}
}

// Mutations implements Store.
func (s *PostgresStore) Mutations() <-chan MutationEvent { return s.events }

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, instanceType, id string) (docstore.Document, bool, error) {
	cfg, ok := s.types[instanceType]
	if !ok {
		return nil, false, syncerr.New("authoritative.Get", syncerr.KindInternalInvariant,
			fmt.Errorf("no table configured for instance type %q", instanceType))
	}

	result, err := s.breaker.Execute(func() (any, error) {
		query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, pq.QuoteIdentifier(cfg.Table))
		var body []byte
		if err := s.db.GetContext(ctx, &body, query, id); err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, syncerr.New("authoritative.Get", syncerr.KindTransient, err,
			"instance_type", instanceType, "id", id)
	}

	var doc docstore.Document
	if err := json.Unmarshal(result.([]byte), &doc); err != nil {
		return nil, false, syncerr.New("authoritative.Get", syncerr.KindInternalInvariant, err)
	}
	return doc, true, nil
}

// Traverse implements Store.
func (s *PostgresStore) Traverse(ctx context.Context, instanceType, id, edge string) ([]docstore.Document, error) {
	cfg, ok := s.types[instanceType]
	if !ok {
		return nil, syncerr.New("authoritative.Traverse", syncerr.KindInternalInvariant,
			fmt.Errorf("no table configured for instance type %q", instanceType))
	}
	edgeCfg, ok := cfg.Edges[edge]
	if !ok {
		return nil, syncerr.New("authoritative.Traverse", syncerr.KindInternalInvariant,
			fmt.Errorf("instance type %q has no edge %q", instanceType, edge))
	}

	result, err := s.breaker.Execute(func() (any, error) {
		query := fmt.Sprintf(`SELECT body FROM %s WHERE %s = $1`,
			pq.QuoteIdentifier(edgeCfg.Table), pq.QuoteIdentifier(edgeCfg.ForeignKeyCol))
		rows, err := s.db.QueryxContext(ctx, query, id)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var bodies [][]byte
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				return nil, err
			}
			bodies = append(bodies, body)
		}
		return bodies, rows.Err()
	})
	if err != nil {
		return nil, syncerr.New("authoritative.Traverse", syncerr.KindTransient, err,
			"instance_type", instanceType, "id", id, "edge", edge)
	}

	bodies := result.([][]byte)
	out := make([]docstore.Document, 0, len(bodies))
	for _, body := range bodies {
		var doc docstore.Document
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, syncerr.New("authoritative.Traverse", syncerr.KindInternalInvariant, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// WithTransaction implements Store.
func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return syncerr.New("authoritative.WithTransaction", syncerr.KindTransient, err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed after transaction function error")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return syncerr.New("authoritative.WithTransaction", syncerr.KindTransient, err)
	}
	return nil
}

// Close releases the listener connection and database pool.
func (s *PostgresStore) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return s.db.Close()
}

type txKey struct{}

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
)
