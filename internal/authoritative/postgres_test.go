package authoritative

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/riverfork/syncd/internal/syncerr"
)

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")

	return &PostgresStore{
		db: sqlxDB,
		types: map[string]TypeConfig{
			"Room": {
				Table: "rooms",
				Edges: map[string]EdgeConfig{
					"messages": {Table: "messages", ForeignKeyCol: "room_id", RelatedType: "Message"},
				},
			},
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"}),
		events:  make(chan MutationEvent, 1),
		logger:  zerolog.Nop(),
	}, mock
}

func TestGet_ReturnsDecodedDocument(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT body FROM "rooms" WHERE id = \$1`).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow([]byte(`{"id":"42","name":"lobby"}`)))

	doc, found, err := store.Get(context.Background(), "Room", "42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected the row to be found")
	}
	if doc["name"] != "lobby" {
		t.Errorf("expected name=lobby, got %v", doc["name"])
	}
}

func TestGet_ReportsNotFoundWithoutError(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT body FROM "rooms" WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, found, err := store.Get(context.Background(), "Room", "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected found=false for a missing row")
	}
}

func TestGet_UnknownInstanceTypeIsInternalInvariant(t *testing.T) {
	store, _ := newTestStore(t)
	_, _, err := store.Get(context.Background(), "Unknown", "1")
	if err == nil {
		t.Fatal("expected an error for an unconfigured instance type")
	}
	if kind := syncerr.KindOf(err); kind != syncerr.KindInternalInvariant {
		t.Fatalf("expected KindInternalInvariant, got %v", kind)
	}
}

func TestTraverse_ReturnsRelatedRows(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT body FROM "messages" WHERE "room_id" = \$1`).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"id":"1","_instance_type":"Message"}`)).
			AddRow([]byte(`{"id":"2","_instance_type":"Message"}`)))

	docs, err := store.Traverse(context.Background(), "Room", "42", "messages")
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 related rows, got %d", len(docs))
	}
}

func TestTraverse_UnknownEdgeIsInternalInvariant(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Traverse(context.Background(), "Room", "42", "nope")
	if err == nil {
		t.Fatal("expected an error for an undeclared edge")
	}
	if kind := syncerr.KindOf(err); kind != syncerr.KindInternalInvariant {
		t.Fatalf("expected KindInternalInvariant, got %v", kind)
	}
}
