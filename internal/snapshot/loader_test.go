package snapshot

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/riverfork/syncd/internal/docstore"
)

func TestFilterByUser_KeepsGlobalAndMatchingOwnDocs(t *testing.T) {
	docs := []docstore.Document{
		{"id": "1", "_user_key": "alice"},
		{"id": "2", "_user_key": "bob"},
		{"id": "3"},
	}
	got := filterByUser(docs, "alice")
	if len(got) != 2 {
		t.Fatalf("expected 2 visible documents, got %d", len(got))
	}
	for _, d := range got {
		if _, ok := d["_user_key"]; ok {
			t.Errorf("expected _user_key stripped from visible document, got %v", d)
		}
	}
}

func TestFilterByUser_DoesNotMutateInput(t *testing.T) {
	original := docstore.Document{"id": "1", "_user_key": "alice"}
	docs := []docstore.Document{original}
	_ = filterByUser(docs, "alice")
	if _, ok := original["_user_key"]; !ok {
		t.Error("filterByUser must not mutate the caller's document")
	}
}

func newMockDocStore(t *testing.T) (*docstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return docstore.NewWithDB(sqlx.NewDb(db, "postgres"), 0), mock
}

func TestLoadHot_EmitsOneBatchPerNonEmptyInstanceType(t *testing.T) {
	store, mock := newMockDocStore(t)

	messageRow, err := json.Marshal(map[string]any{
		"id": "1", "_instance_type": "Message",
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents")).
		WithArgs("Room", "42", "Message", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"body", "grid_ref"}).AddRow(messageRow, nil))

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents")).
		WithArgs("Room", "42", "Presence", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"body", "grid_ref"}))

	loader := NewLoader(nil, store, nil, Config{
		Channel:       "Room",
		InstanceTypes: []string{"Message", "Presence"},
	}, zerolog.Nop())

	out, errc := loader.loadHot(context.Background(), "42", "alice")

	var batches []Batch
	for b := range out {
		batches = append(batches, b)
	}
	if err := <-errc; err != nil {
		t.Fatalf("loadHot error: %v", err)
	}

	if len(batches) != 1 {
		t.Fatalf("expected exactly one batch (Presence is empty), got %d", len(batches))
	}
	if batches[0].CacheState != "hot" {
		t.Errorf("expected cache state 'hot', got %q", batches[0].CacheState)
	}
	if len(batches[0].Documents) != 1 || batches[0].Documents[0].ID() != "1" {
		t.Errorf("unexpected documents: %v", batches[0].Documents)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadHot_MarksCacheStateOnFirstDocumentOnly(t *testing.T) {
	store, mock := newMockDocStore(t)

	row1, _ := json.Marshal(map[string]any{"id": "1", "_instance_type": "Message"})
	row2, _ := json.Marshal(map[string]any{"id": "2", "_instance_type": "Message"})

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents")).
		WithArgs("Room", "42", "Message", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"body", "grid_ref"}).AddRow(row1, nil).AddRow(row2, nil))

	loader := NewLoader(nil, store, nil, Config{
		Channel:        "Room",
		InstanceTypes:  []string{"Message"},
		MarkCacheState: true,
	}, zerolog.Nop())

	out, errc := loader.loadHot(context.Background(), "42", "alice")

	var batch Batch
	for b := range out {
		batch = b
	}
	require.NoError(t, <-errc)

	if batch.Documents[0]["_cache_state"] != "hot" {
		t.Errorf("expected first document marked with cache state, got %v", batch.Documents[0])
	}
	if _, ok := batch.Documents[1]["_cache_state"]; ok {
		t.Errorf("expected only first document marked, got %v", batch.Documents[1])
	}
}
