package docstore

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewWithDB(sqlxDB, 0), mock
}

func TestReplaceReturningPrior_NewRow(t *testing.T) {
	store, mock := newMockStore(t)

	doc := Document{
		"id":             "7",
		"_instance_type": "Message",
		"_tstamp":        float64(100),
		"_operation":     "create",
		"body":           "hello",
	}

	mock.ExpectQuery(regexp.QuoteMeta("WITH prior AS")).
		WillReturnRows(sqlmock.NewRows([]string{"body", "grid_ref"}))

	prior, err := store.ReplaceReturningPrior(context.Background(), "RoomChannel", "42", doc)
	require.NoError(t, err)
	assert.Nil(t, prior)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceReturningPrior_ExistingRow(t *testing.T) {
	store, mock := newMockStore(t)

	doc := Document{
		"id":             "7",
		"_instance_type": "Message",
		"_tstamp":        float64(200),
		"_operation":     "update",
		"body":           "updated",
	}
	priorBody, err := json.Marshal(map[string]any{
		"id":             "7",
		"_instance_type": "Message",
		"_tstamp":        float64(100),
		"_operation":     "create",
		"body":           "hello",
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("WITH prior AS")).
		WillReturnRows(sqlmock.NewRows([]string{"body", "grid_ref"}).AddRow(priorBody, nil))

	prior, err := store.ReplaceReturningPrior(context.Background(), "RoomChannel", "42", doc)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "hello", prior["body"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFind_FiltersDeletedAndStampsOperation(t *testing.T) {
	store, mock := newMockStore(t)

	row, err := json.Marshal(map[string]any{
		"id":             "7",
		"_instance_type": "Message",
		"_operation":     "create",
	})
	require.NoError(t, err)

	mock.ExpectQuery(`FROM documents .* AND deleted = false`).
		WithArgs("RoomChannel", "42", "Message", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"body", "grid_ref"}).AddRow(row, nil))

	docs, err := store.Find(context.Background(), "RoomChannel", "42", "Message", "alice")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, OperationInitialState, docs[0].Operation())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentAccessors(t *testing.T) {
	doc := Document{
		"id":             "9",
		"_instance_type": "Room",
		"_tstamp":        float64(42.5),
		"_user_key":      "bob",
		"_deleted":       true,
	}
	assert.Equal(t, "9", doc.ID())
	assert.Equal(t, "Room", doc.InstanceType())
	assert.Equal(t, 42.5, doc.Tstamp())
	userKey, ok := doc.UserKey()
	assert.True(t, ok)
	assert.Equal(t, "bob", userKey)
	assert.True(t, doc.Deleted())

	clone := doc.Clone()
	clone["id"] = "changed"
	assert.Equal(t, "9", doc.ID(), "Clone must not alias the original map")
}
