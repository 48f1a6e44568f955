package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plugd/pkg/storage"
)

var columns = []string{
	"id", "plugin_key", "hook", "name", "version", "description", "author",
	"enabled", "package_path", "digest", "installed_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func sampleRecord() *storage.Record {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &storage.Record{
		ID:          "rec-1",
		Key:         "greeter",
		Hook:        "greeting",
		Name:        "Greeter",
		Version:     "1.0.0",
		Enabled:     true,
		PackagePath: "rec-1.zip",
		Digest:      "abc",
		InstalledAt: now,
		UpdatedAt:   now,
	}
}

func recordRow(rec *storage.Record) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		rec.ID, rec.Key, rec.Hook, rec.Name, rec.Version, rec.Description, rec.Author,
		rec.Enabled, rec.PackagePath, rec.Digest, rec.InstalledAt, rec.UpdatedAt,
	)
}

func TestStore_Migrate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugins").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_plugins_hook").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Migrate_Error(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugins").WillReturnError(errors.New("permission denied"))

	err := store.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create plugins table")
}

func TestStore_Save_New(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM plugins WHERE plugin_key = \\$1").
		WithArgs("greeter").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO plugins").
		WithArgs(rec.ID, rec.Key, rec.Hook, rec.Name, rec.Version, rec.Description, rec.Author,
			rec.Enabled, rec.PackagePath, rec.Digest, rec.InstalledAt, rec.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	prev, err := store.Save(context.Background(), rec)
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_ReturnsReplaced(t *testing.T) {
	store, mock := newMockStore(t)
	old := sampleRecord()
	rec := sampleRecord()
	rec.ID = "rec-2"
	rec.Version = "2.0.0"

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM plugins WHERE plugin_key = \\$1").
		WithArgs("greeter").
		WillReturnRows(recordRow(old))
	mock.ExpectExec("INSERT INTO plugins").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	prev, err := store.Save(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "rec-1", prev.ID)
	assert.Equal(t, "1.0.0", prev.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM plugins").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO plugins").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.Save(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Save_RequiresKey(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Save(context.Background(), &storage.Record{ID: "x"})
	assert.Error(t, err)
}

func TestStore_GetByKey(t *testing.T) {
	store, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery("SELECT (.+) FROM plugins WHERE plugin_key = \\$1").
		WithArgs("greeter").
		WillReturnRows(recordRow(rec))

	got, err := store.GetByKey(context.Background(), "greeter")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetByKey_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM plugins").WillReturnError(sql.ErrNoRows)

	_, err := store.GetByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ListEnabled(t *testing.T) {
	store, mock := newMockStore(t)
	a := sampleRecord()
	b := sampleRecord()
	b.ID, b.Key = "rec-2", "other"

	rows := recordRow(a).AddRow(
		b.ID, b.Key, b.Hook, b.Name, b.Version, b.Description, b.Author,
		b.Enabled, b.PackagePath, b.Digest, b.InstalledAt, b.UpdatedAt,
	)
	mock.ExpectQuery("SELECT (.+) FROM plugins WHERE enabled = \\$1 ORDER BY plugin_key").
		WithArgs(true).
		WillReturnRows(rows)

	recs, err := store.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "greeter", recs[0].Key)
	assert.Equal(t, "other", recs[1].Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_List_QueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM plugins ORDER BY plugin_key").WillReturnError(errors.New("connection reset"))

	_, err := store.List(context.Background())
	assert.Error(t, err)
}

func TestStore_SetEnabled(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE plugins SET enabled = \\$1").
		WithArgs(false, "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetEnabled(context.Background(), "rec-1", false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetEnabled_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE plugins SET enabled").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetEnabled(context.Background(), "nope", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_DeleteByKey(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM plugins WHERE plugin_key = \\$1").
		WithArgs("greeter").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.DeleteByKey(context.Background(), "greeter"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LookupActiveByHook(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, plugin_key, hook FROM plugins WHERE hook = \\$1 AND enabled = \\$2").
		WithArgs("greeting", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "plugin_key", "hook"}).AddRow("rec-1", "greeter", "greeting"))

	rec, err := store.LookupActiveByHook(context.Background(), "greeting")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "greeter", rec.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LookupActiveByHook_None(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, plugin_key, hook FROM plugins").WillReturnError(sql.ErrNoRows)

	rec, err := store.LookupActiveByHook(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestConnect_Validation(t *testing.T) {
	_, err := Connect(context.Background(), ConnectionConfig{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = Connect(context.Background(), ConnectionConfig{Driver: DriverSQLite})
	assert.Error(t, err)
}

func TestConnect_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Connect(ctx, ConnectionConfig{Driver: DriverSQLite, DSN: "file::memory:?cache=shared"})
	require.NoError(t, err)

	store := New(db)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	rec := sampleRecord()
	prev, err := store.Save(ctx, rec)
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, err := store.GetByKey(ctx, "greeter")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, got.Enabled)

	hook, err := store.LookupActiveByHook(ctx, "greeting")
	require.NoError(t, err)
	require.NotNil(t, hook)
	assert.Equal(t, "greeter", hook.Key)

	require.NoError(t, store.SetEnabled(ctx, rec.ID, false))
	hook, err = store.LookupActiveByHook(ctx, "greeting")
	require.NoError(t, err)
	assert.Nil(t, hook)

	require.NoError(t, store.DeleteByKey(ctx, "greeter"))
	_, err = store.GetByKey(ctx, "greeter")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
