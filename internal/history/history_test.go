package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndListRecent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	older := Transfer{
		ID:        "op-1",
		Filename:  "ink_portrait_1700000000000.eink",
		Bytes:     259200,
		Duration:  42 * time.Second,
		Status:    "completed",
		CreatedAt: time.UnixMilli(1700000000000),
	}
	newer := Transfer{
		ID:        "op-2",
		Filename:  "ink_landscape_1700000100000.eink",
		Bytes:     1024,
		Duration:  3 * time.Second,
		Status:    "failed",
		Err:       "protocol timeout",
		CreatedAt: time.UnixMilli(1700000100000),
	}
	require.NoError(t, repo.Record(ctx, older))
	require.NoError(t, repo.Record(ctx, newer))

	got, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, "op-2", got[0].ID)
	assert.Equal(t, "failed", got[0].Status)
	assert.Equal(t, "protocol timeout", got[0].Err)
	assert.Equal(t, newer.CreatedAt.UnixMilli(), got[0].CreatedAt.UnixMilli())

	assert.Equal(t, "op-1", got[1].ID)
	assert.Equal(t, int64(259200), got[1].Bytes)
	assert.Equal(t, 42*time.Second, got[1].Duration)
}

func TestListRecentLimit(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(ctx, Transfer{
			ID:        string(rune('a' + i)),
			Filename:  "f.eink",
			Status:    "completed",
			CreatedAt: time.UnixMilli(int64(1700000000000 + i)),
		}))
	}

	got, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// A non-positive limit falls back to the default.
	got, err = repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestListRecentEmpty(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	got, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDuplicateIDRejected(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	rec := Transfer{ID: "dup", Filename: "f.eink", Status: "completed", CreatedAt: time.Now()}
	require.NoError(t, repo.Record(ctx, rec))
	require.Error(t, repo.Record(ctx, rec))
}

func TestOpenIsIdempotentOnSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, NewRepo(db).Record(context.Background(), Transfer{
		ID: "keep", Filename: "f.eink", Status: "completed", CreatedAt: time.Now(),
	}))
	require.NoError(t, db.Close())

	// Re-opening migrates again without clobbering data.
	db, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	got, err := NewRepo(db).ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
