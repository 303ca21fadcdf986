package claims

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T, opts ...SQLOption) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "claims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, "sqlite", "dispatch_claims", opts...)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestNewSQLStoreRejectsUnknownEngine(t *testing.T) {
	_, err := NewSQLStore(nil, "oracle", "dispatch_claims")
	require.ErrorContains(t, err, "undefined claim store engine")
}

func TestSQLStoreExclusiveAcquire(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "C-0001", time.Minute, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Acquire(ctx, "C-0002", time.Minute, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLStoreExpiredClaimReclaimed(t *testing.T) {
	now := time.Now()
	clock := &now
	store := newSQLiteStore(t, WithSQLClock(func() time.Time { return *clock }))
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "C-0001", time.Minute, "crashed-worker")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLStoreRelease(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "C-0001", time.Minute, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "C-0001"))
	require.NoError(t, store.Release(ctx, "C-0001"))

	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLStoreSanitizesKeys(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "contact 42:ready?", time.Minute, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	// The sanitized form collides with the raw form.
	ok, err = store.Acquire(ctx, "contact_42_ready_", time.Minute, "worker-b")
	require.NoError(t, err)
	require.False(t, ok)
}
