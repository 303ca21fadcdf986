package claims

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilesystemStoreExclusiveAcquire(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "C-0001", time.Minute, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.False(t, ok)

	// A different key is unaffected.
	ok, err = store.Acquire(ctx, "C-0002", time.Minute, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFilesystemStoreConcurrentAcquireSingleWinner(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const contenders = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Acquire(ctx, "C-0001", time.Minute, "worker")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
}

func TestFilesystemStoreExpiredClaimReclaimed(t *testing.T) {
	now := time.Now()
	clock := &now
	store, err := NewFilesystemStore(t.TempDir(), WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "C-0001", time.Minute, "crashed-worker")
	require.NoError(t, err)
	require.True(t, ok)

	// Still live just before the deadline.
	now = now.Add(59 * time.Second)
	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFilesystemStoreCorruptRecordTreatedAsHeld(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "C-0001.lock"), []byte("not json"), 0o600))

	ok, err := store.Acquire(ctx, "C-0001", time.Minute, "worker-a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFilesystemStoreRelease(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "C-0001", time.Minute, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "C-0001"))

	ok, err = store.Acquire(ctx, "C-0001", time.Minute, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing a key nobody holds is a no-op.
	require.NoError(t, store.Release(ctx, "C-9999"))
}
