package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
	"github.com/Is-a-space/discord-vps-creator/internal/storage"
)

func newGuard(t *testing.T, limit int) (*Guard, storage.Store) {
	t.Helper()
	s, err := storage.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewGuard(s, limit), s
}

func record(owner, instance string) models.InstanceRecord {
	return models.InstanceRecord{
		Owner:      owner,
		Instance:   instance,
		Credential: "ssh " + instance + "@x",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestReserveCommitRelease(t *testing.T) {
	g, _ := newGuard(t, 2)
	ctx := context.Background()

	t1, err := g.Reserve(ctx, "alice")
	require.NoError(t, err)
	t2, err := g.Reserve(ctx, "alice")
	require.NoError(t, err)

	// both slots reserved
	_, err = g.Reserve(ctx, "alice")
	require.ErrorIs(t, err, models.ErrQuotaExceeded)

	// releasing one frees a slot
	g.Release(t2)
	t3, err := g.Reserve(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, g.Commit(ctx, t1, record("alice", "vps-1")))
	require.NoError(t, g.Commit(ctx, t3, record("alice", "vps-2")))

	// committed records still count against the limit
	_, err = g.Reserve(ctx, "alice")
	require.ErrorIs(t, err, models.ErrQuotaExceeded)
}

func TestOwnersAreIndependent(t *testing.T) {
	g, _ := newGuard(t, 1)
	ctx := context.Background()

	_, err := g.Reserve(ctx, "alice")
	require.NoError(t, err)
	_, err = g.Reserve(ctx, "bob")
	require.NoError(t, err)
}

func TestReleaseSpentTicketIsNoop(t *testing.T) {
	g, _ := newGuard(t, 1)
	ctx := context.Background()

	tk, err := g.Reserve(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, g.Commit(ctx, tk, record("alice", "vps-1")))

	// a stray Release after Commit must not free a phantom slot
	g.Release(tk)
	_, err = g.Reserve(ctx, "alice")
	require.ErrorIs(t, err, models.ErrQuotaExceeded)
}

func TestConcurrentReserveNeverExceedsLimit(t *testing.T) {
	const limit = 5
	const attempts = 40
	g, store := newGuard(t, limit)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := g.Reserve(ctx, "alice")
			if err != nil {
				return
			}
			mu.Lock()
			granted++
			id := granted
			mu.Unlock()
			require.NoError(t, g.Commit(ctx, tk, record("alice", fmt.Sprintf("vps-%d", id))))
		}()
	}
	wg.Wait()

	require.Equal(t, limit, granted)
	n, err := store.Count(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, limit, n)
}
