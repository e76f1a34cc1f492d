package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/kv"
	"github.com/loykin/deployr/internal/kv/memkv"
	"github.com/loykin/deployr/internal/kv/rediskv"
)

func newRedisManager(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return mr, NewManager(s, "")
}

func TestAcquireIsExclusive(t *testing.T) {
	_, m := newRedisManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "deploy_fr_lock", 300*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Token)

	// a second request one second later, before release
	_, err = m.Acquire(ctx, "deploy_fr_lock", 300*time.Second)
	assert.ErrorIs(t, err, ErrBusy)

	// other resource classes are independent
	_, err = m.Acquire(ctx, "deploy_ml_lock", 300*time.Second)
	assert.NoError(t, err)
}

func TestConcurrentAcquireOneWinner(t *testing.T) {
	_, m := newRedisManager(t)
	ctx := context.Background()

	const n = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		busys int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(ctx, "deploy_fr_lock", time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrBusy):
				busys++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, busys)
}

func TestRenewAfterReclaimIsLost(t *testing.T) {
	mr, m := newRedisManager(t)
	ctx := context.Background()

	old, err := m.Acquire(ctx, "deploy_ml_lock", 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Renew(ctx, old))

	mr.FastForward(3 * time.Second)
	newer, err := m.Acquire(ctx, "deploy_ml_lock", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Renew(ctx, old), ErrLost)
	// stale release must leave the newer owner alone
	assert.ErrorIs(t, m.Release(ctx, old), ErrNotOwner)
	held, _, err := m.Holder(ctx, "deploy_ml_lock")
	require.NoError(t, err)
	assert.True(t, held)
	assert.NoError(t, m.Renew(ctx, newer))
	assert.NoError(t, m.Release(ctx, newer))

	held, _, err = m.Holder(ctx, "deploy_ml_lock")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExpiredLeaseWithoutReclaim(t *testing.T) {
	clk := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	now := func() time.Time { mu.Lock(); defer mu.Unlock(); return clk }
	m := NewManager(memkv.New(memkv.WithClock(now)), "test:")
	ctx := context.Background()

	l, err := m.Acquire(ctx, "job", 5*time.Second)
	require.NoError(t, err)

	// heartbeat starved past the ttl
	mu.Lock()
	clk = clk.Add(6 * time.Second)
	mu.Unlock()

	assert.ErrorIs(t, m.Renew(ctx, l), ErrLost)
	assert.ErrorIs(t, m.Release(ctx, l), ErrNotOwner)
	_, err = m.Acquire(ctx, "job", 5*time.Second)
	assert.NoError(t, err)
}

func TestStoreOutageIsNotBusy(t *testing.T) {
	mr, m := newRedisManager(t)
	mr.Close()

	_, err := m.Acquire(context.Background(), "deploy_fr_lock", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestSweepUsesPrefix(t *testing.T) {
	mr, m := newRedisManager(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(DefaultPrefix+"stale", "tok"))
	require.NoError(t, mr.Set("unrelated", "x"))

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(DefaultPrefix+"stale"))
	assert.True(t, mr.Exists("unrelated"))
}

func TestAcquireRejectsEmptyName(t *testing.T) {
	_, m := newRedisManager(t)
	_, err := m.Acquire(context.Background(), "", time.Minute)
	assert.Error(t, err)
}
