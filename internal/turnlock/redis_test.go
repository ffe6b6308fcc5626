package turnlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewRedis("redis://"+mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func TestRedisSerializesSameKey(t *testing.T) {
	l, _ := newTestRedis(t, time.Minute)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			unlock, err := l.Lock(ctx, Key("u1", 1))
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestRedisWaitHonorsContext(t *testing.T) {
	l, _ := newTestRedis(t, time.Minute)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRedisIndependentKeys(t *testing.T) {
	l, _ := newTestRedis(t, time.Minute)

	unlock1, err := l.Lock(context.Background(), Key("u1", 1))
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := l.Lock(ctx, Key("u1", 2))
	require.NoError(t, err, "different task must not block")
	unlock2()
}

func TestRedisUnlockReleasesKey(t *testing.T) {
	l, mr := newTestRedis(t, time.Minute)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists(prefix+"k"))
	assert.Greater(t, mr.TTL(prefix+"k"), time.Duration(0))

	unlock()
	assert.False(t, mr.Exists(prefix+"k"))
}

func TestRedisExpiredHolderLeavesNewOwner(t *testing.T) {
	l, mr := newTestRedis(t, 10*time.Second)

	unlockA, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// A stalls past the TTL and B takes over the expired key.
	mr.FastForward(11 * time.Second)
	require.False(t, mr.Exists(prefix+"k"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	tokenB, err := mr.Get(prefix + "k")
	require.NoError(t, err)

	unlockA()
	got, err := mr.Get(prefix + "k")
	require.NoError(t, err, "A's release must not delete B's lock")
	assert.Equal(t, tokenB, got)

	unlockB()
	assert.False(t, mr.Exists(prefix+"k"))
}
