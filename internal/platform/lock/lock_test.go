package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLocalSerialisesSameKey(t *testing.T) {
	l := NewLocal(time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Acquire(ctx, "k")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
	require.Empty(t, l.slots)
}

func TestLocalTimesOut(t *testing.T) {
	l := NewLocal(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestLocalKeysAreIndependent(t *testing.T) {
	l := NewLocal(20 * time.Millisecond)
	ctx := context.Background()

	unlockA, err := l.Acquire(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Acquire(ctx, "b")
	require.NoError(t, err)
	unlockB()
	unlockB()
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal(time.Second)
	unlock, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, RedisConfig{TTL: time.Second, Wait: 50 * time.Millisecond, Backoff: 5 * time.Millisecond})
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "stock:k")
	require.NoError(t, err)
	require.True(t, mr.Exists("stock:k"))

	_, err = l.Acquire(ctx, "stock:k")
	require.ErrorIs(t, err, ErrTimeout)

	other, err := l.Acquire(ctx, "stock:other")
	require.NoError(t, err)
	other()

	unlock()
	require.False(t, mr.Exists("stock:k"))

	again, err := l.Acquire(ctx, "stock:k")
	require.NoError(t, err)
	again()
}
