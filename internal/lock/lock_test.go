package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationKey(t *testing.T) {
	assert.Equal(t, "me@example.com:42", NotificationKey(" Me@Example.com", 42))
}

func TestMemoryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	unlock, ok := m.TryLock(ctx, "a:1")
	require.True(t, ok)
	assert.True(t, m.Held("a:1"))

	_, ok = m.TryLock(ctx, "a:1")
	assert.False(t, ok)

	other, ok := m.TryLock(ctx, "a:2")
	require.True(t, ok)

	unlock()
	unlock()
	assert.False(t, m.Held("a:1"))
	assert.Equal(t, 1, m.Len())

	again, ok := m.TryLock(ctx, "a:1")
	require.True(t, ok)
	again()
	other()
	assert.Equal(t, 0, m.Len())
}

func TestMemoryLockSingleWinner(t *testing.T) {
	m := NewMemory()
	var winners int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := m.TryLock(context.Background(), "me@example.com:9"); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestRedisLockFallsBackToLocal(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedis(client, time.Minute)
	defer r.Close()

	ctx := context.Background()
	unlock, ok := r.TryLock(ctx, "a:1")
	require.True(t, ok)

	_, ok = r.TryLock(ctx, "a:1")
	assert.False(t, ok)

	unlock()
	assert.False(t, r.local.Held("a:1"))
}

func TestNewRedisFromURL(t *testing.T) {
	_, err := NewRedisFromURL("not a url", time.Minute)
	assert.Error(t, err)

	r, err := NewRedisFromURL("redis://localhost:6379/0", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}
