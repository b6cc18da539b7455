package lock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.TryLock(ctx, "user-1")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "user-1")
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.TryLock(ctx, "user-2")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	again, err := l.TryLock(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocalLocker_Concurrent(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryLock(ctx, "user-1"); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLocker(client, time.Minute)
	key := "test-" + uuid.NewString()

	release, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	_, err = l.TryLock(ctx, key)
	assert.ErrorIs(t, err, ErrHeld)
	require.NoError(t, release(ctx))

	release, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
