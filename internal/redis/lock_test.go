package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestWithLockReleasesAfterRun(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)

	ran := false
	err := locker.WithLock(context.Background(), ClinicLockKey("c-1"), func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:policy:c-1"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:policy:c-1"))
}

func TestWithLockContended(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)

	require.NoError(t, mr.Set("lock:slot:s-1", "someone-else"))

	err := locker.WithLock(context.Background(), SlotLockKey("s-1"), func(ctx context.Context) error {
		t.Fatal("critical section must not run")
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	val, err := mr.Get("lock:slot:s-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val, "foreign lock must not be released")
}

func TestWithLocksAllOrNothing(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)

	require.NoError(t, mr.Set("lock:slot:s-2", "held"))

	err := locker.WithLocks(context.Background(), []string{"slot:s-3", "slot:s-1", "slot:s-2"}, func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	assert.False(t, mr.Exists("lock:slot:s-1"), "partially acquired locks must be released")
	assert.False(t, mr.Exists("lock:slot:s-3"))
}

func TestWithLocksPropagatesError(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)

	boom := errors.New("boom")
	err := locker.WithLocks(context.Background(), []string{"slot:a", "slot:a", "slot:b"}, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestUniqueSorted(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, uniqueSorted([]string{"c", "a", "b", "a"}))
}
