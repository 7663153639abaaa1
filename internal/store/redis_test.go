package store

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/internal/logging"
)

func redisDriver(t *testing.T) *RedisDriver {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 15})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.Del(context.Background(), snapshotKey(CurrentSlot))
		_ = rdb.Close()
	})
	return NewRedisDriver(rdb)
}

func TestRedisDriverRoundTrip(t *testing.T) {
	d := redisDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Delete(ctx, CurrentSlot))

	_, err := d.Get(ctx, CurrentSlot)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = d.Meta(ctx, CurrentSlot)
	require.ErrorIs(t, err, ErrNotFound)

	s := NewSnapshotStore(d, staticExporter(exported), WithLogger(logging.Discard()))
	_, err = s.SaveSnapshot(ctx, "u1")
	require.NoError(t, err)

	snap, ok := s.LoadSnapshot(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, string(exported), string(snap.Data))

	info := s.CacheInfo(ctx)
	assert.True(t, info.Present)
	assert.Equal(t, "gzip", info.Format)

	require.NoError(t, s.ClearSnapshot(ctx))
	_, ok = s.LoadSnapshot(ctx)
	assert.False(t, ok)
}

func TestParseFields(t *testing.T) {
	rec, err := parseFields(CurrentSlot, "u1", "42", "1", "abc", "2024-05-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 42, rec.Size)
	assert.True(t, rec.Compressed)
	assert.Equal(t, 2024, rec.CachedAt.Year())

	_, err = parseFields(CurrentSlot, "", "1", "0", "", "")
	assert.Error(t, err)
	_, err = parseFields(CurrentSlot, "u1", "x", "0", "", "")
	assert.Error(t, err)
}
