package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func snapshotKey(slot string) string { return "substrate:snapshot:" + slot }

// RedisDriver 快照存成一个 hash；Put 用 MULTI/EXEC 先删后写，保证整条替换
type RedisDriver struct {
	rdb *redis.Client
}

func NewRedisDriver(rdb *redis.Client) *RedisDriver {
	return &RedisDriver{rdb: rdb}
}

// OpenRedis 建立客户端并 PING 一次
func OpenRedis(ctx context.Context, addr, password string) (*RedisDriver, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisDriver(rdb), nil
}

func (d *RedisDriver) Put(ctx context.Context, rec Record) error {
	key := snapshotKey(rec.Slot)
	tx := d.rdb.TxPipeline()
	tx.Del(ctx, key)
	tx.HSet(ctx, key,
		"userId", rec.UserID,
		"data", rec.Data,
		"size", rec.Size,
		"compressed", rec.Compressed,
		"checksum", rec.Checksum,
		"cachedAt", rec.CachedAt.UTC().Format(time.RFC3339Nano),
	)
	_, err := tx.Exec(ctx)
	return err
}

func (d *RedisDriver) Get(ctx context.Context, slot string) (Record, error) {
	m, err := d.rdb.HGetAll(ctx, snapshotKey(slot)).Result()
	if err != nil {
		return Record{}, err
	}
	if len(m) == 0 {
		return Record{}, ErrNotFound
	}
	rec, err := parseFields(slot, m["userId"], m["size"], m["compressed"], m["checksum"], m["cachedAt"])
	if err != nil {
		return Record{}, err
	}
	rec.Data = []byte(m["data"])
	return rec, nil
}

func (d *RedisDriver) Meta(ctx context.Context, slot string) (Record, error) {
	vals, err := d.rdb.HMGet(ctx, snapshotKey(slot), "userId", "size", "compressed", "checksum", "cachedAt").Result()
	if err != nil {
		return Record{}, err
	}
	fields := make([]string, len(vals))
	present := false
	for i, v := range vals {
		if s, ok := v.(string); ok {
			fields[i] = s
			present = true
		}
	}
	if !present {
		return Record{}, ErrNotFound
	}
	return parseFields(slot, fields[0], fields[1], fields[2], fields[3], fields[4])
}

func (d *RedisDriver) Delete(ctx context.Context, slot string) error {
	return d.rdb.Del(ctx, snapshotKey(slot)).Err()
}

func (d *RedisDriver) Close() error {
	return d.rdb.Close()
}

func parseFields(slot, userID, size, compressed, sum, cachedAt string) (Record, error) {
	rec := Record{Slot: slot, UserID: userID, Checksum: sum}
	var err error
	if size != "" {
		if rec.Size, err = strconv.Atoi(size); err != nil {
			return Record{}, fmt.Errorf("snapshot size: %w", err)
		}
	}
	// go-redis 把 bool 写成 "1"/"0"
	rec.Compressed = compressed == "1" || compressed == "true"
	if cachedAt != "" {
		if rec.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAt); err != nil {
			return Record{}, fmt.Errorf("snapshot cachedAt: %w", err)
		}
	}
	if userID == "" {
		return Record{}, errors.New("snapshot record missing userId")
	}
	return rec, nil
}
