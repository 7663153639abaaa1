package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CurrentSlot 唯一的快照记录键；每次保存整体覆盖
const CurrentSlot = "current"

var ErrNotFound = errors.New("snapshot not found")

// Record 一条持久化的快照记录。Meta 读取时 Data 为空。
type Record struct {
	Slot       string
	UserID     string
	Data       []byte
	Size       int
	Compressed bool
	Checksum   string
	CachedAt   time.Time
}

// Driver 本地持久化后端。Put 必须是整条替换的事务写入：要么全部提交，要么不变。
type Driver interface {
	Put(ctx context.Context, rec Record) error
	// Get 不存在时返回 ErrNotFound
	Get(ctx context.Context, slot string) (Record, error)
	// Meta 只读元数据，不取 Data
	Meta(ctx context.Context, slot string) (Record, error)
	// Delete 不存在时不报错
	Delete(ctx context.Context, slot string) error
	Close() error
}

func checksum(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
