// Package store 离线快照：通过请求/响应拉取完整导出，压缩后写入本地持久化后端，
// 离线时读回并解压。
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"realtime-sync/internal/semaphore"
)

// Exporter 拉取某个用户的完整状态导出（原始字节，可能已经是 gzip）
type Exporter interface {
	Export(ctx context.Context, userID string) ([]byte, error)
}

// ExporterFunc 函数适配
type ExporterFunc func(ctx context.Context, userID string) ([]byte, error)

func (f ExporterFunc) Export(ctx context.Context, userID string) ([]byte, error) { return f(ctx, userID) }

type Snapshot struct {
	UserID        string          `json:"userId" yaml:"userId"`
	CachedAt      time.Time       `json:"cachedAt" yaml:"cachedAt"`
	SchemaVersion string          `json:"schemaVersion,omitempty" yaml:"schemaVersion,omitempty"`
	ExportedAt    string          `json:"exportedAt,omitempty" yaml:"exportedAt,omitempty"`
	Data          json.RawMessage `json:"data" yaml:"-"`
}

// CacheInfo 不解出载荷的元信息；Known=false 表示后端出错，状态未知
type CacheInfo struct {
	Known    bool      `json:"known" yaml:"known"`
	Present  bool      `json:"present" yaml:"present"`
	UserID   string    `json:"userId,omitempty" yaml:"userId,omitempty"`
	CachedAt time.Time `json:"cachedAt,omitempty" yaml:"cachedAt,omitempty"`
	Size     int       `json:"size,omitempty" yaml:"size,omitempty"`
	Format   string    `json:"format,omitempty" yaml:"format,omitempty"`
	Checksum string    `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

type SnapshotStore struct {
	driver   Driver
	exporter Exporter
	compress bool
	now      func() time.Time
	logger   *slog.Logger

	// 保存串行化，后提交者覆盖
	saves *semaphore.Semaphore
	loads singleflight.Group
}

type Option func(*SnapshotStore)

// WithCompression 导出是明文时是否先 gzip 再落盘，默认开启
func WithCompression(on bool) Option {
	return func(s *SnapshotStore) { s.compress = on }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *SnapshotStore) { s.logger = logger }
}

func WithNow(now func() time.Time) Option {
	return func(s *SnapshotStore) { s.now = now }
}

func NewSnapshotStore(driver Driver, exporter Exporter, opts ...Option) *SnapshotStore {
	s := &SnapshotStore{
		driver:   driver,
		exporter: exporter,
		compress: true,
		now:      time.Now,
		logger:   slog.Default(),
		saves:    semaphore.New(1),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "snapshot")
	return s
}

// SaveSnapshot 拉取导出并整体替换本地快照。导出失败、载荷不是合法 JSON
// 或写入事务失败都返回错误，此时旧快照保持不变。
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, userID string) (CacheInfo, error) {
	if userID == "" {
		return CacheInfo{}, errors.New("user id is empty")
	}
	if s.exporter == nil {
		return CacheInfo{}, errors.New("no exporter configured")
	}
	if err := s.saves.Acquire(ctx); err != nil {
		return CacheInfo{}, err
	}
	defer s.saves.Release()

	raw, err := s.exporter.Export(ctx, userID)
	if err != nil {
		return CacheInfo{}, fmt.Errorf("export snapshot: %w", err)
	}
	if _, err := decodePayload(raw); err != nil {
		return CacheInfo{}, fmt.Errorf("export payload: %w", err)
	}

	data := raw
	if s.compress && DetectFormat(raw) == FormatPlain {
		if data, err = Compress(raw); err != nil {
			return CacheInfo{}, fmt.Errorf("compress snapshot: %w", err)
		}
	}
	rec := Record{
		Slot:       CurrentSlot,
		UserID:     userID,
		Data:       data,
		Size:       len(data),
		Compressed: DetectFormat(data) == FormatGzip,
		Checksum:   checksum(data),
		CachedAt:   s.now().UTC(),
	}
	if err := s.driver.Put(ctx, rec); err != nil {
		return CacheInfo{}, fmt.Errorf("persist snapshot: %w", err)
	}
	s.logger.Info("snapshot saved", "user", userID, "bytes", rec.Size, "compressed", rec.Compressed)
	return infoFrom(rec), nil
}

type loadResult struct {
	snap Snapshot
	ok   bool
}

// LoadSnapshot 读取本地快照。没有快照、后端出错、解压或解析失败都返回 ok=false，
// 从不返回错误。并发调用合并为一次读取；读取不跟随单个调用方的取消，
// 每个调用方拿到自己的 Data 副本。
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) (Snapshot, bool) {
	ch := s.loads.DoChan(CurrentSlot, func() (any, error) {
		snap, ok := s.load(context.WithoutCancel(ctx))
		return loadResult{snap: snap, ok: ok}, nil
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, false
	case r := <-ch:
		res := r.Val.(loadResult)
		snap := res.snap
		snap.Data = bytes.Clone(snap.Data)
		return snap, res.ok
	}
}

func (s *SnapshotStore) load(ctx context.Context) (Snapshot, bool) {
	rec, err := s.driver.Get(ctx, CurrentSlot)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("snapshot read failed", "err", err)
		}
		return Snapshot{}, false
	}
	if rec.Checksum != "" && checksum(rec.Data) != rec.Checksum {
		s.logger.Warn("discard snapshot with checksum mismatch", "user", rec.UserID)
		return Snapshot{}, false
	}
	payload, err := decodePayload(rec.Data)
	if err != nil {
		s.logger.Warn("discard unreadable snapshot", "user", rec.UserID, "err", err)
		return Snapshot{}, false
	}
	snap := Snapshot{UserID: rec.UserID, CachedAt: rec.CachedAt, Data: payload}
	snap.SchemaVersion, snap.ExportedAt = exportMeta(payload)
	return snap, true
}

// ClearSnapshot 删除本地快照；不存在也返回 nil
func (s *SnapshotStore) ClearSnapshot(ctx context.Context) error {
	if err := s.driver.Delete(ctx, CurrentSlot); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// CacheInfo 只读元数据；后端出错时退化为 Known=false
func (s *SnapshotStore) CacheInfo(ctx context.Context) CacheInfo {
	rec, err := s.driver.Meta(ctx, CurrentSlot)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CacheInfo{Known: true}
		}
		s.logger.Warn("snapshot info unavailable", "err", err)
		return CacheInfo{}
	}
	return infoFrom(rec)
}

func (s *SnapshotStore) Close() error {
	return s.driver.Close()
}

func infoFrom(rec Record) CacheInfo {
	format := FormatPlain
	if rec.Compressed {
		format = FormatGzip
	}
	return CacheInfo{
		Known:    true,
		Present:  true,
		UserID:   rec.UserID,
		CachedAt: rec.CachedAt,
		Size:     rec.Size,
		Format:   format.String(),
		Checksum: rec.Checksum,
	}
}

// exportMeta 读取导出顶层的 schemaVersion / exportedAt，缺失时为空
func exportMeta(payload json.RawMessage) (version, exportedAt string) {
	var head struct {
		SchemaVersion json.RawMessage `json:"schemaVersion"`
		ExportedAt    string          `json:"exportedAt"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", ""
	}
	if len(head.SchemaVersion) > 0 && string(head.SchemaVersion) != "null" {
		version = strings.Trim(string(head.SchemaVersion), `"`)
	}
	return version, head.ExportedAt
}
