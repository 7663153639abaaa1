// Package synccore 组装同步核心：一个 Service 持有连接、排序游标、时钟、事件总线和离线快照，
// 由应用入口构造一次并注入给使用方。
package synccore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"realtime-sync/config"
	"realtime-sync/internal/clock"
	"realtime-sync/internal/credentials"
	"realtime-sync/internal/eventbus"
	"realtime-sync/internal/events"
	"realtime-sync/internal/export"
	"realtime-sync/internal/ordering"
	"realtime-sync/internal/relay"
	"realtime-sync/internal/semaphore"
	"realtime-sync/internal/store"
	"realtime-sync/internal/ws"
)

type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	Bus   *eventbus.Bus
	Clock *clock.Synchronizer
	Guard *ordering.Guard
	Conn  *ws.Manager
	Store *store.SnapshotStore

	producer   sarama.SyncProducer
	dispatcher *relay.Dispatcher
	// 后台刷新快照同时只跑一个
	refresh  *semaphore.Semaphore
	teardown []eventbus.Unsubscribe
}

// Status 连接、时钟、订阅与缓存的汇总
type Status struct {
	Connection  ws.Status        `json:"connection" yaml:"connection"`
	ClockOffset string           `json:"clockOffset" yaml:"clockOffset"`
	ClockSynced bool             `json:"clockSynced" yaml:"clockSynced"`
	Listeners   int              `json:"listeners" yaml:"listeners"`
	Cursors     map[string]int64 `json:"cursors" yaml:"cursors"`
	Cache       store.CacheInfo  `json:"cache" yaml:"cache"`
	Relay       bool             `json:"relay" yaml:"relay"`
}

type Option func(*options)

type options struct {
	reporter eventbus.ErrorReporter
	producer sarama.SyncProducer
}

// WithReporter 监听器失败改投到指定的 reporter
func WithReporter(r eventbus.ErrorReporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithProducer 使用外部提供的 Kafka producer（测试里传 mocks）
func WithProducer(p sarama.SyncProducer) Option {
	return func(o *options) { o.producer = p }
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	busOpts := []eventbus.Option{eventbus.WithLogger(logger)}
	if o.reporter != nil {
		busOpts = append(busOpts, eventbus.WithReporter(o.reporter))
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger.With("component", "synccore"),
		Bus:     eventbus.New(busOpts...),
		Clock:   clock.New(clock.WithLogger(logger)),
		Guard:   ordering.NewGuard(logger),
		refresh: semaphore.New(1),
	}

	creds := CredentialSource(cfg)
	s.Conn = ws.NewManager(ConnectionOptions(cfg), s.Bus, s.Guard, s.Clock,
		ws.WithCredentials(creds),
		ws.WithLogger(logger),
	)

	snapshots, err := OpenStore(ctx, cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	s.Store = snapshots
	s.teardown = append(s.teardown, s.Bus.Subscribe(events.KindSubstrateUpdated, s.onSubstrateUpdated))

	if cfg.Relay.Enabled {
		if err := s.startRelay(o.producer); err != nil {
			_ = s.Store.Close()
			return nil, err
		}
	}
	return s, nil
}

// CredentialSource 优先 cookie；有 tokenFile 时每次握手重新读文件，拿到最新的令牌
func CredentialSource(cfg *config.Config) credentials.Source {
	if cfg.Auth.TokenFile != "" {
		return credentials.FileTokenSource{Path: cfg.Auth.TokenFile, Cookie: cfg.Auth.Cookie}
	}
	return credentials.Static(credentials.Credentials{Cookie: cfg.Auth.Cookie, Token: cfg.Auth.Token})
}

func ConnectionOptions(cfg *config.Config) ws.Options {
	c := cfg.Connection
	return ws.Options{
		URL:               cfg.Server.URL,
		AutoReconnect:     c.AutoReconnect,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
		ReconnectDebounce: c.ReconnectDebounce,
		HandshakeTimeout:  c.HandshakeTimeout,
		PingInterval:      c.PingInterval,
		SendQueueSize:     c.SendQueueSize,
	}
}

// OpenStore 只打开离线快照，不需要连接（CLI 的 snapshot 子命令直接用）
func OpenStore(ctx context.Context, cfg *config.Config, creds credentials.Source, logger *slog.Logger) (*store.SnapshotStore, error) {
	var (
		driver store.Driver
		err    error
	)
	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		driver, err = store.OpenMySQL(cfg.Storage.MySQLDSN, logger)
	case config.DriverRedis:
		driver, err = store.OpenRedis(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword)
	case config.DriverSQLite, "":
		driver, err = store.OpenSQLite(cfg.Storage.SQLitePath, logger)
	default:
		err = fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot storage: %w", err)
	}
	var exporter store.Exporter
	if cfg.Server.ExportURL != "" {
		exporter = export.New(cfg.Server.ExportURL, creds)
	}
	return store.NewSnapshotStore(driver, exporter,
		store.WithCompression(cfg.Storage.Compress),
		store.WithLogger(logger),
	), nil
}

func (s *Service) startRelay(producer sarama.SyncProducer) error {
	if producer == nil {
		p, err := relay.NewProducer(s.cfg.Relay.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		producer = p
	}
	s.producer = producer
	r := s.cfg.Relay
	s.dispatcher = relay.NewDispatcher(producer, r.Topic, relay.Options{
		QueueSize:   r.QueueSize,
		Workers:     r.Workers,
		MaxRetry:    r.MaxRetry,
		BaseBackoff: r.BaseBackoff,
		MaxBackoff:  r.MaxBackoff,
	}, s.logger)

	kinds := make([]events.Kind, 0, len(r.Kinds))
	for _, k := range r.Kinds {
		kind, ok := events.ParseKind(k)
		if !ok {
			s.logger.Warn("ignore unknown relay kind", "kind", k)
			continue
		}
		kinds = append(kinds, kind)
	}
	fwd := relay.NewForwarder(s.dispatcher, s.Conn.Status().ClientID, s.logger)
	s.teardown = append(s.teardown, fwd.Attach(s.Bus, kinds))
	s.logger.Info("relay enabled", "topic", r.Topic, "kinds", len(kinds))
	return nil
}

// onSubstrateUpdated 服务端提示快照过期时后台刷新；已有刷新在跑就跳过
func (s *Service) onSubstrateUpdated(ev events.Event) error {
	p, ok := events.PayloadAs[events.SubstrateUpdated](ev)
	if !ok || p.UserID == "" {
		return nil
	}
	if !s.refresh.TryAcquire() {
		s.logger.Debug("snapshot refresh already running", "user", p.UserID)
		return nil
	}
	go func() {
		defer s.refresh.Release()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Store.SaveSnapshot(ctx, p.UserID); err != nil {
			s.logger.Warn("snapshot refresh failed", "user", p.UserID, "revision", p.Revision, "err", err)
		}
	}()
	return nil
}

// Start 建立推送连接；鉴权失败会返回 ws.ErrAuthFailed
func (s *Service) Start(ctx context.Context) error {
	return s.Conn.Connect(ctx)
}

func (s *Service) Status(ctx context.Context) Status {
	synced, _ := s.Clock.Sampled()
	return Status{
		Connection:  s.Conn.Status(),
		ClockOffset: s.Clock.Offset().String(),
		ClockSynced: synced,
		Listeners:   s.Bus.ListenerCount(),
		Cursors:     s.Guard.Snapshot(),
		Cache:       s.Store.CacheInfo(ctx),
		Relay:       s.dispatcher != nil,
	}
}

func (s *Service) Reconnect() { s.Conn.Reconnect() }

func (s *Service) JoinRoom(room string) error { return s.Conn.JoinRoom(room) }

func (s *Service) LeaveRoom(room string) error { return s.Conn.LeaveRoom(room) }

func (s *Service) SaveSnapshot(ctx context.Context, userID string) (store.CacheInfo, error) {
	return s.Store.SaveSnapshot(ctx, userID)
}

func (s *Service) LoadSnapshot(ctx context.Context) (store.Snapshot, bool) {
	return s.Store.LoadSnapshot(ctx)
}

func (s *Service) CacheInfo(ctx context.Context) store.CacheInfo {
	return s.Store.CacheInfo(ctx)
}

func (s *Service) ClearSnapshot(ctx context.Context) error {
	return s.Store.ClearSnapshot(ctx)
}

// Close 断开连接，发完 relay 队列，关闭存储
func (s *Service) Close() error {
	for _, unsub := range s.teardown {
		unsub()
	}
	s.Conn.Close()
	var errs []error
	if s.dispatcher != nil {
		s.dispatcher.Close()
		if err := s.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka producer: %w", err))
		}
	}
	// 等后台刷新结束再关存储
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.refresh.Acquire(ctx); err == nil {
		defer s.refresh.Release()
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close snapshot storage: %w", err))
	}
	return errors.Join(errs...)
}
