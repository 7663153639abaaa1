package clock

import (
	"log/slog"
	"sync"
	"time"
)

// Synchronizer 维护本地时钟与服务端时钟的偏移估计。
// 每条带服务端时间戳的入站消息都会覆盖旧的估计（最近一次采样最准，不做平滑）。
type Synchronizer struct {
	mu       sync.RWMutex
	offset   time.Duration
	sampled  bool
	sampleAt time.Time

	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Synchronizer)

// WithNow 替换本地时钟（测试用）
func WithNow(now func() time.Time) Option {
	return func(s *Synchronizer) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe 用服务端时间戳重新计算偏移：serverTimestamp - localNow。
// 空串或无法解析的时间戳直接忽略，不返回错误。
func (s *Synchronizer) Observe(serverTimestamp string) {
	if serverTimestamp == "" {
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, serverTimestamp)
	if err != nil {
		s.logger.Debug("ignore unparsable server timestamp", "ts", serverTimestamp, "err", err)
		return
	}
	s.ObserveTime(ts)
}

// ObserveTime 同 Observe，参数是已解析的时间
func (s *Synchronizer) ObserveTime(serverTime time.Time) {
	if serverTime.IsZero() {
		return
	}
	local := s.now()
	s.mu.Lock()
	s.offset = serverTime.Sub(local)
	s.sampled = true
	s.sampleAt = local
	s.mu.Unlock()
}

// Offset 当前偏移；从未采样时为 0
func (s *Synchronizer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Sampled 是否至少收到过一次服务端时间戳，以及最近采样的本地时间
func (s *Synchronizer) Sampled() (bool, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampled, s.sampleAt
}

// ToServer 把本地时间换算成估计的服务端时间
func (s *Synchronizer) ToServer(local time.Time) time.Time {
	return local.Add(s.Offset())
}

// ServerNow 估计的服务端当前时间
func (s *Synchronizer) ServerNow() time.Time {
	return s.ToServer(s.now())
}
