package eventbus

import (
	"log/slog"
	"sync/atomic"

	"realtime-sync/internal/events"
)

// Failure 某个回调处理事件失败
type Failure struct {
	Kind       events.Kind
	Name       string
	ListenerID uint64
	Err        error
}

// ErrorReporter 接收回调失败；实现不能阻塞发布方
type ErrorReporter interface {
	ReportListenerFailure(f Failure)
}

// LogReporter 默认实现：记一条 error 日志
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) ReportListenerFailure(f Failure) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("event listener failed",
		"kind", string(f.Kind),
		"event", f.Name,
		"listener", f.ListenerID,
		"err", f.Err)
}

// ChannelReporter 把失败写进有界 channel，满了就丢弃并计数
type ChannelReporter struct {
	ch      chan Failure
	dropped atomic.Uint64
}

func NewChannelReporter(size int) *ChannelReporter {
	if size <= 0 {
		size = 64
	}
	return &ChannelReporter{ch: make(chan Failure, size)}
}

func (r *ChannelReporter) ReportListenerFailure(f Failure) {
	select {
	case r.ch <- f:
	default:
		r.dropped.Add(1)
	}
}

// C 只读的失败通道
func (r *ChannelReporter) C() <-chan Failure { return r.ch }

// Dropped 因通道满被丢弃的失败数
func (r *ChannelReporter) Dropped() uint64 { return r.dropped.Load() }
