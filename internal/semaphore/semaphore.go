package semaphore

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAcquireTimeout = errors.New("semaphore acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore release failed: not acquired")
)

// Semaphore 基于带缓冲 channel 的计数信号量
type Semaphore struct {
	ch chan struct{}
}

func New(size int) *Semaphore {
	if size <= 0 {
		size = 1
	}
	return &Semaphore{ch: make(chan struct{}, size)}
}

// Acquire 阻塞直到拿到名额或 ctx 结束；返回的错误同时匹配 ErrAcquireTimeout 和 ctx.Err()
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}
}

// TryAcquire 不等待
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前被占用的名额
func (s *Semaphore) InUse() int { return len(s.ch) }
