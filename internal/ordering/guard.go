// Package ordering 按事件类型丢弃过期或重复的投递。
package ordering

import (
	"log/slog"
	"sync"
)

// Guard 每个事件类型一个游标（最后接受的序号）。
// 序号严格大于游标才接受；无序号的消息直接放行且不更新游标。
type Guard struct {
	mu      sync.Mutex
	cursors map[string]int64
	logger  *slog.Logger
}

func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cursors: make(map[string]int64), logger: logger}
}

// Admit 比较并更新游标，返回是否应投递给事件总线
func (g *Guard) Admit(eventName string, seq *int64) bool {
	if seq == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cursor := g.cursors[eventName]
	if *seq <= cursor {
		g.logger.Debug("drop stale delivery", "event", eventName, "seq", *seq, "cursor", cursor)
		return false
	}
	g.cursors[eventName] = *seq
	return true
}

// Reset 清空所有游标；只在连接重新建立时调用
func (g *Guard) Reset() {
	g.mu.Lock()
	clear(g.cursors)
	g.mu.Unlock()
}

// Cursor 查询某事件类型的游标，未见过时为 0
func (g *Guard) Cursor(eventName string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cursors[eventName]
}

// Snapshot 复制一份当前游标表（状态接口用）
func (g *Guard) Snapshot() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.cursors))
	for k, v := range g.cursors {
		out[k] = v
	}
	return out
}
