// Package eventbus 进程内的一对多事件分发。
//
// 订阅者之间互相隔离：某个回调返回错误或 panic 只会被记录到 ErrorReporter，
// 不会影响其它回调，也不会影响发布方。
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"realtime-sync/internal/events"
)

// Listener 事件回调
type Listener func(ev events.Event) error

// Unsubscribe 取消订阅；可重复调用
type Unsubscribe func()

// Result 单个回调的执行结果
type Result struct {
	ListenerID uint64
	Err        error
}

// Report 一次 Publish 的汇总
type Report struct {
	Kind      events.Kind
	Attempted int
	Results   []Result
}

// Failed 失败的回调数
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

type Bus struct {
	mu sync.RWMutex
	// kind -> set of listeners（用注册 ID 区分同一个函数的多次注册）
	listeners map[events.Kind]map[uint64]Listener
	nextID    uint64

	reporter ErrorReporter
	logger   *slog.Logger
}

type Option func(*Bus)

func WithReporter(r ErrorReporter) Option {
	return func(b *Bus) {
		b.reporter = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[events.Kind]map[uint64]Listener),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reporter == nil {
		b.reporter = LogReporter{Logger: b.logger}
	}
	return b
}

// Subscribe 注册回调，返回只移除这一次注册的 Unsubscribe。
// 注册以返回的句柄区分：同一个函数注册两次就是两条注册，每次发布各调用一次。
func (b *Bus) Subscribe(kind events.Kind, l Listener) Unsubscribe {
	if l == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[uint64]Listener)
	}
	b.listeners[kind][id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

// SubscribeMany 一次注册多个种类，返回一个统一的取消函数
func (b *Bus) SubscribeMany(m map[events.Kind]Listener) Unsubscribe {
	unsubs := make([]Unsubscribe, 0, len(m))
	for kind, l := range m {
		unsubs = append(unsubs, b.Subscribe(kind, l))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) remove(kind events.Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.listeners[kind]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.listeners, kind)
		}
	}
}

// Publish 同步投递给发布时刻已注册的全部回调。
// 投递过程中取消的订阅对本次发布不生效，只影响之后的发布。
func (b *Bus) Publish(ev events.Event) Report {
	b.mu.RLock()
	set := b.listeners[ev.Kind]
	ids := make([]uint64, 0, len(set))
	ls := make([]Listener, 0, len(set))
	for id, l := range set {
		ids = append(ids, id)
		ls = append(ls, l)
	}
	b.mu.RUnlock()

	report := Report{Kind: ev.Kind, Attempted: len(ls), Results: make([]Result, 0, len(ls))}
	for i, l := range ls {
		err := invoke(l, ev)
		report.Results = append(report.Results, Result{ListenerID: ids[i], Err: err})
		if err != nil {
			b.reporter.ReportListenerFailure(Failure{
				Kind:       ev.Kind,
				Name:       ev.Name,
				ListenerID: ids[i],
				Err:        err,
			})
		}
	}
	return report
}

func invoke(l Listener, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l(ev)
}

// ListenerCount 不传参数时返回全部回调数，否则只统计给定种类
func (b *Bus) ListenerCount(kinds ...events.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	if len(kinds) == 0 {
		for _, set := range b.listeners {
			n += len(set)
		}
		return n
	}
	for _, k := range kinds {
		n += len(b.listeners[k])
	}
	return n
}

// Kinds 当前有订阅者的种类
func (b *Bus) Kinds() []events.Kind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]events.Kind, 0, len(b.listeners))
	for k := range b.listeners {
		out = append(out, k)
	}
	return out
}
