// Package relay 把总线上被接受的事件转发到 Kafka，供下游审计或分析消费。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"realtime-sync/internal/semaphore"
)

var (
	ErrQueueFull = errors.New("relay queue full")
	ErrClosed    = errors.New("relay closed")
)

// Message 写进 Kafka 的记录
type Message struct {
	Kind          string          `json:"kind"`
	Name          string          `json:"name"`
	Seq           *int64          `json:"seq,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ServerTime    *time.Time      `json:"serverTime,omitempty"`
	ClientID      string          `json:"clientId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RelayedAt     time.Time       `json:"relayedAt"`
}

// Dispatcher 本地有界队列 + worker 异步发送 + 有限重试。
// 队列满时直接丢弃，不阻塞读协程。
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	wg     sync.WaitGroup

	// sem 限制并发的 SendMessage 数量
	sem *semaphore.Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// InFlight 同时在发的消息数上限
	InFlight int
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   256,
		Workers:     2,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		InFlight:    4,
	}
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt Options, logger *slog.Logger) *Dispatcher {
	def := DefaultOptions()
	if opt.QueueSize <= 0 {
		opt.QueueSize = def.QueueSize
	}
	if opt.Workers <= 0 {
		opt.Workers = def.Workers
	}
	if opt.MaxRetry < 0 {
		opt.MaxRetry = 0
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = def.BaseBackoff
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	if opt.InFlight <= 0 {
		opt.InFlight = def.InFlight
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger.With("component", "relay", "topic", topic),
		queue:       make(chan Message, opt.QueueSize),
		sem:         semaphore.New(opt.InFlight),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// NewProducer 同步 producer，等待 leader 落盘确认
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 1
	return sarama.NewSyncProducer(brokers, cfg)
}

// TryEnqueue 不等待；队列满返回 ErrQueueFull
func (d *Dispatcher) TryEnqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 停止接收，等队列里剩余的消息发完
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for msg := range d.queue {
		d.sendWithRetry(workerID, msg)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, msg Message) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		_ = d.sem.Acquire(context.Background())
		err := d.sendOnce(msg)
		_ = d.sem.Release()

		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			d.logger.Warn("kafka send failed, drop event",
				"event", msg.Name, "seq", msg.Seq, "worker", workerID, "err", err)
			return
		}

		// 退避，每次翻倍
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(msg Message) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(msg.Name),
		Value: sarama.ByteEncoder(b),
	})
	return err
}
