package ws

import "time"

// Options 连接参数；默认值与服务端约定一致（5 次、间隔 1s、防抖 2s）
type Options struct {
	URL string

	AutoReconnect     bool
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDebounce time.Duration

	HandshakeTimeout time.Duration
	// PingInterval <= 0 时不发心跳，也不设置读超时
	PingInterval  time.Duration
	SendQueueSize int
}

func DefaultOptions() Options {
	return Options{
		AutoReconnect:     true,
		ReconnectAttempts: 5,
		ReconnectDelay:    1000 * time.Millisecond,
		ReconnectDebounce: 2000 * time.Millisecond,
		HandshakeTimeout:  10 * time.Second,
		PingInterval:      25 * time.Second,
		SendQueueSize:     64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.ReconnectDebounce <= 0 {
		o.ReconnectDebounce = d.ReconnectDebounce
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	return o
}
