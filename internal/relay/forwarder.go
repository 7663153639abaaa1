package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"realtime-sync/internal/eventbus"
	"realtime-sync/internal/events"
)

// Forwarder 订阅若干事件种类，把每个事件转成 Message 投进 Dispatcher
type Forwarder struct {
	d        *Dispatcher
	clientID string
	logger   *slog.Logger
}

func NewForwarder(d *Dispatcher, clientID string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{d: d, clientID: clientID, logger: logger.With("component", "relay")}
}

// Attach 订阅 kinds，返回统一的退订函数
func (f *Forwarder) Attach(bus *eventbus.Bus, kinds []events.Kind) eventbus.Unsubscribe {
	m := make(map[events.Kind]eventbus.Listener, len(kinds))
	for _, k := range kinds {
		m[k] = f.forward
	}
	return bus.SubscribeMany(m)
}

func (f *Forwarder) forward(ev events.Event) error {
	msg, err := f.message(ev)
	if err != nil {
		return err
	}
	if err := f.d.TryEnqueue(msg); err != nil {
		if errors.Is(err, ErrQueueFull) {
			f.logger.Warn("relay queue full, drop event", "event", ev.Name)
			return nil
		}
		return err
	}
	return nil
}

func (f *Forwarder) message(ev events.Event) (Message, error) {
	msg := Message{
		Kind:          string(ev.Kind),
		Name:          ev.Name,
		Seq:           ev.Seq,
		CorrelationID: ev.CorrelationID,
		ClientID:      f.clientID,
		RelayedAt:     time.Now().UTC(),
	}
	if !ev.ServerTime.IsZero() {
		t := ev.ServerTime
		msg.ServerTime = &t
	}
	switch p := ev.Payload.(type) {
	case nil:
	case events.Unrecognized:
		msg.Payload = p.Raw
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = b
	}
	return msg, nil
}
