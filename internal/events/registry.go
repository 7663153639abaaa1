package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type decoder func(json.RawMessage) (any, error)

type registration struct {
	kind   Kind
	decode decoder
}

// Registry 线上事件名 -> (种类, 载荷解码器)
type Registry struct {
	byName map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registration)}
}

// Register 注册一个事件名及其载荷类型
func Register[T any](r *Registry, name string, kind Kind) {
	r.byName[name] = registration{
		kind: kind,
		decode: func(raw json.RawMessage) (any, error) {
			var v T
			if len(raw) == 0 {
				return v, nil
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// DefaultRegistry 已知的服务端推送事件
func DefaultRegistry() *Registry {
	r := NewRegistry()
	Register[Presence](r, string(KindPresence), KindPresence)
	Register[Notification](r, string(KindNotification), KindNotification)
	Register[SubstrateUpdated](r, string(KindSubstrateUpdated), KindSubstrateUpdated)
	Register[RoomMembership](r, string(KindRoomJoined), KindRoomJoined)
	Register[RoomMembership](r, string(KindRoomLeft), KindRoomLeft)
	return r
}

// Known 事件名是否已注册
func (r *Registry) Known(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Decode 把入站消息转成强类型事件；未知事件名或解码失败都走 Unrecognized
func (r *Registry) Decode(in Inbound) Event {
	ev := Event{
		Name:          in.Name,
		Seq:           in.Envelope.Seq,
		CorrelationID: in.Envelope.RID,
	}
	if in.Envelope.TS != "" {
		if ts, err := time.Parse(time.RFC3339Nano, in.Envelope.TS); err == nil {
			ev.ServerTime = ts
		}
	}
	reg, ok := r.byName[in.Name]
	if !ok {
		ev.Kind = KindUnrecognized
		ev.Payload = Unrecognized{Name: in.Name, Raw: in.Data}
		return ev
	}
	payload, err := reg.decode(in.Data)
	if err != nil {
		ev.Kind = KindUnrecognized
		ev.Payload = Unrecognized{Name: in.Name, Raw: in.Data, Err: fmt.Errorf("decode %s: %w", in.Name, err)}
		return ev
	}
	ev.Kind = reg.kind
	ev.Payload = payload
	return ev
}
