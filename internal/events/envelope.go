package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

var ErrMissingEventName = errors.New("frame has no event name")

// Frame 线上帧：{"event": "<name>", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope data 中的元数据字段，其余字段属于具体事件
type Envelope struct {
	Seq *int64 `json:"_seq,omitempty"`
	RID string `json:"_rid,omitempty"`
	Evt string `json:"_evt,omitempty"`
	TS  string `json:"ts,omitempty"`
}

// rawEnvelope 元数据先按原始 JSON 读出，类型不对的字段单独丢弃，不影响事件本身
type rawEnvelope struct {
	Seq json.RawMessage `json:"_seq"`
	RID json.RawMessage `json:"_rid"`
	Evt json.RawMessage `json:"_evt"`
	TS  json.RawMessage `json:"ts"`
}

func (r rawEnvelope) envelope() Envelope {
	return Envelope{
		Seq: seqValue(r.Seq),
		RID: scalarText(r.RID),
		Evt: stringValue(r.Evt),
		TS:  stringValue(r.TS),
	}
}

// seqValue 接受整数，以及 5.0 这种整数值的浮点；其他视为无序号
func seqValue(raw json.RawMessage) *int64 {
	var n json.Number
	if len(raw) == 0 || json.Unmarshal(raw, &n) != nil {
		return nil
	}
	if v, err := n.Int64(); err == nil {
		return &v
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return nil
	}
	v := int64(f)
	return &v
}

func stringValue(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// scalarText _rid 是不透明值：字符串取原文，数字保留字面量，对象、数组、null 忽略
func scalarText(raw json.RawMessage) string {
	if s := stringValue(raw); s != "" {
		return s
	}
	var n json.Number
	if len(raw) == 0 || json.Unmarshal(raw, &n) != nil {
		return ""
	}
	return n.String()
}

// Inbound 解析后的入站消息
type Inbound struct {
	Name     string
	Envelope Envelope
	Data     json.RawMessage
}

// ParseFrame 解析入站帧。event 为空时退回使用 data._evt。
func ParseFrame(b []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Inbound{}, fmt.Errorf("parse frame: %w", err)
	}
	var env Envelope
	if isObject(f.Data) {
		var raw rawEnvelope
		if err := json.Unmarshal(f.Data, &raw); err != nil {
			return Inbound{}, fmt.Errorf("parse envelope: %w", err)
		}
		env = raw.envelope()
	}
	name := f.Event
	if name == "" {
		name = env.Evt
	}
	if name == "" {
		return Inbound{}, ErrMissingEventName
	}
	return Inbound{Name: name, Envelope: env, Data: f.Data}, nil
}

// NewFrame 构造出站帧。载荷是对象且没有 _rid 时补一个 uuid 作为关联 ID。
func NewFrame(name string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", name, err)
		}
		data = b
	}
	if isObject(data) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err == nil {
			if _, ok := fields["_rid"]; !ok {
				rid, _ := json.Marshal(uuid.NewString())
				fields["_rid"] = rid
				if b, err := json.Marshal(fields); err == nil {
					data = b
				}
			}
		}
	}
	return json.Marshal(Frame{Event: name, Data: data})
}

func isObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}
