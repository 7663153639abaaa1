// Package events 定义推送连接上的事件种类、线上信封格式以及强类型载荷。
package events

import (
	"encoding/json"
	"time"
)

// Kind 是封闭的事件种类集合。线上出现的未知事件名统一归入 KindUnrecognized。
type Kind string

const (
	// 本地产生的连接状态事件，不接受来自服务端的同名消息
	KindConnectionState Kind = "connection:state"
	KindAuthError       Kind = "connection:auth_error"

	KindPresence         Kind = "presence"
	KindNotification     Kind = "notification"
	KindSubstrateUpdated Kind = "substrate:updated"
	KindRoomJoined       Kind = "room:joined"
	KindRoomLeft         Kind = "room:left"

	KindUnrecognized Kind = "unrecognized"
)

// ParseKind 配置中的种类名转成 Kind；未知名字返回 false
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindConnectionState, KindAuthError, KindPresence, KindNotification,
		KindSubstrateUpdated, KindRoomJoined, KindRoomLeft, KindUnrecognized:
		return k, true
	}
	return "", false
}

// Event 经过排序与时钟处理后交给事件总线的事件
type Event struct {
	Kind Kind
	// Name 线上事件名；已知种类时与 Kind 相同
	Name          string
	Seq           *int64
	CorrelationID string
	ServerTime    time.Time
	Payload       any
}

// PayloadAs 取出强类型载荷
func PayloadAs[T any](ev Event) (T, bool) {
	v, ok := ev.Payload.(T)
	return v, ok
}

type Presence struct {
	UserID string `json:"userId"`
	Room   string `json:"room,omitempty"`
	Status string `json:"status"`
}

type Notification struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Level string `json:"level,omitempty"`
}

// SubstrateUpdated 服务端提示离线快照已过期，可以重新拉取
type SubstrateUpdated struct {
	UserID   string `json:"userId"`
	Revision int64  `json:"revision"`
}

type RoomMembership struct {
	Room string `json:"room"`
}

// StateChange 连接状态迁移
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
	Err  string `json:"err,omitempty"`
}

// AuthFailure 握手阶段鉴权失败（401/403）
type AuthFailure struct {
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Unrecognized 未注册的事件名，保留原始数据
type Unrecognized struct {
	Name string
	Raw  json.RawMessage
	// Err 已注册但载荷解码失败时非空
	Err error
}
