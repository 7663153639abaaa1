package ws

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed 握手鉴权失败；本次连接不再重试，但允许之后显式重连
	ErrAuthFailed = errors.New("handshake authentication failed")
	ErrClosed     = errors.New("connection manager closed")

	errAborted = errors.New("connect aborted")
)

// AuthError 带上服务端返回的状态码与原因；errors.Is(err, ErrAuthFailed) 为真
type AuthError struct {
	Status int
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%v: %s", ErrAuthFailed, e.Reason)
	}
	return fmt.Sprintf("%v: status %d: %s", ErrAuthFailed, e.Status, e.Reason)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAuthFailed}
	}
	return []error{ErrAuthFailed, e.Err}
}
