package main

import (
	"errors"
	"os"

	"realtime-sync/internal/ws"
)

// 退出码：1 一般错误，2 参数或配置错误，3 鉴权失败（需要重新登录）
const (
	exitFailure      = 1
	exitCommandError = 2
	exitAuthFailed   = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func commandError(err error) error { return &exitError{code: exitCommandError, err: err} }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, ws.ErrAuthFailed) {
		return exitAuthFailed
	}
	return exitFailure
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
