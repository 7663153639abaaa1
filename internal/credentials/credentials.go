// Package credentials 只负责把已有凭证附加到握手请求上，不负责获取凭证。
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

var ErrNoCredentials = errors.New("no credentials available")

// Credentials 握手时使用的凭证。Cookie 是环境凭证（优先），Token 是显式保存的令牌。
type Credentials struct {
	Cookie string
	Token  string
}

// Ambient 是否有 cookie 类环境凭证
func (c Credentials) Ambient() bool { return c.Cookie != "" }

func (c Credentials) Empty() bool { return c.Cookie == "" && c.Token == "" }

// Source 每次握手前调用，拿到的是当时最新的凭证
type Source interface {
	Credentials(ctx context.Context) (Credentials, error)
}

type SourceFunc func(ctx context.Context) (Credentials, error)

func (f SourceFunc) Credentials(ctx context.Context) (Credentials, error) { return f(ctx) }

// Static 固定凭证
func Static(c Credentials) Source {
	return SourceFunc(func(context.Context) (Credentials, error) { return c, nil })
}

// FileTokenSource 每次都重新读取令牌文件，令牌被外部刷新后下次握手即生效
type FileTokenSource struct {
	Path   string
	Cookie string
}

func (s FileTokenSource) Credentials(context.Context) (Credentials, error) {
	c := Credentials{Cookie: s.Cookie}
	if s.Path == "" {
		return c, nil
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, fmt.Errorf("read token file: %w", err)
	}
	c.Token = strings.TrimSpace(string(b))
	return c, nil
}

// Apply 把凭证写进握手请求。
// 有 cookie 时只带 cookie；否则带 Authorization: Bearer，同时写 ?token=（浏览器 WebSocket 不能自定义 header，服务端两处都会读）。
func Apply(c Credentials, u *url.URL, h http.Header) {
	if c.Ambient() {
		h.Set("Cookie", c.Cookie)
		return
	}
	if c.Token == "" {
		return
	}
	h.Set("Authorization", "Bearer "+c.Token)
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()
}

// ExtractBearer 从 Authorization 头里取出令牌（大小写不敏感）
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
