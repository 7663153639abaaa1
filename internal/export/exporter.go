// Package export 通过普通的请求/响应接口拉取完整状态导出，不经过推送连接。
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"realtime-sync/internal/credentials"
)

var ErrExportFailed = errors.New("export request failed")

const maxExportBytes = 64 << 20

// HTTPExporter GET {URL}?userId=...，响应体原样返回。
// 显式声明 Accept-Encoding: gzip，Transport 不会自动解压，gzip 字节直接落盘。
type HTTPExporter struct {
	URL    string
	Client *http.Client
	Creds  credentials.Source
}

func New(rawURL string, creds credentials.Source) *HTTPExporter {
	return &HTTPExporter{
		URL:    rawURL,
		Client: &http.Client{Timeout: 30 * time.Second},
		Creds:  creds,
	}
}

func (e *HTTPExporter) Export(ctx context.Context, userID string) ([]byte, error) {
	if e.URL == "" {
		return nil, fmt.Errorf("%w: export url is empty", ErrExportFailed)
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return nil, fmt.Errorf("parse export url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if e.Creds != nil {
		c, err := e.Creds.Credentials(ctx)
		if err != nil && !errors.Is(err, credentials.ErrNoCredentials) {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		credentials.Apply(c, u, header)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = header
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: status %d: %s", ErrExportFailed, resp.StatusCode, snippet)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrExportFailed, err)
	}
	if len(body) > maxExportBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrExportFailed, maxExportBytes)
	}
	return body, nil
}
