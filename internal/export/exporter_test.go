package export

import (
	"bytes"
	"github.com/klauspost/compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/internal/credentials"
)

func TestExportReturnsBody(t *testing.T) {
	var gotUser, gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.URL.Query().Get("userId")
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"schemaVersion":1}`))
	}))
	defer srv.Close()

	e := New(srv.URL+"/api/export", credentials.Static(credentials.Credentials{Token: "tok"}))
	body, err := e.Export(context.Background(), "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaVersion":1}`, string(body))
	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "gzip", gotAccept)
}

func TestExportKeepsGzipBytes(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"a":1}`))
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	body, err := New(srv.URL, nil).Export(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), body)
	assert.Equal(t, []byte{0x1f, 0x8b}, body[:2])
}

func TestExportCookieCredentials(t *testing.T) {
	var gotCookie, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotToken = r.URL.Query().Get("token")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, credentials.Static(credentials.Credentials{Cookie: "sid=1"})).Export(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "sid=1", gotCookie)
	assert.Empty(t, gotToken)
}

func TestExportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Export(context.Background(), "u1")
	require.ErrorIs(t, err, ErrExportFailed)
	assert.Contains(t, err.Error(), "502")

	_, err = New("", nil).Export(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrExportFailed)

	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	_, err = New(url, nil).Export(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrExportFailed)
}
