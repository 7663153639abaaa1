package synccore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/config"
	"realtime-sync/internal/eventbus"
	"realtime-sync/internal/events"
	"realtime-sync/internal/logging"
	"realtime-sync/internal/relay"
)

// upstream 同时提供推送连接和导出接口
type upstream struct {
	srv     *httptest.Server
	exports atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns = append(u.conns, c)
		u.mu.Unlock()
		go func() {
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
	mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
		u.exports.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"schemaVersion":1,"userId":"` + r.URL.Query().Get("userId") + `"}`))
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		u.mu.Lock()
		for _, c := range u.conns {
			_ = c.Close()
		}
		u.mu.Unlock()
		u.srv.Close()
	})
	return u
}

func (u *upstream) push(t *testing.T, frame string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.conns)
	require.NoError(t, u.conns[len(u.conns)-1].WriteMessage(websocket.TextMessage, []byte(frame)))
}

func testConfig(t *testing.T, u *upstream) *config.Config {
	cfg := &config.Config{}
	cfg.Server.URL = "ws" + strings.TrimPrefix(u.srv.URL, "http") + "/ws"
	cfg.Server.ExportURL = u.srv.URL + "/export"
	cfg.Connection.AutoReconnect = true
	cfg.Connection.ReconnectAttempts = 1
	cfg.Connection.ReconnectDelay = 10 * time.Millisecond
	cfg.Connection.ReconnectDebounce = 20 * time.Millisecond
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "substrate.db")
	cfg.Storage.Compress = true
	cfg.Relay.Topic = "sync-events"
	cfg.Relay.Kinds = []string{"presence", "bogus"}
	cfg.Relay.Workers = 1
	return cfg
}

func TestServiceStartAndStatus(t *testing.T) {
	u := newUpstream(t)
	svc, err := New(context.Background(), testConfig(t, u), logging.Discard())
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Start(context.Background()))
	u.push(t, `{"event":"presence","data":{"_seq":4,"ts":"2030-01-01T00:00:00Z","userId":"u1","status":"online"}}`)

	require.Eventually(t, func() bool {
		return svc.Status(context.Background()).Cursors["presence"] == 4
	}, 2*time.Second, 5*time.Millisecond)

	st := svc.Status(context.Background())
	assert.Equal(t, "connected", st.Connection.State)
	assert.True(t, st.ClockSynced)
	assert.True(t, st.Cache.Known)
	assert.False(t, st.Cache.Present)
	assert.False(t, st.Relay)
}

func TestSubstrateUpdatedRefreshesSnapshot(t *testing.T) {
	u := newUpstream(t)
	svc, err := New(context.Background(), testConfig(t, u), logging.Discard())
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, svc.Start(context.Background()))

	u.push(t, `{"event":"substrate:updated","data":{"userId":"u7","revision":3}}`)

	require.Eventually(t, func() bool {
		return svc.CacheInfo(context.Background()).Present
	}, 2*time.Second, 5*time.Millisecond)

	snap, ok := svc.LoadSnapshot(context.Background())
	require.True(t, ok)
	assert.Equal(t, "u7", snap.UserID)
	var body map[string]any
	require.NoError(t, json.Unmarshal(snap.Data, &body))
	assert.Equal(t, "u7", body["userId"])
	assert.EqualValues(t, 1, u.exports.Load())
}

func TestSnapshotOperationsWork(t *testing.T) {
	u := newUpstream(t)
	svc, err := New(context.Background(), testConfig(t, u), logging.Discard())
	require.NoError(t, err)
	defer svc.Close()

	// 快照不依赖推送连接
	info, err := svc.SaveSnapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "gzip", info.Format)

	snap, ok := svc.LoadSnapshot(context.Background())
	require.True(t, ok)
	assert.Equal(t, "1", snap.SchemaVersion)

	require.NoError(t, svc.ClearSnapshot(context.Background()))
	_, ok = svc.LoadSnapshot(context.Background())
	assert.False(t, ok)
}

func TestRelayForwardsConfiguredKinds(t *testing.T) {
	u := newUpstream(t)
	cfg := testConfig(t, u)
	cfg.Relay.Enabled = true

	sent := make(chan struct{})
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		defer close(sent)
		var m relay.Message
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.Name != "presence" {
			t.Errorf("unexpected relayed event %q", m.Name)
		}
		return nil
	})

	svc, err := New(context.Background(), cfg, logging.Discard(), WithProducer(sp))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Status(context.Background()).Relay)

	u.push(t, `{"event":"notification","data":{"title":"not relayed"}}`)
	u.push(t, `{"event":"presence","data":{"_seq":1,"userId":"u1","status":"online"}}`)
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("presence event not relayed")
	}

	// Close 会发完队列并关闭 producer，mock 在 Close 时检查期望是否用尽
	require.NoError(t, svc.Close())
}

func TestListenerFailuresReachReporter(t *testing.T) {
	u := newUpstream(t)
	reporter := eventbus.NewChannelReporter(4)
	svc, err := New(context.Background(), testConfig(t, u), logging.Discard(), WithReporter(reporter))
	require.NoError(t, err)
	defer svc.Close()

	svc.Bus.Subscribe(events.KindNotification, func(events.Event) error { panic("widget crashed") })
	got := make(chan string, 1)
	svc.Bus.Subscribe(events.KindNotification, func(ev events.Event) error {
		n, _ := events.PayloadAs[events.Notification](ev)
		got <- n.Title
		return nil
	})

	require.NoError(t, svc.Start(context.Background()))
	u.push(t, `{"event":"notification","data":{"title":"hello"}}`)

	select {
	case title := <-got:
		assert.Equal(t, "hello", title)
	case <-time.After(2 * time.Second):
		t.Fatal("second listener not invoked")
	}
	select {
	case f := <-reporter.C():
		assert.Equal(t, events.KindNotification, f.Kind)
		assert.Contains(t, f.Err.Error(), "widget crashed")
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestCredentialSource(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.Token = "tok"
	c, err := CredentialSource(cfg).Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", c.Token)

	cfg.Auth.TokenFile = filepath.Join(t.TempDir(), "missing")
	c, err = CredentialSource(cfg).Credentials(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.Token)
}
