// Package ws 管理与同步服务之间唯一的推送连接：握手鉴权、掉线重连、
// 防抖的显式重连，以及入站消息的时钟校准、排序和分发。
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"realtime-sync/internal/clock"
	"realtime-sync/internal/credentials"
	"realtime-sync/internal/eventbus"
	"realtime-sync/internal/events"
	"realtime-sync/internal/ordering"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status 对外暴露的连接快照
type Status struct {
	State            string    `json:"state" yaml:"state"`
	Errored          bool      `json:"errored" yaml:"errored"`
	LastError        string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	ClientID         string    `json:"clientId" yaml:"clientId"`
	Session          uint64    `json:"session" yaml:"session"`
	ConnectedAt      time.Time `json:"connectedAt,omitempty" yaml:"connectedAt,omitempty"`
	Rooms            []string  `json:"rooms" yaml:"rooms"`
	ReconnectPending bool      `json:"reconnectPending" yaml:"reconnectPending"`
	ReconnectCycles  uint64    `json:"reconnectCycles" yaml:"reconnectCycles"`
	Delivered        uint64    `json:"delivered" yaml:"delivered"`
	Dropped          uint64    `json:"dropped" yaml:"dropped"`
}

// pendingOp 防抖窗口内等待执行的重连；新的请求会取消并替换旧的
type pendingOp struct {
	id    uint64
	timer *time.Timer
}

type Manager struct {
	opts     Options
	dialer   *websocket.Dialer
	bus      *eventbus.Bus
	guard    *ordering.Guard
	clock    *clock.Synchronizer
	registry *events.Registry
	creds    credentials.Source
	logger   *slog.Logger
	clientID string

	mu          sync.Mutex
	state       State
	errored     bool
	lastErr     error
	conn        *conn
	session     uint64
	connectedAt time.Time
	dialCancel  context.CancelFunc
	rooms       map[string]struct{}
	pending     *pendingOp
	pendingSeq  uint64
	closed      bool
	// outbox 在 mu 下按状态迁移的顺序追加，由持有 pubMu 的一方统一发布
	outbox []events.Event

	pubMu sync.Mutex

	cycles    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type ManagerOption func(*Manager)

func WithCredentials(src credentials.Source) ManagerOption {
	return func(m *Manager) { m.creds = src }
}

func WithRegistry(r *events.Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithDialer(d *websocket.Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

func NewManager(opts Options, bus *eventbus.Bus, guard *ordering.Guard, clk *clock.Synchronizer, mopts ...ManagerOption) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:     opts,
		bus:      bus,
		guard:    guard,
		clock:    clk,
		registry: events.DefaultRegistry(),
		creds:    credentials.Static(credentials.Credentials{}),
		logger:   slog.Default(),
		clientID: uuid.NewString(),
		rooms:    make(map[string]struct{}),
	}
	for _, o := range mopts {
		o(m)
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	m.logger = m.logger.With("component", "ws", "client", m.clientID)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:            m.state.String(),
		Errored:          m.errored,
		ClientID:         m.clientID,
		Session:          m.session,
		ConnectedAt:      m.connectedAt,
		Rooms:            m.roomsLocked(),
		ReconnectPending: m.pending != nil,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()
	st.ReconnectCycles = m.cycles.Load()
	st.Delivered = m.delivered.Load()
	st.Dropped = m.dropped.Load()
	return st
}

func (m *Manager) roomsLocked() []string {
	return slices.Sorted(maps.Keys(m.rooms))
}

// Connect 建立连接并在返回前完成握手。已连接或正在连接时什么也不做。
// 鉴权失败立即返回 ErrAuthFailed，不做重试。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.noteStateLocked(m.state, StateConnecting, nil)
	m.state = StateConnecting
	m.dialCancel = cancel
	m.mu.Unlock()

	m.flushEvents()
	return m.establish(ctx, false)
}

// Disconnect 关闭连接并取消待执行的防抖重连；重复调用无副作用
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelPendingLocked()
	m.mu.Unlock()
	m.disconnect()
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.conn == nil {
		m.mu.Unlock()
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	c := m.conn
	m.conn = nil
	from := m.state
	m.noteStateLocked(from, StateDisconnected, nil)
	m.state = StateDisconnected
	m.errored = false
	m.lastErr = nil
	m.mu.Unlock()

	if c != nil {
		c.close()
	}
	m.logger.Info("disconnected", "from", from.String())
	m.flushEvents()
}

// Reconnect 请求一次完整的断开+连接。防抖窗口内的多次请求只执行最后一次，
// 执行时重新读取凭证。
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.cancelPendingLocked()
	m.pendingSeq++
	id := m.pendingSeq
	m.pending = &pendingOp{id: id}
	m.pending.timer = time.AfterFunc(m.opts.ReconnectDebounce, func() { m.runPending(id) })
	m.logger.Debug("reconnect scheduled", "after", m.opts.ReconnectDebounce)
}

func (m *Manager) cancelPendingLocked() {
	if m.pending != nil {
		m.pending.timer.Stop()
		m.pending = nil
	}
}

func (m *Manager) runPending(id uint64) {
	m.mu.Lock()
	// 计时器已触发但请求已被替换或取消
	if m.pending == nil || m.pending.id != id {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.mu.Unlock()

	m.cycles.Add(1)
	m.logger.Info("reconnect cycle")
	m.disconnect()
	if err := m.Connect(context.Background()); err != nil {
		m.logger.Warn("reconnect failed", "err", err)
	}
}

// Close 永久关闭；之后的 Connect 返回 ErrClosed
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelPendingLocked()
	m.mu.Unlock()
	m.disconnect()
}

// Emit 发送一条出站事件。未连接时丢弃并记录警告，不返回错误。
func (m *Manager) Emit(name string, payload any) error {
	frame, err := events.NewFrame(name, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	c := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if c == nil || !connected {
		m.logger.Warn("emit dropped, not connected", "event", name)
		return nil
	}
	if !c.enqueue(frame) {
		m.logger.Warn("emit dropped, send queue full", "event", name, "session", c.session)
	}
	return nil
}

// JoinRoom 记住房间并发送 room:join；重连成功后自动重新加入
func (m *Manager) JoinRoom(room string) error {
	if room == "" {
		return errors.New("room name is empty")
	}
	m.mu.Lock()
	m.rooms[room] = struct{}{}
	m.mu.Unlock()
	return m.Emit("room:join", events.RoomMembership{Room: room})
}

func (m *Manager) LeaveRoom(room string) error {
	m.mu.Lock()
	_, ok := m.rooms[room]
	delete(m.rooms, room)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Emit("room:leave", events.RoomMembership{Room: room})
}

func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsLocked()
}

// establish 有限次数地尝试握手。recovering 为 true 表示掉线后的自动恢复，
// 每次尝试前都等待 ReconnectDelay。
func (m *Manager) establish(ctx context.Context, recovering bool) error {
	tries := m.opts.ReconnectAttempts
	if !recovering {
		tries++
		if !m.opts.AutoReconnect {
			tries = 1
		}
	}

	var err error
	for i := 0; i < tries; i++ {
		if recovering || i > 0 {
			t := time.NewTimer(m.opts.ReconnectDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				err = ctx.Err()
			case <-t.C:
			}
			if err != nil {
				break
			}
		}
		if err = m.dialOnce(ctx); err == nil {
			return nil
		}
		if errors.Is(err, errAborted) {
			return err
		}
		if errors.Is(err, ErrAuthFailed) {
			break
		}
		m.logger.Warn("connect attempt failed", "attempt", i+1, "of", tries, "err", err)
	}
	if err == nil {
		err = errors.New("no connect attempts configured")
	}
	m.fail(err)
	return err
}

func (m *Manager) dialOnce(ctx context.Context) error {
	creds, err := m.creds.Credentials(ctx)
	if err != nil && !errors.Is(err, credentials.ErrNoCredentials) {
		return fmt.Errorf("load credentials: %w", err)
	}
	if !creds.Ambient() && creds.Token != "" {
		if err := credentials.CheckToken(creds.Token, time.Now()); err != nil {
			return &AuthError{Reason: err.Error(), Err: err}
		}
	}

	u, err := endpoint(m.opts.URL)
	if err != nil {
		return err
	}
	header := http.Header{}
	credentials.Apply(creds, u, header)
	header.Set("X-Client-Id", m.clientID)

	dctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	wsConn, resp, err := m.dialer.DialContext(dctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Status: resp.StatusCode, Reason: readReason(resp), Err: err}
		}
		return fmt.Errorf("dial %s%s: %w", u.Host, u.Path, err)
	}
	return m.attach(wsConn)
}

// attach 登记新连接并启动读写协程。期间若被 Disconnect 打断则丢弃连接。
func (m *Manager) attach(wsConn *websocket.Conn) error {
	m.mu.Lock()
	if m.closed || m.state != StateConnecting {
		m.mu.Unlock()
		_ = wsConn.Close()
		return errAborted
	}
	m.session++
	c := newConn(wsConn, m.session, m.opts.SendQueueSize)
	m.conn = c
	m.state = StateConnected
	m.errored = false
	m.lastErr = nil
	m.dialCancel = nil
	m.connectedAt = time.Now()
	rooms := m.roomsLocked()
	m.noteStateLocked(StateConnecting, StateConnected, nil)
	m.mu.Unlock()

	// 新会话的序号从头开始
	m.guard.Reset()
	go c.writeLoop(m.opts.PingInterval, m.logger)
	go m.readLoop(c)

	for _, room := range rooms {
		if frame, err := events.NewFrame("room:join", events.RoomMembership{Room: room}); err == nil {
			c.enqueue(frame)
		}
	}
	m.logger.Info("connected", "session", c.session, "rooms", len(rooms))
	m.flushEvents()
	return nil
}

func (m *Manager) readLoop(c *conn) {
	err := c.readLoop(m.opts.PingInterval, m.handleMessage)
	m.handleDrop(c, err)
}

// handleMessage 时钟采样 -> 序号过滤 -> 解码 -> 分发
func (m *Manager) handleMessage(raw []byte) {
	in, err := events.ParseFrame(raw)
	if err != nil {
		m.logger.Debug("drop malformed frame", "err", err)
		m.dropped.Add(1)
		return
	}
	m.clock.Observe(in.Envelope.TS)
	if !m.guard.Admit(in.Name, in.Envelope.Seq) {
		m.dropped.Add(1)
		return
	}
	m.bus.Publish(m.registry.Decode(in))
	m.delivered.Add(1)
}

func (m *Manager) handleDrop(c *conn, cause error) {
	m.mu.Lock()
	if m.conn != c {
		// 主动断开或已被新会话替换
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.noteStateLocked(m.state, StateDisconnected, cause)
	m.state = StateDisconnected
	m.lastErr = cause
	retry := m.opts.AutoReconnect && m.opts.ReconnectAttempts > 0 && !m.closed
	m.mu.Unlock()

	c.close()
	m.logger.Warn("connection lost", "session", c.session, "err", cause)
	m.flushEvents()
	if retry {
		go m.recoverConnection()
	}
}

func (m *Manager) recoverConnection() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.noteStateLocked(StateDisconnected, StateConnecting, nil)
	m.state = StateConnecting
	m.dialCancel = cancel
	m.mu.Unlock()

	m.flushEvents()
	if err := m.establish(ctx, true); err != nil {
		m.logger.Warn("giving up reconnect", "err", err)
	}
}

// fail 标记本轮连接失败；若期间已被 Disconnect 打断则忽略
func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.noteStateLocked(StateConnecting, StateDisconnected, err)
	m.state = StateDisconnected
	m.errored = true
	m.lastErr = err
	m.dialCancel = nil
	var ae *AuthError
	if errors.As(err, &ae) {
		m.outbox = append(m.outbox, events.Event{
			Kind:    events.KindAuthError,
			Name:    string(events.KindAuthError),
			Payload: events.AuthFailure{Status: ae.Status, Reason: ae.Reason},
		})
	}
	m.mu.Unlock()

	if ae != nil {
		m.logger.Error("authentication failed", "status", ae.Status, "reason", ae.Reason)
	}
	m.flushEvents()
}

// noteStateLocked 记录一次状态迁移，调用方持有 mu
func (m *Manager) noteStateLocked(from, to State, err error) {
	sc := events.StateChange{From: from.String(), To: to.String()}
	if err != nil {
		sc.Err = err.Error()
	}
	m.outbox = append(m.outbox, events.Event{
		Kind:    events.KindConnectionState,
		Name:    string(events.KindConnectionState),
		Payload: sc,
	})
}

// flushEvents 按记录顺序发布 outbox。同一时刻只有一个 goroutine 在发布，
// 其他调用直接返回，新记录由正在发布的一方继续发出；监听器里再调用
// Connect/Disconnect 也不会死锁，产生的事件排在当前事件之后。
func (m *Manager) flushEvents() {
	if !m.pubMu.TryLock() {
		return
	}
	for {
		m.mu.Lock()
		batch := m.outbox
		m.outbox = nil
		if len(batch) == 0 {
			// 在 mu 下释放 pubMu，保证之后追加的记录一定有人发布
			m.pubMu.Unlock()
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		for _, ev := range batch {
			m.bus.Publish(ev)
		}
	}
}

// endpoint 解析服务地址，http(s) 自动换成 ws(s)
func endpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("server url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u, nil
}

func readReason(resp *http.Response) string {
	if resp.Body == nil {
		return http.StatusText(resp.StatusCode)
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if r := strings.TrimSpace(string(b)); r != "" {
		return r
	}
	return http.StatusText(resp.StatusCode)
}
