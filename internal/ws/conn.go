package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// conn 一次成功握手对应的传输层连接。session 用来识别已被替换的旧连接。
type conn struct {
	ws      *websocket.Conn
	session uint64
	// 出站队列，由 writeLoop 独占写 websocket
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newConn(wsConn *websocket.Conn, session uint64, queueSize int) *conn {
	return &conn{
		ws:      wsConn,
		session: session,
		send:    make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

// enqueue 非阻塞入队；队列满或连接已关闭返回 false
func (c *conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop(pingInterval time.Duration, logger *slog.Logger) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("write failed", "session", c.session, "err", err)
				// 关掉底层连接，让 readLoop 走掉线流程
				_ = c.ws.Close()
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("ping failed", "session", c.session, "err", err)
				_ = c.ws.Close()
				return
			}
		}
	}
}

// readLoop 阻塞读取直到出错；每条消息交给 handle 同步处理
func (c *conn) readLoop(pingInterval time.Duration, handle func([]byte)) error {
	if pingInterval > 0 {
		wait := 2 * pingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if pingInterval > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(2 * pingInterval))
		}
		handle(msg)
	}
}
