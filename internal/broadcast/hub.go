package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Option Hub 选项
type Option func(*Hub)

// WithBuffer 设置广播队列长度
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.broadcast = make(chan any, n)
		}
	}
}

// WithWelcome 新连接建立后首先发送的消息
func WithWelcome(fn func() any) Option {
	return func(h *Hub) {
		h.welcome = fn
	}
}

// WithWriteTimeout 设置单次写入超时，超时的客户端会被断开
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeWait = d
		}
	}
}

// Hub WebSocket 广播器
//
// 所有写操作都在 Run 所在的 goroutine 中完成，每个连接只有一个写者。
type Hub struct {
	name       string
	clients    map[*websocket.Conn]bool
	broadcast  chan any
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	upgrader   websocket.Upgrader
	welcome    func() any
	writeWait  time.Duration
	count      atomic.Int32
	dropped    atomic.Uint64
}

// NewHub 创建广播器
func NewHub(name string, opts ...Option) *Hub {
	h := &Hub{
		name:       name,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan any, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		writeWait:  time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 跨域由 HTTP 层的 CORS 策略控制
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run 运行广播循环，ctx 取消后关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				h.drop(conn)
			}
			return

		case conn := <-h.register:
			h.clients[conn] = true
			h.count.Add(1)
			if h.welcome != nil {
				if msg := h.welcome(); msg != nil {
					if err := h.write(conn, msg); err != nil {
						h.drop(conn)
					}
				}
			}

		case conn := <-h.unregister:
			if h.clients[conn] {
				h.drop(conn)
			}

		case msg := <-h.broadcast:
			for conn := range h.clients {
				if err := h.write(conn, msg); err != nil {
					slog.Debug("websocket write failed", "hub", h.name, "error", err)
					h.drop(conn)
				}
			}
		}
	}
}

// Publish 非阻塞地投递消息，队列已满时丢弃并返回 false
func (h *Hub) Publish(msg any) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Dropped 因队列已满而丢弃的消息数
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP 升级为 WebSocket 连接并保持到客户端断开
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "hub", h.name, "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket connection error", "hub", h.name, "error", err)
			}
			return
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (h *Hub) drop(conn *websocket.Conn) {
	delete(h.clients, conn)
	h.count.Add(-1)
	conn.Close()
}
