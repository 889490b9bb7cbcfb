package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"RehabSessionHub/internal/session"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionView 会话推送中的槽位视图，参数保持原始 JSON
type SessionView struct {
	session.Session
	Params json.RawMessage `json:"params,omitempty"`
}

// Event 会话推送事件
type Event struct {
	Type      session.EventType `json:"type"`
	Session   *SessionView      `json:"session"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventHandler 事件处理器，在读循环中同步调用
type EventHandler func(Event)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	UserID            string
	Secret            string
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	// MaxReconnectElapsed 单次断线后重连的总时长上限，0 表示不限
	MaxReconnectElapsed time.Duration
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:                 url,
		HandshakeTimeout:    10 * time.Second,
		ReconnectInterval:   500 * time.Millisecond,
		MaxReconnectElapsed: 2 * time.Minute,
	}
}

// Client 会话推送订阅客户端，断线后按指数退避重连
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	state  atomic.Int32

	onEvent       EventHandler
	onStateChange StateChangeHandler

	mu   sync.Mutex
	conn *websocket.Conn

	reconnects atomic.Int32
	events     atomic.Int64
}

// New 创建订阅客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	return &Client{
		config: config,
		dialer: &dialer,
	}
}

// SetEventHandler 设置事件处理器
func (c *Client) SetEventHandler(h EventHandler) {
	c.onEvent = h
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(h StateChangeHandler) {
	c.onStateChange = h
}

// Run 连接并持续读取事件，断线后重连，直到 ctx 取消或重连超时
func (c *Client) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.reconnect(ctx); err != nil {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		c.setState(StateDisconnected)
		return err
	}

	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		slog.Warn("session stream disconnected", "error", err)

		c.setState(StateReconnecting)
		if err := c.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				c.setState(StateClosed)
				return nil
			}
			c.setState(StateDisconnected)
			return fmt.Errorf("reconnect failed: %w", err)
		}
		c.reconnects.Add(1)
		slog.Info("session stream reconnected", "reconnects", c.Reconnects())
	}
}

// connect 建立连接；鉴权失败等不可重试错误直接返回
func (c *Client) connect(ctx context.Context) error {
	target, err := c.streamURL()
	if err != nil {
		return backoff.Permanent(err)
	}

	header := http.Header{}
	if c.config.UserID != "" {
		header.Set("X-User-ID", c.config.UserID)
	}
	if c.config.Secret != "" {
		header.Set("X-Engine-Secret", c.config.Secret)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return backoff.Permanent(fmt.Errorf("session stream rejected credentials: %s", resp.Status))
		}
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	return nil
}

// reconnect 指数退避重连，不可重试的错误立即返回
func (c *Client) reconnect(ctx context.Context) error {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = c.config.MaxReconnectElapsed

	return backoff.Retry(func() error {
		return c.connect(ctx)
	}, backoff.WithContext(backOff, ctx))
}

// readLoop 读取事件直到连接断开
func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("invalid session event", "error", err)
			continue
		}
		c.events.Add(1)
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("stream url must use ws, wss, http or https")
	}
	return u.String(), nil
}

// State 当前连接状态
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":      c.State().String(),
		"reconnects": c.reconnects.Load(),
		"events":     c.events.Load(),
	}
}
