package httpserver

import (
	"context"
	"net/http"

	"RehabSessionHub/internal/broadcast"
	"RehabSessionHub/internal/session"
)

// EventSource 会话事件来源
type EventSource interface {
	Snapshot() session.Event
	Subscribe(buffer int) (<-chan session.Event, func())
}

// SessionStream 将协调器事件推送给 WebSocket 订阅者，新连接先收到当前快照
type SessionStream struct {
	source EventSource
	hub    *broadcast.Hub
}

// NewSessionStream 创建会话推送流
func NewSessionStream(source EventSource) *SessionStream {
	return &SessionStream{
		source: source,
		hub: broadcast.NewHub("session", broadcast.WithWelcome(func() any {
			return source.Snapshot()
		})),
	}
}

// Run 运行广播循环并转发事件，直到 ctx 取消
func (s *SessionStream) Run(ctx context.Context) {
	events, cancel := s.source.Subscribe(64)
	defer cancel()

	go s.hub.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Publish(ev)
		}
	}
}

// ServeHTTP 处理 WebSocket 订阅
func (s *SessionStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeHTTP(w, r)
}

// ClientCount 当前订阅数
func (s *SessionStream) ClientCount() int {
	return s.hub.ClientCount()
}
