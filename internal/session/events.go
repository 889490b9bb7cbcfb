package session

import (
	"sync"
	"time"
)

// EventType 会话事件类型
type EventType string

const (
	EventCreated  EventType = "SESSION_CREATED"
	EventPaused   EventType = "SESSION_PAUSED"
	EventResumed  EventType = "SESSION_RESUMED"
	EventEnded    EventType = "SESSION_ENDED"
	EventRestored EventType = "SESSION_RESTORED"
	// EventSnapshot 订阅建立时推送的当前槽位，Session 为 nil 表示空槽位
	EventSnapshot EventType = "SESSION_SNAPSHOT"
)

// Event 槽位变化事件，Session 为变化后的视图（结束事件中状态为 ENDED）
type Event struct {
	Type      EventType `json:"type"`
	Session   *View     `json:"session"`
	Timestamp time.Time `json:"timestamp"`
}

// notifier 事件分发，订阅者处理过慢时丢弃事件而不是阻塞协调器
type notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Event)}
}

func (n *notifier) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (n *notifier) publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
