package testutil

import (
	"context"
	"sync"
	"time"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
	"RehabSessionHub/internal/store/memory"
)

// FaultyStore 在内存存储之上按操作名注入错误和延迟
//
// 操作名为方法名；CreateModuleRecord 额外支持 "CreateModuleRecord:params" /
// "CreateModuleRecord:metrics" 这样按记录类型区分的名称。
type FaultyStore struct {
	*memory.Store

	mu       sync.Mutex
	failures map[string]error
	delays   map[string]time.Duration
	calls    map[string]int
}

// NewFaultyStore 包装一个已预置用户的内存存储
func NewFaultyStore() *FaultyStore {
	return &FaultyStore{
		Store:    NewMemoryStore(),
		failures: make(map[string]error),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

// FailOn 令指定操作返回 err，err 为 nil 时恢复正常
func (f *FaultyStore) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// DelayOn 令指定操作在执行前等待 d（受 ctx 约束）
func (f *FaultyStore) DelayOn(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// Calls 返回指定操作的调用次数
func (f *FaultyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyStore) before(ctx context.Context, ops ...string) error {
	f.mu.Lock()
	var (
		err   error
		delay time.Duration
	)
	for _, op := range ops {
		f.calls[op]++
		if e, ok := f.failures[op]; ok && err == nil {
			err = e
		}
		if d := f.delays[op]; d > delay {
			delay = d
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *FaultyStore) CreateSession(ctx context.Context, s *session.Session) (string, error) {
	if err := f.before(ctx, "CreateSession"); err != nil {
		return "", err
	}
	return f.Store.CreateSession(ctx, s)
}

func (f *FaultyStore) FindSession(ctx context.Context, id string) (*session.Session, error) {
	if err := f.before(ctx, "FindSession"); err != nil {
		return nil, err
	}
	return f.Store.FindSession(ctx, id)
}

func (f *FaultyStore) SaveSessionStatus(ctx context.Context, id string, status session.Status) error {
	if err := f.before(ctx, "SaveSessionStatus"); err != nil {
		return err
	}
	return f.Store.SaveSessionStatus(ctx, id, status)
}

func (f *FaultyStore) DeleteSession(ctx context.Context, id string) error {
	if err := f.before(ctx, "DeleteSession"); err != nil {
		return err
	}
	return f.Store.DeleteSession(ctx, id)
}

func (f *FaultyStore) CreateModuleRecord(ctx context.Context, rec session.ModuleRecord) error {
	if err := f.before(ctx, "CreateModuleRecord", "CreateModuleRecord:"+string(rec.Kind)); err != nil {
		return err
	}
	return f.Store.CreateModuleRecord(ctx, rec)
}

func (f *FaultyStore) FindModuleRecord(ctx context.Context, kind session.RecordKind, mod module.ID, sessionID string) (*session.ModuleRecord, error) {
	if err := f.before(ctx, "FindModuleRecord"); err != nil {
		return nil, err
	}
	return f.Store.FindModuleRecord(ctx, kind, mod, sessionID)
}

func (f *FaultyStore) FindUser(ctx context.Context, id string) (*session.User, error) {
	if err := f.before(ctx, "FindUser"); err != nil {
		return nil, err
	}
	return f.Store.FindUser(ctx, id)
}

func (f *FaultyStore) ListSessions(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	if err := f.before(ctx, "ListSessions"); err != nil {
		return nil, err
	}
	return f.Store.ListSessions(ctx, filter)
}
