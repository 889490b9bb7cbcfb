package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
)

type recordKey struct {
	kind      session.RecordKind
	module    module.ID
	sessionID string
}

// Store 进程内存储，实现 session.Store 与 session.Query
//
// 返回的记录都是副本，调用方修改不会影响存储内容。
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	records  map[recordKey]session.ModuleRecord
	users    map[string]*session.User
}

// New 创建内存存储，可预置用户
func New(users ...session.User) *Store {
	s := &Store{
		sessions: make(map[string]*session.Session),
		records:  make(map[recordKey]session.ModuleRecord),
		users:    make(map[string]*session.User),
	}
	for _, u := range users {
		s.AddUser(u)
	}
	return s
}

// AddUser 添加或覆盖用户
func (s *Store) AddUser(u session.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *sess
	stored.ID = uuid.NewString()
	s.sessions[stored.ID] = &stored
	return stored.ID, nil
}

func (s *Store) FindSession(ctx context.Context, id string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	out := *sess
	return &out, nil
}

func (s *Store) SaveSessionStatus(ctx context.Context, id string, status session.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	sess.Status = status
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	delete(s.sessions, id)
	for key := range s.records {
		if key.sessionID == id {
			delete(s.records, key)
		}
	}
	return nil
}

func (s *Store) CreateModuleRecord(ctx context.Context, rec session.ModuleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[rec.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", rec.SessionID, session.ErrNotFound)
	}
	key := recordKey{kind: rec.Kind, module: rec.Module, sessionID: rec.SessionID}
	if _, exists := s.records[key]; exists {
		return fmt.Errorf("%s record for %s: %w", rec.Kind, rec.SessionID, session.ErrRecordExists)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	s.records[key] = rec
	return nil
}

func (s *Store) FindModuleRecord(ctx context.Context, kind session.RecordKind, mod module.ID, sessionID string) (*session.ModuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey{kind: kind, module: mod, sessionID: sessionID}]
	if !ok {
		return nil, fmt.Errorf("%s record for %s: %w", kind, sessionID, session.ErrNotFound)
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return &rec, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*session.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, session.ErrNotFound)
	}
	out := *u
	return &out, nil
}

// ListSessions 按日期倒序返回满足条件的会话
func (s *Store) ListSessions(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*session.Session
	for _, sess := range s.sessions {
		if filter.Matches(sess) {
			out := *sess
			result = append(result, &out)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Date.Equal(result[j].Date) {
			return result[i].ID < result[j].ID
		}
		return result[i].Date.After(result[j].Date)
	})
	if limit := filter.EffectiveLimit(); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
