package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"RehabSessionHub/internal/module"
)

// Store 持久化存储的协作者契约
//
// 未找到记录时返回 ErrNotFound；重复写入唯一记录时返回 ErrRecordExists。
type Store interface {
	CreateSession(ctx context.Context, s *Session) (string, error)
	FindSession(ctx context.Context, id string) (*Session, error)
	SaveSessionStatus(ctx context.Context, id string, status Status) error
	// DeleteSession 仅用于创建失败时的回滚
	DeleteSession(ctx context.Context, id string) error
	CreateModuleRecord(ctx context.Context, rec ModuleRecord) error
	FindModuleRecord(ctx context.Context, kind RecordKind, mod module.ID, sessionID string) (*ModuleRecord, error)
	FindUser(ctx context.Context, id string) (*User, error)
}

// Query 历史会话的只读查询
type Query interface {
	ListSessions(ctx context.Context, filter Filter) ([]*Session, error)
}

// Filter 历史查询条件，零值字段不参与过滤
type Filter struct {
	OwnerID     string
	Module      module.ID
	PatientName string
	From        time.Time
	To          time.Time
	Statuses    []Status
	Limit       int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Matches 判断会话是否满足过滤条件（供内存实现使用）
func (f Filter) Matches(s *Session) bool {
	if f.OwnerID != "" && s.OwnerID != f.OwnerID {
		return false
	}
	if f.Module != "" && s.Module != f.Module {
		return false
	}
	if f.PatientName != "" && !containsFold(s.Patient.Name, f.PatientName) {
		return false
	}
	if !f.From.IsZero() && s.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.Date.After(f.To) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// EffectiveLimit 返回实际使用的条数上限
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// DayRange 将 YYYY-MM-DD 日期转换为当天起止时间
func DayRange(date string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return day, day.Add(24*time.Hour - time.Millisecond), nil
}
