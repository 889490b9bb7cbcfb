package session

import (
	"time"

	"RehabSessionHub/internal/module"
)

// Status 会话状态
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusRunning    Status = "RUNNING"
	StatusPaused     Status = "PAUSED"
	StatusEnded      Status = "ENDED"
)

// String 实现字符串接口
func (s Status) String() string {
	return string(s)
}

// IsValid 检查状态是否有效
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusRunning, StatusPaused, StatusEnded:
		return true
	default:
		return false
	}
}

// IsTerminal ENDED 之后不再有任何迁移
func (s Status) IsTerminal() bool {
	return s == StatusEnded
}

// PatientInfo 患者信息
type PatientInfo struct {
	Name    string `json:"name"`
	Ailment string `json:"ailment"`
	Email   string `json:"email,omitempty"`
}

// Session 持久化的会话记录
type Session struct {
	ID      string      `json:"id"`
	Date    time.Time   `json:"date"`
	Status  Status      `json:"status"`
	OwnerID string      `json:"owner_id"`
	Module  module.ID   `json:"module"`
	Patient PatientInfo `json:"patient"`
}

// View 当前会话槽位的只读快照，发布后不再修改
type View struct {
	Session
	Params module.Params `json:"params"`
}

func (v *View) withStatus(status Status) *View {
	next := *v
	next.Status = status
	return &next
}

// User 会话所属用户（只用到存在性和展示字段）
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	MobileNo string `json:"mobile_no,omitempty"`
}

// RecordKind 模块子记录类型
type RecordKind string

const (
	KindParams  RecordKind = "params"
	KindMetrics RecordKind = "metrics"
)

// ModuleRecord 模块参数/指标子记录，存储层对其结构不做假设
type ModuleRecord struct {
	Kind      RecordKind `json:"kind"`
	Module    module.ID  `json:"module"`
	SessionID string     `json:"session_id"`
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
}

// MetricsRecord 上报成功后的指标视图
type MetricsRecord struct {
	SessionID  string         `json:"session_id"`
	Module     module.ID      `json:"module"`
	Metrics    module.Metrics `json:"metrics"`
	ReportedAt time.Time      `json:"reported_at"`
}
