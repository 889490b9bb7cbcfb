package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"RehabSessionHub/internal/database"
	"RehabSessionHub/internal/session"
)

// SlotReader 读取当前会话槽位
type SlotReader interface {
	CurrentSession() (*session.View, bool)
}

// ClientCounter 报告 WebSocket 连接数
type ClientCounter interface {
	ClientCount() int
}

// HealthCheck 健康检查响应
type HealthCheck struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]string      `json:"checks"`
	Details   map[string]interface{} `json:"details"`
}

// SystemHandler 系统状态处理器
type SystemHandler struct {
	startTime time.Time
	backend   string
	pool      *pgxpool.Pool
	slot      SlotReader
	hubs      map[string]ClientCounter
}

// NewSystemHandler 创建系统处理器；pool 为 nil 表示内存存储
func NewSystemHandler(backend string, pool *pgxpool.Pool, slot SlotReader, hubs map[string]ClientCounter) *SystemHandler {
	return &SystemHandler{
		startTime: time.Now(),
		backend:   backend,
		pool:      pool,
		slot:      slot,
		hubs:      hubs,
	}
}

// Register 注册路由
func (h *SystemHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
}

// HealthCheck 健康检查
// GET /api/v1/health
func (h *SystemHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	details := make(map[string]interface{})
	overall := "healthy"

	store := map[string]interface{}{"backend": h.backend}
	if h.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pool.Ping(ctx); err != nil {
			checks["store"] = "unhealthy"
			store["error"] = err.Error()
			overall = "unhealthy"
		} else {
			checks["store"] = "healthy"
		}
		store["pool"] = database.Stats(h.pool)
	} else {
		checks["store"] = "healthy"
	}
	details["store"] = store

	slot := map[string]interface{}{"active": false}
	if view, ok := h.slot.CurrentSession(); ok {
		slot["active"] = true
		slot["session_id"] = view.ID
		slot["status"] = view.Status
		slot["module"] = view.Module
	}
	details["slot"] = slot

	clients := make(map[string]int, len(h.hubs))
	for name, hub := range h.hubs {
		clients[name] = hub.ClientCount()
	}
	details["websocket_clients"] = clients
	details["goroutines"] = runtime.NumGoroutine()

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthCheck{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
		Details:   details,
	})
}
