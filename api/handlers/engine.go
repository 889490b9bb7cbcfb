package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"RehabSessionHub/internal/session"
)

// EngineService 引擎侧可用的协调器操作
type EngineService interface {
	CurrentSession() (*session.View, bool)
	End(ctx context.Context, sessionID string) (*session.View, error)
	ReportMetrics(ctx context.Context, sessionID string, rawMetrics json.RawMessage) (*session.MetricsRecord, error)
}

// CurrentSessionResponse 当前会话查询结果
type CurrentSessionResponse struct {
	Active  bool          `json:"active"`
	Session *session.View `json:"session,omitempty"`
}

// EngineHandler 引擎（Unity 客户端）接口，只能读取、结束会话和上报指标
type EngineHandler struct {
	svc EngineService
}

// NewEngineHandler 创建引擎处理器
func NewEngineHandler(svc EngineService) *EngineHandler {
	return &EngineHandler{svc: svc}
}

// Register 注册路由
func (h *EngineHandler) Register(r *mux.Router) {
	r.HandleFunc("/session", h.GetCurrentSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/end", h.EndSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/metrics", h.ReportMetrics).Methods(http.MethodPost)
}

// GetCurrentSession 获取当前会话
// GET /api/v1/engine/session
func (h *EngineHandler) GetCurrentSession(w http.ResponseWriter, r *http.Request) {
	view, ok := h.svc.CurrentSession()
	writeSuccess(w, http.StatusOK, CurrentSessionResponse{Active: ok, Session: view})
}

// EndSession 结束会话
// POST /api/v1/engine/sessions/{id}/end
func (h *EngineHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.End(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

// ReportMetrics 上报训练指标，请求体即模块指标对象
// POST /api/v1/engine/sessions/{id}/metrics
func (h *EngineHandler) ReportMetrics(w http.ResponseWriter, r *http.Request) {
	raw, ok := readRaw(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.ReportMetrics(r.Context(), mux.Vars(r)["id"], raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, rec)
}
