package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/gorilla/mux"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
)

// DashboardService 仪表盘可用的协调器操作
type DashboardService interface {
	CurrentSession() (*session.View, bool)
	Create(ctx context.Context, ownerID string, moduleID module.ID, patient session.PatientInfo, rawParams json.RawMessage) (*session.View, error)
	Pause(ctx context.Context, sessionID string) (*session.View, error)
	Resume(ctx context.Context, sessionID string) (*session.View, error)
	End(ctx context.Context, sessionID string) (*session.View, error)
}

// HistoryService 历史会话查询
type HistoryService interface {
	List(ctx context.Context, filter session.Filter) ([]*session.Session, error)
	Detail(ctx context.Context, sessionID string) (*session.Detail, error)
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	Module  module.ID           `json:"module"`
	Patient session.PatientInfo `json:"patient"`
	Params  json.RawMessage     `json:"params"`
}

// ModuleInfo 模块列表项
type ModuleInfo struct {
	ID            module.ID          `json:"id"`
	Name          string             `json:"name"`
	ParamsSchema  *jsonschema.Schema `json:"params_schema"`
	MetricsSchema *jsonschema.Schema `json:"metrics_schema"`
}

// DashboardHandler 临床仪表盘接口
type DashboardHandler struct {
	svc      DashboardService
	history  HistoryService
	registry *module.Registry
	location *time.Location
}

// NewDashboardHandler 创建仪表盘处理器
func NewDashboardHandler(svc DashboardService, history HistoryService, registry *module.Registry) *DashboardHandler {
	return &DashboardHandler{svc: svc, history: history, registry: registry, location: time.UTC}
}

// Register 注册路由
func (h *DashboardHandler) Register(r *mux.Router) {
	r.HandleFunc("/modules", h.ListModules).Methods(http.MethodGet)
	r.HandleFunc("/session", h.GetCurrentSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/pause", h.PauseSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/resume", h.ResumeSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/end", h.EndSession).Methods(http.MethodPost)
}

// ListModules 列出已注册模块
// GET /api/v1/dashboard/modules
func (h *DashboardHandler) ListModules(w http.ResponseWriter, r *http.Request) {
	defs := h.registry.Modules()
	out := make([]ModuleInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, ModuleInfo{
			ID:            def.ID,
			Name:          def.Name,
			ParamsSchema:  def.ParamsJSONSchema(),
			MetricsSchema: def.MetricsJSONSchema(),
		})
	}
	writeSuccess(w, http.StatusOK, out)
}

// GetCurrentSession 获取当前会话
// GET /api/v1/dashboard/session
func (h *DashboardHandler) GetCurrentSession(w http.ResponseWriter, r *http.Request) {
	view, ok := h.svc.CurrentSession()
	writeSuccess(w, http.StatusOK, CurrentSessionResponse{Active: ok, Session: view})
}

// CreateSession 创建会话
// POST /api/v1/dashboard/sessions
func (h *DashboardHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Module = module.ID(strings.ToUpper(strings.TrimSpace(string(req.Module))))

	view, err := h.svc.Create(r.Context(), UserID(r.Context()), req.Module, req.Patient, req.Params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, view)
}

// PauseSession 暂停会话
// POST /api/v1/dashboard/sessions/{id}/pause
func (h *DashboardHandler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Pause)
}

// ResumeSession 恢复会话
// POST /api/v1/dashboard/sessions/{id}/resume
func (h *DashboardHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Resume)
}

// EndSession 结束会话
// POST /api/v1/dashboard/sessions/{id}/end
func (h *DashboardHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.End)
}

func (h *DashboardHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*session.View, error)) {
	view, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

// ListSessions 查询当前用户的历史会话
// GET /api/v1/dashboard/sessions?module=LATERAL_MOVEMENT&date=2024-03-10&patient=asha&status=ENDED&limit=20
func (h *DashboardHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	filter.OwnerID = UserID(r.Context())

	sessions, err := h.history.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeSuccess(w, http.StatusOK, sessions)
}

// GetSession 会话详情（含参数和指标），只能查看自己的会话
// GET /api/v1/dashboard/sessions/{id}
func (h *DashboardHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	detail, err := h.history.Detail(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if detail.Session.OwnerID != UserID(r.Context()) {
		writeError(w, r, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id))
		return
	}
	writeSuccess(w, http.StatusOK, detail)
}

func (h *DashboardHandler) parseFilter(r *http.Request) (session.Filter, error) {
	q := r.URL.Query()
	filter := session.Filter{
		Module:      module.ID(strings.ToUpper(strings.TrimSpace(q.Get("module")))),
		PatientName: strings.TrimSpace(q.Get("patient")),
	}

	if date := q.Get("date"); date != "" {
		from, to, err := session.DayRange(date, h.location)
		if err != nil {
			return filter, err
		}
		filter.From, filter.To = from, to
	}

	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			st := session.Status(strings.ToUpper(strings.TrimSpace(part)))
			if st == "" {
				continue
			}
			if !st.IsValid() {
				return filter, fmt.Errorf("invalid status %q", part)
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	return filter, nil
}
