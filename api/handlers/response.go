package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"RehabSessionHub/internal/session"
)

// APIResponse API 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// CodeInvalidRequest 请求体或查询参数无法解析
const CodeInvalidRequest = "INVALID_REQUEST"

// CodeUnauthorized 缺少或错误的调用方凭据
const CodeUnauthorized = "UNAUTHORIZED"

// maxBodyBytes 单个请求体上限
const maxBodyBytes = 1 << 20

type ctxKey int

const userIDKey ctxKey = iota

// WithUserID 将仪表盘用户标识写入请求上下文
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID 读取仪表盘用户标识
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// writeError 按错误码写出错误响应，内部错误不向调用方暴露细节
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := session.CodeOf(err)
	if code == session.CodeInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	WriteErrorResponse(w, code.HTTPStatus(), string(code), session.PublicMessage(err))
}

// WriteErrorResponse 写出错误响应（中间件也使用）
func WriteErrorResponse(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// decodeBody 解析 JSON 请求体，拒绝未知字段
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// readRaw 读取原始 JSON 请求体（模块载荷由注册表校验）
func readRaw(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	return raw, true
}
