package logger

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"RehabSessionHub/internal/broadcast"
)

// LogMessage 推送给仪表盘的日志消息
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger 结构化日志 + WebSocket 日志流
type WebSocketLogger struct {
	logger *slog.Logger
	hub    *broadcast.Hub
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger(base *slog.Logger) *WebSocketLogger {
	if base == nil {
		base = slog.Default()
	}
	return &WebSocketLogger{
		logger: base,
		hub: broadcast.NewHub("logs", broadcast.WithWelcome(func() any {
			return LogMessage{
				Level:     "INFO",
				Message:   "connected to session hub log stream",
				Module:    "websocket",
				Timestamp: time.Now(),
			}
		})),
	}
}

// Run 启动日志广播循环
func (wsl *WebSocketLogger) Run(ctx context.Context) {
	wsl.hub.Run(ctx)
}

// HandleWebSocket 处理日志流 WebSocket 连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsl.hub.ServeHTTP(w, r)
}

// Hub 返回底层广播器
func (wsl *WebSocketLogger) Hub() *broadcast.Hub {
	return wsl.hub
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message, sessionID string) {
	wsl.log(slog.LevelInfo, "INFO", module, message, sessionID)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message, sessionID string) {
	wsl.log(slog.LevelWarn, "WARNING", module, message, sessionID)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message, sessionID string) {
	wsl.log(slog.LevelError, "ERROR", module, message, sessionID)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message, sessionID string) {
	wsl.log(slog.LevelInfo, "SUCCESS", module, message, sessionID, "outcome", "success")
}

// LogFault 记录一致性故障：槽位与存储不一致，属于程序缺陷而非用户错误
func (wsl *WebSocketLogger) LogFault(module, message, sessionID string) {
	wsl.log(slog.LevelError, "ERROR", module, message, sessionID, "fault", "consistency")
}

func (wsl *WebSocketLogger) log(level slog.Level, label, module, message, sessionID string, attrs ...any) {
	attrs = append(attrs, "module", module)
	if sessionID != "" {
		attrs = append(attrs, "session_id", sessionID)
	}
	wsl.logger.Log(context.Background(), level, message, attrs...)

	if !wsl.logger.Enabled(context.Background(), level) {
		return
	}
	wsl.hub.Publish(LogMessage{
		Level:     label,
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}

// GlobalLogger 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器，调用方负责运行 Run
func InitGlobalLogger(base *slog.Logger) *WebSocketLogger {
	GlobalLogger = NewWebSocketLogger(base)
	return GlobalLogger
}

// 便捷函数，全局日志器未初始化时为空操作

func LogInfo(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogInfo(module, message, sessionID)
	}
}

func LogWarning(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogWarning(module, message, sessionID)
	}
}

func LogError(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogError(module, message, sessionID)
	}
}

func LogSuccess(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogSuccess(module, message, sessionID)
	}
}

func LogFault(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogFault(module, message, sessionID)
	}
}
