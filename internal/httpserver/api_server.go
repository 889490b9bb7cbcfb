package httpserver

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"RehabSessionHub/api/handlers"
)

// 调用方凭据请求头
const (
	HeaderEngineSecret = "X-Engine-Secret"
	HeaderUserID       = "X-User-ID"
)

// Config HTTP 服务配置
type Config struct {
	Addr               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	CORSAllowedOrigins []string
	// EngineSecret 为空时引擎接口不做鉴权（仅用于本地开发）
	EngineSecret string
}

// Routes 各组路由的处理器
type Routes struct {
	Engine        *handlers.EngineHandler
	Dashboard     *handlers.DashboardHandler
	System        *handlers.SystemHandler
	SessionStream http.Handler
	LogStream     http.Handler
}

// APIServer 会话协调服务的 HTTP 入口
type APIServer struct {
	router *mux.Router
	server *http.Server
	cfg    Config
}

// NewAPIServer 创建 HTTP API 服务器
func NewAPIServer(cfg Config, routes Routes) *APIServer {
	s := &APIServer{
		router: mux.NewRouter(),
		cfg:    cfg,
	}
	s.setupRoutes(routes)

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", HeaderUserID, HeaderEngineSecret},
	})

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes(routes Routes) {
	s.router.Use(loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if routes.System != nil {
		routes.System.Register(api)
	}

	if routes.Engine != nil {
		engine := api.PathPrefix("/engine").Subrouter()
		engine.Use(s.engineAuthMiddleware)
		routes.Engine.Register(engine)
	}

	if routes.Dashboard != nil {
		dashboard := api.PathPrefix("/dashboard").Subrouter()
		dashboard.Use(identityMiddleware)
		routes.Dashboard.Register(dashboard)
	}

	// 浏览器无法为 WebSocket 握手设置请求头，订阅接口同时接受查询参数
	if routes.SessionStream != nil {
		api.Handle("/ws/session", s.watchAuth(routes.SessionStream)).Methods(http.MethodGet)
	}
	if routes.LogStream != nil {
		api.Handle("/logs/ws", s.watchAuth(routes.LogStream)).Methods(http.MethodGet)
	}
}

// Handler 返回完整的 HTTP 处理链（含 CORS）
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Start 监听并服务，正常关闭时返回 nil
func (s *APIServer) Start() error {
	slog.Info("starting HTTP API server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭
func (s *APIServer) Shutdown(ctx context.Context) error {
	slog.Info("stopping HTTP API server")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) engineSecretValid(secret string) bool {
	if s.cfg.EngineSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.EngineSecret)) == 1
}

func (s *APIServer) engineAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.engineSecretValid(r.Header.Get(HeaderEngineSecret)) {
			handlers.WriteErrorResponse(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "invalid engine secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identityMiddleware 仪表盘用户由上游网关认证后通过 X-User-ID 传入
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			handlers.WriteErrorResponse(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "missing "+HeaderUserID+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(handlers.WithUserID(r.Context(), userID)))
	})
}

// watchAuth 订阅接口接受仪表盘用户或引擎凭据
func (s *APIServer) watchAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			userID = strings.TrimSpace(q.Get("user_id"))
		}
		secret := r.Header.Get(HeaderEngineSecret)
		if secret == "" {
			secret = q.Get("secret")
		}

		if userID == "" && !s.engineSecretValid(secret) {
			handlers.WriteErrorResponse(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "missing subscriber credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder 记录响应状态码，同时保留 WebSocket 升级所需的 Hijack
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
