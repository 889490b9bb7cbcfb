package grpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"RehabSessionHub/internal/session"
)

// ServiceName 引擎 gRPC 服务全名
const ServiceName = "sessionhub.engine.v1.EngineService"

// SecretMetadataKey 引擎密钥的 metadata 键
const SecretMetadataKey = "x-engine-secret"

// Service 引擎服务依赖的协调器操作
type Service interface {
	CurrentSession() (*session.View, bool)
	End(ctx context.Context, sessionID string) (*session.View, error)
	ReportMetrics(ctx context.Context, sessionID string, rawMetrics json.RawMessage) (*session.MetricsRecord, error)
	Snapshot() session.Event
	Subscribe(buffer int) (<-chan session.Event, func())
}

// EngineServiceServer 引擎服务接口
//
// 消息使用 google.protobuf.Struct 承载与 HTTP 接口相同的 JSON 结构。
type EngineServiceServer interface {
	CurrentSession(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	EndSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchSession(*emptypb.Empty, grpc.ServerStream) error
}

// EngineServer gRPC 引擎服务实现
type EngineServer struct {
	svc Service

	done     chan struct{}
	stopOnce sync.Once
}

var _ EngineServiceServer = (*EngineServer)(nil)

// NewEngineServer 创建引擎服务
func NewEngineServer(svc Service) *EngineServer {
	return &EngineServer{svc: svc, done: make(chan struct{})}
}

// Shutdown 结束所有进行中的 WatchSession 流，可重复调用
//
// 须在 grpc.Server.GracefulStop 之前调用，否则打开的订阅流会阻塞停机。
func (s *EngineServer) Shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
}

// NewServer 创建已注册引擎服务并带密钥校验的 gRPC 服务器；secret 为空时不校验
func NewServer(engine *EngineServer, secret string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(unaryAuth(secret)),
		grpc.ChainStreamInterceptor(streamAuth(secret)),
	)
	s := grpc.NewServer(opts...)
	RegisterEngineServiceServer(s, engine)
	return s
}

// StopWithin 优雅停止服务器，超过 timeout 仍未结束的 RPC 被强制断开
func StopWithin(s *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("gRPC graceful stop timed out, forcing stop", "timeout", timeout)
		s.Stop()
		<-done
	}
}

// CurrentSession 获取当前会话
func (s *EngineServer) CurrentSession(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	view, ok := s.svc.CurrentSession()
	return toStruct(map[string]interface{}{"active": ok, "session": view})
}

// EndSession 结束会话，请求 {"session_id": "..."}
func (s *EngineServer) EndSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	view, err := s.svc.End(ctx, id)
	if err != nil {
		return nil, statusError(err)
	}
	return toStruct(view)
}

// ReportMetrics 上报指标，请求 {"session_id": "...", "metrics": {...}}
func (s *EngineServer) ReportMetrics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	metrics, ok := req.GetFields()["metrics"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "metrics is required")
	}
	raw, err := json.Marshal(metrics.AsInterface())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "metrics: %v", err)
	}

	rec, err := s.svc.ReportMetrics(ctx, id, raw)
	if err != nil {
		return nil, statusError(err)
	}
	return toStruct(rec)
}

// WatchSession 先推送当前快照，再推送每次状态变化
func (s *EngineServer) WatchSession(_ *emptypb.Empty, stream grpc.ServerStream) error {
	events, cancel := s.svc.Subscribe(32)
	defer cancel()

	if err := sendEvent(stream, s.svc.Snapshot()); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return status.Error(codes.Unavailable, "engine server shutting down")
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := sendEvent(stream, ev); err != nil {
				slog.Debug("watch stream send failed", "error", err)
				return err
			}
		}
	}
}

func sendEvent(stream grpc.ServerStream, ev session.Event) error {
	msg, err := toStruct(ev)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

func sessionID(req *structpb.Struct) (string, error) {
	v, ok := req.GetFields()["session_id"]
	if !ok || v.GetStringValue() == "" {
		return "", status.Error(codes.InvalidArgument, "session_id is required")
	}
	return v.GetStringValue(), nil
}

// toStruct 经 JSON 转换为 Struct，字段名与 HTTP 接口一致
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// statusError 错误码写在消息前缀中，内部错误不暴露细节
func statusError(err error) error {
	code := session.CodeOf(err)
	if code == session.CodeInternal {
		slog.Error("engine rpc failed", "error", err)
	}
	return status.Error(code.GRPCCode(), fmt.Sprintf("%s: %s", code, session.PublicMessage(err)))
}

func authorized(ctx context.Context, secret string) bool {
	if secret == "" {
		return true
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	for _, got := range md.Get(SecretMetadataKey) {
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1 {
			return true
		}
	}
	return false
}

func unaryAuth(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !authorized(ctx, secret) {
			return nil, status.Error(codes.Unauthenticated, "invalid engine secret")
		}
		return handler(ctx, req)
	}
}

func streamAuth(secret string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !authorized(ss.Context(), secret) {
			return status.Error(codes.Unauthenticated, "invalid engine secret")
		}
		return handler(srv, ss)
	}
}
