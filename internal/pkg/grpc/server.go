package grpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	logger "github.com/Gopher0727/Cicero/middleware/log"
)

const (
	authorizationHeader = "authorization"
	traceHeader         = "x-trace-id"
	bearerPrefix        = "Bearer "
)

// Authenticator 校验会话令牌并返回 uid
type Authenticator interface {
	Authenticate(token string) (string, error)
}

type Server struct {
	server   *grpc.Server
	listener net.Listener
	address  string
	log      *zap.Logger
}

// NewServer 监听 address 并创建带日志与认证拦截器的 gRPC 服务器
func NewServer(address string, auth Authenticator, log *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return NewServerWithListener(listener, auth, log), nil
}

// NewServerWithListener 使用已有的 listener（测试中为 bufconn）
func NewServerWithListener(listener net.Listener, auth Authenticator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("grpc")

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			unaryLoggingInterceptor(log),  // 一元 RPC 日志拦截器
			unaryRecoveryInterceptor(log), // panic 转为 Internal
			unaryAuthInterceptor(auth),    // 会话认证
		),
	)
	return &Server{server: s, listener: listener, address: listener.Addr().String(), log: log}
}

func unaryLoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		traceID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(traceHeader); len(v) > 0 {
				traceID = v[0]
			}
		}
		ctx = logger.WithTraceID(ctx, traceID)

		start := time.Now()
		resp, err = handler(ctx, req)
		log.Info("gRPC call",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()),
			zap.String("trace_id", logger.GetTraceID(ctx)))
		return resp, err
	}
}

// unaryRecoveryInterceptor 处理函数 panic 时返回 Internal，不把 panic 内容透出给调用方
func unaryRecoveryInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.Stack("stack"))
				resp, err = nil, status.Error(codes.Internal, "INTERNAL")
			}
		}()
		return handler(ctx, req)
	}
}

// unaryAuthInterceptor 没有令牌时以未认证身份继续，由函数自身给出未认证错误；
// 令牌无效时直接拒绝
func unaryAuthInterceptor(auth Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		token := bearerToken(ctx)
		if token == "" || auth == nil {
			return handler(ctx, req)
		}
		uid, err := auth.Authenticate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid session token")
		}
		return handler(logger.WithUserID(ctx, uid), req)
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(authorizationHeader) {
		if strings.HasPrefix(v, bearerPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
		}
	}
	return ""
}

func (s *Server) Start() error {
	s.log.Info("Starting gRPC server", zap.String("address", s.address))
	return s.server.Serve(s.listener)
}

func (s *Server) Stop() {
	s.log.Info("Stopping gRPC server")
	s.server.GracefulStop()
}

// GetServer 获取底层 gRPC 服务器（用于注册服务）
func (s *Server) GetServer() *grpc.Server {
	return s.server
}
