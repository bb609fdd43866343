package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Gopher0727/Cicero/internal/services"
	logger "github.com/Gopher0727/Cicero/middleware/log"
)

// TokenSource 为 uid 提供会话令牌
type TokenSource func(ctx context.Context, uid string) (string, error)

// FunctionsClient 通过 gRPC 调用事务函数，实现 services.Functions
type FunctionsClient struct {
	conn   *grpc.ClientConn
	tokens TokenSource
}

var _ services.Functions = (*FunctionsClient)(nil)

// NewFunctionsClient 创建新的事务函数客户端
func NewFunctionsClient(address string, tokens TokenSource, opts ...grpc.DialOption) (*FunctionsClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to functions: %w", err)
	}
	return &FunctionsClient{conn: conn, tokens: tokens}, nil
}

// Close 关闭客户端连接
func (c *FunctionsClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// outgoing 附加调用者令牌与 trace id；callerID 为空时不附加令牌
func (c *FunctionsClient) outgoing(ctx context.Context, callerID string) (context.Context, error) {
	if traceID := logger.GetTraceID(ctx); traceID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, traceHeader, traceID)
	}
	if callerID == "" || c.tokens == nil {
		return ctx, nil
	}
	token, err := c.tokens(ctx, callerID)
	if err != nil {
		return nil, err
	}
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, bearerPrefix+token), nil
}

func (c *FunctionsClient) call(ctx context.Context, method, callerID, groupID string) (*structpb.Struct, error) {
	ctx, err := c.outgoing(ctx, callerID)
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"groupId": groupID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

func (c *FunctionsClient) JoinGroup(ctx context.Context, callerID, groupID string) (*services.JoinResult, error) {
	out, err := c.call(ctx, JoinGroupMethod, callerID, groupID)
	if err != nil {
		return nil, err
	}
	f := out.GetFields()
	return &services.JoinResult{
		Success: f["success"].GetBoolValue(),
		Message: f["message"].GetStringValue(),
	}, nil
}

func (c *FunctionsClient) DeleteGroup(ctx context.Context, callerID, groupID string) (*services.DeleteResult, error) {
	out, err := c.call(ctx, DeleteGroupMethod, callerID, groupID)
	if err != nil {
		return nil, err
	}
	return &services.DeleteResult{Message: out.GetFields()["message"].GetStringValue()}, nil
}
