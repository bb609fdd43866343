package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Gopher0727/Cicero/internal/services"
	logger "github.com/Gopher0727/Cicero/middleware/log"
)

// 事务函数服务。请求与响应都是 google.protobuf.Struct，字段与 HTTP 调用协议的 data / result 相同。
const (
	FunctionsServiceName = "cicero.functions.v1.Functions"

	JoinGroupMethod   = "/" + FunctionsServiceName + "/JoinGroup"
	DeleteGroupMethod = "/" + FunctionsServiceName + "/DeleteGroup"
)

type functionsHandler interface {
	joinGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	deleteGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// FunctionsServer 将 services.Functions 暴露为 gRPC 服务，调用者身份取自认证拦截器
type FunctionsServer struct {
	fns services.Functions
}

func NewFunctionsServer(fns services.Functions) *FunctionsServer {
	return &FunctionsServer{fns: fns}
}

// Register 注册到 gRPC 服务器
func (s *FunctionsServer) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&functionsServiceDesc, s)
}

func groupIDOf(req *structpb.Struct) string {
	if req == nil {
		return ""
	}
	if v, ok := req.GetFields()["groupId"]; ok {
		return v.GetStringValue()
	}
	return ""
}

func (s *FunctionsServer) joinGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.fns.JoinGroup(ctx, logger.GetUserID(ctx), groupIDOf(req))
	if err != nil {
		return nil, ToStatus(err)
	}
	return structpb.NewStruct(map[string]any{"success": res.Success, "message": res.Message})
}

func (s *FunctionsServer) deleteGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.fns.DeleteGroup(ctx, logger.GetUserID(ctx), groupIDOf(req))
	if err != nil {
		return nil, ToStatus(err)
	}
	return structpb.NewStruct(map[string]any{"message": res.Message})
}

func joinGroupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(functionsHandler).joinGroup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: JoinGroupMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(functionsHandler).joinGroup(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteGroupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(functionsHandler).deleteGroup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeleteGroupMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(functionsHandler).deleteGroup(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var functionsServiceDesc = grpc.ServiceDesc{
	ServiceName: FunctionsServiceName,
	HandlerType: (*functionsHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "JoinGroup", Handler: joinGroupHandler},
		{MethodName: "DeleteGroup", Handler: deleteGroupHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cicero/functions/v1/functions.proto",
}
