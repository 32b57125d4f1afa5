package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "budgetoptimizer.v1.ScenarioService"

// Method names.
const (
	MethodCreateScenario = "CreateScenario"
	MethodListScenarios  = "ListScenarios"
	MethodGetStudy       = "GetStudy"
	MethodGetBestTrial   = "GetBestTrial"
	MethodGetSettings    = "GetSettings"
	MethodDeleteScenario = "DeleteScenario"
	MethodResumeScenario = "ResumeScenario"
	MethodGetJobStatus   = "GetJobStatus"
	MethodPredict        = "Predict"
	MethodContributions  = "Contributions"
	MethodGetStats       = "GetStats"
)

// ScenarioServiceServer is the server API for the scenario service.
// Messages are protobuf well-known types; Struct payloads carry the JSON
// shapes of the domain types.
type ScenarioServiceServer interface {
	CreateScenario(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListScenarios(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStudy(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetBestTrial(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetSettings(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	DeleteScenario(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ResumeScenario(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetJobStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Predict(context.Context, *structpb.Struct) (*wrapperspb.DoubleValue, error)
	Contributions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterScenarioServiceServer registers srv on s.
func RegisterScenarioServiceServer(s grpc.ServiceRegistrar, srv ScenarioServiceServer) {
	s.RegisterService(&ScenarioServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the method descriptor for one unary RPC.
func unary[Req, Resp any](method string, call func(ScenarioServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ScenarioServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ScenarioServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ScenarioServiceDesc is the grpc.ServiceDesc for the scenario service.
var ScenarioServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScenarioServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateScenario, ScenarioServiceServer.CreateScenario),
		unary(MethodListScenarios, ScenarioServiceServer.ListScenarios),
		unary(MethodGetStudy, ScenarioServiceServer.GetStudy),
		unary(MethodGetBestTrial, ScenarioServiceServer.GetBestTrial),
		unary(MethodGetSettings, ScenarioServiceServer.GetSettings),
		unary(MethodDeleteScenario, ScenarioServiceServer.DeleteScenario),
		unary(MethodResumeScenario, ScenarioServiceServer.ResumeScenario),
		unary(MethodGetJobStatus, ScenarioServiceServer.GetJobStatus),
		unary(MethodPredict, ScenarioServiceServer.Predict),
		unary(MethodContributions, ScenarioServiceServer.Contributions),
		unary(MethodGetStats, ScenarioServiceServer.GetStats),
	},
	Streams: []grpc.StreamDesc{},
}
