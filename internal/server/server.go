// ============================================================================
// Budget Optimizer gRPC Server
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 把 Controller 的操作暴露為 gRPC 服務
//
// 訊息格式:
//   使用 protobuf well-known types：
//   - 情境 / 回應: structpb.Struct，內容即領域型別的 JSON 形狀
//   - 名稱: wrapperspb.StringValue
//   - 預測: structpb.Struct（channel → spend）→ wrapperspb.DoubleValue
//
// 錯誤對應:
//   ErrValidation → InvalidArgument
//   ErrAlreadyExists → AlreadyExists
//   ErrNotFound → NotFound
//   ErrPersistenceUnavailable → Unavailable
//   其他 → Internal
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/budget-optimizer/internal/controller"
	"github.com/ChuLiYu/budget-optimizer/internal/jobmanager"
	"github.com/ChuLiYu/budget-optimizer/internal/revenue"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Backend is the set of operations the server exposes. *controller.Controller
// implements it.
type Backend interface {
	Create(ctx context.Context, data []byte) (types.Scenario, error)
	List(ctx context.Context) []string
	Get(ctx context.Context, name string) (*types.Study, error)
	BestTrial(ctx context.Context, name string) (*types.Trial, error)
	Settings(ctx context.Context, name string) (types.ScenarioSettings, error)
	Delete(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	JobStatus(name string) (jobmanager.Info, error)
	Predict(ctx context.Context, alloc types.Allocation) (float64, error)
	Contributions(ctx context.Context, alloc types.Allocation) (revenue.Breakdown, error)
	Stats(ctx context.Context) controller.Stats
}

// Server implements ScenarioServiceServer.
type Server struct {
	backend Backend
	log     *slog.Logger
}

var _ ScenarioServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, log: logger.With("component", "server")}
}

// Serve registers the service on a new grpc.Server and serves lis until
// ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterScenarioServiceServer(gs, s)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		gs.GracefulStop()
	}()

	s.log.Info("grpc server listening", "addr", lis.Addr().String())
	err := gs.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	attrs := []any{"method", info.FullMethod, "duration", time.Since(start)}
	if err != nil {
		st, _ := status.FromError(err)
		attrs = append(attrs, "code", st.Code().String(), "error", st.Message())
		if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
			s.log.Error("rpc failed", attrs...)
		} else {
			s.log.Info("rpc rejected", attrs...)
		}
		return resp, err
	}
	s.log.Debug("rpc", attrs...)
	return resp, nil
}

// ============================================================================
// RPC handlers
// ============================================================================

// CreateScenario validates and starts a scenario.
func (s *Server) CreateScenario(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := req.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode scenario: %v", err)
	}
	sc, err := s.backend.Create(ctx, data)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(sc)
}

// ListScenarios returns {"studies": [...]}.
func (s *Server) ListScenarios(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]any{"studies": s.backend.List(ctx)})
}

// GetStudy returns the study with its trials.
func (s *Server) GetStudy(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	study, err := s.backend.Get(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(study)
}

// GetBestTrial returns {"trial": <trial or null>}.
func (s *Server) GetBestTrial(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	best, err := s.backend.BestTrial(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"trial": best})
}

// GetSettings returns the settings rows of a study.
func (s *Server) GetSettings(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	settings, err := s.backend.Settings(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(settings)
}

// DeleteScenario stops the job and deletes the study.
func (s *Server) DeleteScenario(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.backend.Delete(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ResumeScenario restarts the job of an existing study.
func (s *Server) ResumeScenario(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.backend.Resume(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetJobStatus returns the job status and its last failure.
func (s *Server) GetJobStatus(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	info, err := s.backend.JobStatus(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(info)
}

// Predict evaluates the revenue model at an allocation.
func (s *Server) Predict(ctx context.Context, req *structpb.Struct) (*wrapperspb.DoubleValue, error) {
	alloc, err := allocationFromStruct(req)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.backend.Predict(ctx, alloc)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Double(v), nil
}

// Contributions returns the per-channel decomposition of a prediction.
func (s *Server) Contributions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	alloc, err := allocationFromStruct(req)
	if err != nil {
		return nil, toStatus(err)
	}
	b, err := s.backend.Contributions(ctx, alloc)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(b)
}

// GetStats returns service statistics.
func (s *Server) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.backend.Stats(ctx))
}

// ============================================================================
// Helpers
// ============================================================================

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, types.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrPersistenceUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// toStruct converts a JSON-serializable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func allocationFromStruct(s *structpb.Struct) (types.Allocation, error) {
	alloc := make(types.Allocation, len(s.GetFields()))
	for k, v := range s.GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: spend for %q must be a number", types.ErrValidation, k)
		}
		alloc[types.ChannelName(k)] = n.NumberValue
	}
	return alloc, nil
}
