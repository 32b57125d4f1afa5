package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/budget-optimizer/internal/controller"
	"github.com/ChuLiYu/budget-optimizer/internal/jobmanager"
	"github.com/ChuLiYu/budget-optimizer/internal/revenue"
	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Client calls the scenario service and decodes responses into domain
// types. Status codes are mapped back to the pkg/types sentinels.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

// fromStatus maps a gRPC status back to a domain sentinel.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = types.ErrValidation
	case codes.AlreadyExists:
		sentinel = types.ErrAlreadyExists
	case codes.NotFound:
		sentinel = types.ErrNotFound
	case codes.Unavailable:
		sentinel = types.ErrPersistenceUnavailable
	default:
		return err
	}
	return fmt.Errorf("%w (remote: %s)", sentinel, st.Message())
}

func fromStruct(s *structpb.Struct, out any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Create submits a scenario in its JSON wire shape.
func (c *Client) Create(ctx context.Context, data []byte) (types.Scenario, error) {
	in := &structpb.Struct{}
	if err := in.UnmarshalJSON(data); err != nil {
		return types.Scenario{}, fmt.Errorf("%w: scenario must be a JSON object: %v", types.ErrValidation, err)
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodCreateScenario, in, out); err != nil {
		return types.Scenario{}, err
	}
	var sc types.Scenario
	if err := fromStruct(out, &sc); err != nil {
		return types.Scenario{}, err
	}
	return sc, nil
}

// List returns all study names.
func (c *Client) List(ctx context.Context) ([]string, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodListScenarios, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Studies []string `json:"studies"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	if resp.Studies == nil {
		resp.Studies = []string{}
	}
	return resp.Studies, nil
}

// Get loads a study.
func (c *Client) Get(ctx context.Context, name string) (*types.Study, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodGetStudy, wrapperspb.String(name), out); err != nil {
		return nil, err
	}
	var study types.Study
	if err := fromStruct(out, &study); err != nil {
		return nil, err
	}
	return &study, nil
}

// BestTrial returns the best completed trial, or nil.
func (c *Client) BestTrial(ctx context.Context, name string) (*types.Trial, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodGetBestTrial, wrapperspb.String(name), out); err != nil {
		return nil, err
	}
	var resp struct {
		Trial *types.Trial `json:"trial"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Trial, nil
}

// Settings returns the settings rows of a study.
func (c *Client) Settings(ctx context.Context, name string) (types.ScenarioSettings, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodGetSettings, wrapperspb.String(name), out); err != nil {
		return types.ScenarioSettings{}, err
	}
	var settings types.ScenarioSettings
	if err := fromStruct(out, &settings); err != nil {
		return types.ScenarioSettings{}, err
	}
	return settings, nil
}

// Delete stops the job and deletes the study.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.invoke(ctx, MethodDeleteScenario, wrapperspb.String(name), &emptypb.Empty{})
}

// Resume restarts the job of an existing study.
func (c *Client) Resume(ctx context.Context, name string) error {
	return c.invoke(ctx, MethodResumeScenario, wrapperspb.String(name), &emptypb.Empty{})
}

// JobStatus returns the job status of a study.
func (c *Client) JobStatus(ctx context.Context, name string) (jobmanager.Info, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodGetJobStatus, wrapperspb.String(name), out); err != nil {
		return jobmanager.Info{}, err
	}
	var info jobmanager.Info
	if err := fromStruct(out, &info); err != nil {
		return jobmanager.Info{}, err
	}
	return info, nil
}

func allocationStruct(alloc types.Allocation) (*structpb.Struct, error) {
	fields := make(map[string]any, len(alloc))
	for k, v := range alloc {
		fields[string(k)] = v
	}
	return structpb.NewStruct(fields)
}

// Predict evaluates the revenue model.
func (c *Client) Predict(ctx context.Context, alloc types.Allocation) (float64, error) {
	in, err := allocationStruct(alloc)
	if err != nil {
		return 0, err
	}
	out := &wrapperspb.DoubleValue{}
	if err := c.invoke(ctx, MethodPredict, in, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Contributions returns the per-channel decomposition.
func (c *Client) Contributions(ctx context.Context, alloc types.Allocation) (revenue.Breakdown, error) {
	in, err := allocationStruct(alloc)
	if err != nil {
		return revenue.Breakdown{}, err
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodContributions, in, out); err != nil {
		return revenue.Breakdown{}, err
	}
	var b revenue.Breakdown
	if err := fromStruct(out, &b); err != nil {
		return revenue.Breakdown{}, err
	}
	return b, nil
}

// Stats returns service statistics.
func (c *Client) Stats(ctx context.Context) (controller.Stats, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, MethodGetStats, &emptypb.Empty{}, out); err != nil {
		return controller.Stats{}, err
	}
	var stats controller.Stats
	if err := fromStruct(out, &stats); err != nil {
		return controller.Stats{}, err
	}
	return stats, nil
}
