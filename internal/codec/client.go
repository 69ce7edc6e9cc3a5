// Package codec talks to the feature extraction service that turns raw case signals into
// context vectors.
package codec

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mintenance/critic-controller/internal/model"
)

// ExtractMethod is the full gRPC method name of the feature extraction call.
const ExtractMethod = "/critic.features.v1.FeatureService/Extract"

// #region service
// FeatureService is the client side of the feature extraction RPC.
type FeatureService interface {
	Extract(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.ListValue, error)
}

type featureServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewFeatureServiceClient binds FeatureService to a connection.
func NewFeatureServiceClient(cc grpc.ClientConnInterface) FeatureService {
	return &featureServiceClient{cc: cc}
}

func (c *featureServiceClient) Extract(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ExtractMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion service

// #region client-struct
// FeatureClient wraps the gRPC connection to the feature service and checks the vectors
// it returns.
type FeatureClient struct {
	conn   *grpc.ClientConn
	client FeatureService
	dim    int
}

// #endregion client-struct

// #region constructor
// NewFeatureClient connects to the feature service. Extra dial options are appended after
// insecure transport credentials.
func NewFeatureClient(addr string, dim int, opts ...grpc.DialOption) (*FeatureClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &FeatureClient{
		conn:   conn,
		client: NewFeatureServiceClient(conn),
		dim:    dim,
	}, nil
}

// NewFeatureClientWithService creates a FeatureClient with an injected service.
func NewFeatureClientWithService(svc FeatureService, dim int) *FeatureClient {
	return &FeatureClient{client: svc, dim: dim}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *FeatureClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region extract
// Extract sends raw case signals and returns the context vector. A vector of the wrong
// length or with non-finite values wraps model.ErrDimensionMismatch.
func (c *FeatureClient) Extract(ctx context.Context, signals map[string]any) ([]float64, error) {
	req, err := structpb.NewStruct(signals)
	if err != nil {
		return nil, fmt.Errorf("encode signals: %w", err)
	}
	resp, err := c.client.Extract(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("extract rpc: %w", err)
	}

	values := resp.GetValues()
	if len(values) != c.dim {
		return nil, fmt.Errorf("extract: %w: got %d features, want %d", model.ErrDimensionMismatch, len(values), c.dim)
	}
	vec := make([]float64, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
			return nil, fmt.Errorf("extract: %w: feature %d is not a finite number", model.ErrDimensionMismatch, i)
		}
		vec[i] = n.NumberValue
	}
	return vec, nil
}

// #endregion extract
