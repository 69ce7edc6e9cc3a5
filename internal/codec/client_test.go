package codec

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mintenance/critic-controller/internal/model"
)

// #region mock
type mockFeatureService struct {
	resp *structpb.ListValue
	err  error
	got  *structpb.Struct
}

func (m *mockFeatureService) Extract(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.ListValue, error) {
	m.got = in
	return m.resp, m.err
}

func numbers(t *testing.T, vals ...any) *structpb.ListValue {
	t.Helper()
	l, err := structpb.NewList(vals)
	if err != nil {
		t.Fatalf("build list: %v", err)
	}
	return l
}

// #endregion mock

// #region constructor-tests
func TestNewFeatureClientLazyConnect(t *testing.T) {
	client, err := NewFeatureClient("localhost:0", 12)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	defer client.Close()
}

func TestCloseWithoutConnection(t *testing.T) {
	c := NewFeatureClientWithService(&mockFeatureService{}, 2)
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// #endregion constructor-tests

// #region extract-tests
func TestExtractSuccess(t *testing.T) {
	svc := &mockFeatureService{resp: numbers(t, 0.5, -1.0)}
	c := NewFeatureClientWithService(svc, 2)

	vec, err := c.Extract(context.Background(), map[string]any{"crack_width_mm": 1.5, "room": "kitchen"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != -1.0 {
		t.Fatalf("unexpected vector %v", vec)
	}
	if svc.got.GetFields()["room"].GetStringValue() != "kitchen" {
		t.Fatalf("signals not forwarded: %v", svc.got)
	}
}

func TestExtractRPCError(t *testing.T) {
	c := NewFeatureClientWithService(&mockFeatureService{err: errors.New("unavailable")}, 2)

	if _, err := c.Extract(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractWrongLength(t *testing.T) {
	c := NewFeatureClientWithService(&mockFeatureService{resp: numbers(t, 1.0)}, 2)

	_, err := c.Extract(context.Background(), nil)
	if !errors.Is(err, model.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestExtractNonNumeric(t *testing.T) {
	c := NewFeatureClientWithService(&mockFeatureService{resp: numbers(t, 1.0, "high")}, 2)

	_, err := c.Extract(context.Background(), nil)
	if !errors.Is(err, model.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestExtractNaN(t *testing.T) {
	l := &structpb.ListValue{Values: []*structpb.Value{structpb.NewNumberValue(math.NaN()), structpb.NewNumberValue(1)}}
	c := NewFeatureClientWithService(&mockFeatureService{resp: l}, 2)

	if _, err := c.Extract(context.Background(), nil); !errors.Is(err, model.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestExtractUnsupportedSignal(t *testing.T) {
	c := NewFeatureClientWithService(&mockFeatureService{}, 2)

	if _, err := c.Extract(context.Background(), map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected encode error")
	}
}

// #endregion extract-tests

// #region bufconn-tests
type lengthServer struct{}

// Extract returns [number of signals, 1].
func (lengthServer) Extract(_ context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
	if len(in.GetFields()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no signals")
	}
	return structpb.NewList([]any{float64(len(in.GetFields())), 1.0})
}

func TestExtractOverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterFeatureServer(srv, lengthServer{})
	go srv.Serve(lis)
	defer srv.Stop()

	c, err := NewFeatureClient("passthrough:///bufnet", 2,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	vec, err := c.Extract(context.Background(), map[string]any{"a": 1.0, "b": true, "c": "x"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if vec[0] != 3 || vec[1] != 1 {
		t.Fatalf("unexpected vector %v", vec)
	}

	_, err = c.Extract(context.Background(), map[string]any{})
	if status.Code(errors.Unwrap(err)) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

// #endregion bufconn-tests
