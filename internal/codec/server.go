package codec

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// FeatureServer is the server side of the feature extraction RPC. Used by local stubs
// and tests.
type FeatureServer interface {
	Extract(ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error)
}

// FeatureServiceDesc describes critic.features.v1.FeatureService.
var FeatureServiceDesc = grpc.ServiceDesc{
	ServiceName: "critic.features.v1.FeatureService",
	HandlerType: (*FeatureServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Extract", Handler: extractHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "critic/features/v1/features.proto",
}

// RegisterFeatureServer registers impl on s.
func RegisterFeatureServer(s grpc.ServiceRegistrar, impl FeatureServer) {
	s.RegisterService(&FeatureServiceDesc, impl)
}

func extractHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeatureServer).Extract(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExtractMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FeatureServer).Extract(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
