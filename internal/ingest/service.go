// Package ingest exposes the return channel over gRPC so workers outside
// the cluster can report partial results straight to the aggregator.
//
// The service is threat.v1.ResultIngest with a single unary method,
// Report(google.protobuf.Struct) returns (google.protobuf.Empty). The Struct
// carries the partial result message as JSON-shaped fields.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"threat-api/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "threat.v1.ResultIngest"
	ReportMethod = "/" + ServiceName + "/Report"
)

// ResultIngestServer is the server API for the ResultIngest service.
type ResultIngestServer interface {
	Report(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterResultIngestServer registers srv on s.
func RegisterResultIngestServer(s grpc.ServiceRegistrar, srv ResultIngestServer) {
	s.RegisterService(&resultIngestServiceDesc, srv)
}

func reportHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResultIngestServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ReportMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ResultIngestServer).Report(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var resultIngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResultIngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Report",
			Handler:    reportHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "threat/v1/ingest.proto",
}

// toStruct encodes a partial result as a protobuf Struct.
func toStruct(r *domain.PartialResult) (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal partial result: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten partial result: %w", err)
	}
	return structpb.NewStruct(fields)
}

// fromStruct decodes a partial result from a protobuf Struct.
func fromStruct(s *structpb.Struct) (*domain.PartialResult, error) {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal struct: %w", err)
	}
	var r domain.PartialResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode partial result: %w", err)
	}
	return &r, nil
}
