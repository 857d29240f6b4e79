package ingest

import (
	"context"
	"log/slog"

	"threat-api/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server feeds reported results into a result handler, normally
// Aggregator.Handle.
type Server struct {
	handler domain.ResultHandler
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewServer(handler domain.ResultHandler, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger.With("component", "ingest-server"),
		tracer:  otel.Tracer("threat-api-ingest"),
	}
}

// Report accepts one partial result.
func (s *Server) Report(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.Report")
	defer span.End()

	r, err := fromStruct(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "undecodable result")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := r.Validate(); err != nil {
		span.SetStatus(otelcodes.Error, "invalid result")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	span.SetAttributes(attribute.String("job.id", r.JobID), attribute.String("module.name", r.ModuleName))

	if err := s.handler(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "handler failed")
		s.logger.Error("failed to handle reported result", "job_id", r.JobID, "module", r.ModuleName, "error", err)
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &emptypb.Empty{}, nil
}
