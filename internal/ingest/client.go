package ingest

import (
	"context"
	"fmt"

	"threat-api/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Publisher is a domain.ResultPublisher that reports over gRPC.
type Publisher struct {
	conn *grpc.ClientConn
}

// Dial connects to an ingest server at target.
func Dial(target string, opts ...grpc.DialOption) (*Publisher, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest client for %s: %w", target, err)
	}
	return &Publisher{conn: conn}, nil
}

func (p *Publisher) PublishResult(ctx context.Context, r *domain.PartialResult) error {
	in, err := toStruct(r)
	if err != nil {
		return err
	}
	if err := p.conn.Invoke(ctx, ReportMethod, in, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("failed to report result of %s for job %s: %w", r.ModuleName, r.JobID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}
