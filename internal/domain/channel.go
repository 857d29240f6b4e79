package domain

import "context"

// DispatchHandler processes one dispatch. Returning an error leaves the
// message unacknowledged so it is delivered again.
type DispatchHandler func(ctx context.Context, d *Dispatch) error

// ResultHandler processes one partial result.
type ResultHandler func(ctx context.Context, r *PartialResult) error

// DispatchPublisher broadcasts dispatches to every worker pool.
type DispatchPublisher interface {
	PublishDispatch(ctx context.Context, d *Dispatch) error
}

// DispatchConsumer delivers every dispatch to each distinct group. Consumers
// sharing a group split the stream between them.
type DispatchConsumer interface {
	ConsumeDispatches(ctx context.Context, group, consumer string, h DispatchHandler) error
}

// ResultPublisher sends partial results back to the aggregator.
type ResultPublisher interface {
	PublishResult(ctx context.Context, r *PartialResult) error
}

// ResultConsumer delivers partial results to the aggregator.
type ResultConsumer interface {
	ConsumeResults(ctx context.Context, consumer string, h ResultHandler) error
}
