package domain

import "context"

// LeaderElectionManager picks one replica to own cluster-wide housekeeping.
type LeaderElectionManager interface {
	// Campaign blocks until leadership is won. The returned channel closes
	// when it is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
