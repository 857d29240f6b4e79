package usecase

import (
	"context"
	"log/slog"
	"time"

	"threat-api/internal/domain"
	"threat-api/internal/metrics"
)

// MaintenanceService runs housekeeping tasks on exactly one replica: it
// campaigns for leadership and only the leader runs the scheduler.
type MaintenanceService struct {
	leaderManager domain.LeaderElectionManager
	newScheduler  func() domain.Scheduler
	tasks         []domain.MaintenanceTask
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

// NewMaintenanceService creates the service. newScheduler is called on
// every leadership win so a lost term leaves nothing running.
func NewMaintenanceService(leaderManager domain.LeaderElectionManager, newScheduler func() domain.Scheduler, tasks []domain.MaintenanceTask, nodeID string, logger *slog.Logger) *MaintenanceService {
	return &MaintenanceService{
		leaderManager: leaderManager,
		newScheduler:  newScheduler,
		tasks:         tasks,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "maintenance-service", "node_id", nodeID),
	}
}

// Start blocks until ctx ends.
func (s *MaintenanceService) Start(ctx context.Context) error {
	s.logger.Info("maintenance service starting", "tasks", len(s.tasks))
	leader := metrics.IsLeader.WithLabelValues(s.nodeID)
	leader.Set(0)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("leadership campaign failed, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
			continue
		}

		leader.Set(1)
		s.logger.Info("became maintenance leader, starting scheduler")
		termCtx, endTerm := context.WithCancel(ctx)
		s.runScheduler(termCtx)

		select {
		case <-lost:
			s.logger.Warn("maintenance leadership lost")
			endTerm()
			leader.Set(0)
		case <-ctx.Done():
			endTerm()
			leader.Set(0)
			resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.leaderManager.Resign(resignCtx); err != nil {
				s.logger.Error("failed to resign leadership", "error", err)
			}
			cancel()
			return ctx.Err()
		}
	}
}

func (s *MaintenanceService) runScheduler(ctx context.Context) {
	scheduler := s.newScheduler()
	for _, task := range s.tasks {
		if err := scheduler.AddTask(task); err != nil {
			s.logger.Error("failed to schedule maintenance task", "task", task.Name, "error", err)
		}
	}
	go func() {
		_ = scheduler.Start(ctx)
	}()
}
