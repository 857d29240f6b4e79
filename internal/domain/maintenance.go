package domain

import "context"

// MaintenanceTask is periodic housekeeping run on a cron schedule.
type MaintenanceTask struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs maintenance tasks until its context ends.
type Scheduler interface {
	Start(ctx context.Context) error
	AddTask(task MaintenanceTask) error
	RemoveTask(name string) error
}
