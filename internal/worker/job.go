package worker

import (
	"context"
	"errors"
	"time"

	"questro/internal/models"
)

var (
	// ErrDispatcherBusy means the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrUserBusy means the user already has a call of the same kind in flight.
	ErrUserBusy = errors.New("a request of this kind is already in progress")
	// ErrCanceled is reported to jobs dropped before they ran.
	ErrCanceled = errors.New("job canceled")
	// ErrStopped is returned once the manager has been closed.
	ErrStopped = errors.New("worker manager stopped")
)

// Task is the unit of work run on a pooled worker.
type Task func(ctx context.Context) error

type JobType string

const (
	Run  JobType = "run"
	Stop JobType = "stop"
)

// Job travels from the dispatcher to a worker.
type Job struct {
	Type   JobType
	UserID int64
	Kind   models.Kind
	ctx    context.Context
	task   Task
	done   chan error
	finish func()
}

// complete reports the result once and releases the busy flag.
func (j Job) complete(err error) {
	if j.finish != nil {
		j.finish()
	}
	if j.done != nil {
		j.done <- err
	}
}

// DispatcherConfig sizes the worker pool and its intake queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// BusyTTL bounds how long a shared busy flag may outlive its holder.
	BusyTTL time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultWorkerIdle
	}
	if c.BusyTTL <= 0 {
		c.BusyTTL = 5 * time.Minute
	}
	return c
}
