// Package queue is the SQLite-backed task queue feeding the worker pool.
// A task is an instruction to advance one run. Delivery is at-least-once:
// a dequeue takes a lease (owner + expiry), acking deletes the task, and
// leases that expire without an ack make the task claimable again. Consumers
// must therefore be idempotent; Orchestrator.Resume is.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no task is claimable.
var ErrEmpty = errors.New("queue empty")

// ErrLost is returned when extending or acking a task whose lease the caller
// no longer holds (expired and reclaimed, or acked already).
var ErrLost = errors.New("task lease lost")

// Task is one queued unit of work.
type Task struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	Priority       int       `json:"priority"`
	Attempts       int       `json:"attempts"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Queue defines the task queue operations.
type Queue interface {
	// Enqueue queues a task for the run. A run with an unclaimed task
	// already queued is not queued twice.
	Enqueue(ctx context.Context, runID string, priority int) error

	// Dequeue claims the highest-priority, oldest unclaimed task under a
	// lease, or returns ErrEmpty.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Extend pushes out the lease expiry on a claimed task. Returns ErrLost
	// when the caller's lease is gone.
	Extend(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Ack completes a task, removing it. Acking a lost lease returns
	// ErrLost; the task has been (or will be) redelivered elsewhere.
	Ack(ctx context.Context, taskID, owner string) error

	// ReclaimExpired releases every lapsed lease, making those tasks
	// claimable again. Returns the number reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)

	// Depth returns the number of unclaimed tasks.
	Depth(ctx context.Context) (int, error)
}
