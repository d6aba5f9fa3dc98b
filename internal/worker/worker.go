// Package worker polls the task queue and drives runs through the
// orchestrator. A worker holds a lease on each claimed task and extends it
// while the run advances; a worker that dies mid-task lets the lease lapse
// and the task is redelivered to another worker. Acking happens only after
// a drive returns cleanly, so delivery is at-least-once end to end.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seqlab/benchd/internal/engine"
	"github.com/seqlab/benchd/internal/queue"
)

// errLeaseLost cancels a drive whose task lease was reclaimed from under it.
var errLeaseLost = errors.New("task lease lost")

// Pool runs a fixed set of workers over one task queue.
type Pool struct {
	queue        queue.Queue
	orch         *engine.Orchestrator
	size         int
	leaseTTL     time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewPool wires a pool of size workers. Task leases last leaseTTL and are
// renewed at a third of that; idle workers poll every pollInterval.
func NewPool(q queue.Queue, orch *engine.Orchestrator, size int, leaseTTL, pollInterval time.Duration, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:        q,
		orch:         orch,
		size:         size,
		leaseTTL:     leaseTTL,
		pollInterval: pollInterval,
		logger:       logger,
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the workers. They run until ctx is cancelled; a drive in
// flight stops at its next step boundary and leaves its task unacked.
func (p *Pool) Start(ctx context.Context) {
	for range p.size {
		workerID := uuid.Must(uuid.NewV7()).String()
		p.wg.Go(func() {
			p.run(ctx, workerID)
		})
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Wake nudges an idle worker to poll now. Never blocks; a pending nudge
// coalesces.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) run(ctx context.Context, workerID string) {
	logger := p.logger.With("worker_id", workerID)
	logger.Info("worker started")
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil && p.next(ctx, workerID, logger) {
		}
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// next claims and processes one task. It reports whether a task was claimed,
// so a hot queue drains without waiting out the poll interval.
func (p *Pool) next(ctx context.Context, workerID string, logger *slog.Logger) bool {
	task, err := p.queue.Dequeue(ctx, workerID, p.leaseTTL)
	if errors.Is(err, queue.ErrEmpty) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("dequeue failed", "error", err)
		}
		return false
	}

	driveCtx, cancel := context.WithCancelCause(ctx)
	extDone := make(chan struct{})
	go func() {
		defer close(extDone)
		p.extend(driveCtx, task, workerID, cancel)
	}()

	start := time.Now()
	err = p.orch.Resume(driveCtx, task.RunID)
	cancel(nil)
	<-extDone

	if err != nil {
		// No ack: the lease lapses and the task is redelivered. Resume is
		// idempotent, so the retry picks up where this attempt stopped.
		tasksProcessedTotal.WithLabelValues("redelivered").Inc()
		logger.Warn("task left for redelivery", "run_id", task.RunID, "attempts", task.Attempts, "error", err)
		return true
	}
	if err := p.queue.Ack(ctx, task.ID, workerID); err != nil && !errors.Is(err, queue.ErrLost) {
		logger.Error("ack failed", "task_id", task.ID, "error", err)
	}
	tasksProcessedTotal.WithLabelValues("ok").Inc()
	taskDriveSeconds.Observe(time.Since(start).Seconds())
	return true
}

// extend renews the task lease on a third of its TTL while the drive runs.
// A lost lease means another worker may own the task already; the drive is
// cancelled so this one backs off at the next step boundary.
func (p *Pool) extend(ctx context.Context, task *queue.Task, workerID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(p.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Extend(ctx, task.ID, workerID, p.leaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLost):
				taskLeasesLostTotal.Inc()
				p.logger.Warn("task lease lost mid-drive", "task_id", task.ID, "run_id", task.RunID)
				cancel(errLeaseLost)
				return
			default:
				if ctx.Err() == nil {
					p.logger.Warn("task lease extension failed", "task_id", task.ID, "error", err)
				}
			}
		}
	}
}
