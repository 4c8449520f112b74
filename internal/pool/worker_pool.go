package pool

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskWithContext represents a task that accepts context
type TaskWithContext func(context.Context) error

// WorkerPool runs groups of tasks with a fixed concurrency width.
// A group is a barrier: RunGroup does not return until every member has returned.
type WorkerPool struct {
	width       int
	activeCount int32
	totalTasks  int64
	failedTasks int64
	groups      int64
	avgExecTime int64 // nanoseconds
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(width int) *WorkerPool {
	if width <= 0 {
		width = 1
	}
	return &WorkerPool{width: width}
}

// Width returns the maximum number of tasks in flight.
func (p *WorkerPool) Width() int {
	return p.width
}

// RunGroup runs tasks with at most Width in flight and waits for all of them.
// A failing task does not stop its siblings; the first error is returned.
func (p *WorkerPool) RunGroup(ctx context.Context, tasks []TaskWithContext) error {
	if len(tasks) == 0 {
		return nil
	}
	atomic.AddInt64(&p.groups, 1)

	var g errgroup.Group
	g.SetLimit(p.width)
	for _, task := range tasks {
		if task == nil {
			continue
		}
		g.Go(func() error {
			return p.execute(ctx, task)
		})
	}
	return g.Wait()
}

func (p *WorkerPool) execute(ctx context.Context, task TaskWithContext) error {
	start := time.Now()
	atomic.AddInt32(&p.activeCount, 1)
	atomic.AddInt64(&p.totalTasks, 1)
	defer atomic.AddInt32(&p.activeCount, -1)

	err := task(ctx)
	if err != nil {
		atomic.AddInt64(&p.failedTasks, 1)
	}

	elapsed := time.Since(start).Nanoseconds()
	// simple moving average
	oldAvg := atomic.LoadInt64(&p.avgExecTime)
	atomic.StoreInt64(&p.avgExecTime, (oldAvg*9+elapsed)/10)

	return err
}

// WorkerPoolStats is a point-in-time view of pool counters.
type WorkerPoolStats struct {
	Width         int
	ActiveWorkers int32
	TotalTasks    int64
	FailedTasks   int64
	Groups        int64
	AvgExecTime   time.Duration
}

// GetStats returns current statistics
func (p *WorkerPool) GetStats() WorkerPoolStats {
	return WorkerPoolStats{
		Width:         p.width,
		ActiveWorkers: atomic.LoadInt32(&p.activeCount),
		TotalTasks:    atomic.LoadInt64(&p.totalTasks),
		FailedTasks:   atomic.LoadInt64(&p.failedTasks),
		Groups:        atomic.LoadInt64(&p.groups),
		AvgExecTime:   time.Duration(atomic.LoadInt64(&p.avgExecTime)),
	}
}
