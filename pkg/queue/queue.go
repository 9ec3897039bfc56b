// Package queue provides bounded-concurrency admission control for outbound
// requests. Tasks are admitted immediately while slots are free and otherwise
// held in FIFO order until one frees up.
package queue

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

const (
	// DefaultConcurrency is the slot count for general HTTP use.
	DefaultConcurrency = 10
	// HighThroughputConcurrency suits providers known to tolerate bursts.
	HighThroughputConcurrency = 50
)

// SizeFor picks a slot count from the estimated workload size.
func SizeFor(workload int) int {
	switch {
	case workload < 50:
		return DefaultConcurrency
	case workload > 200:
		return HighThroughputConcurrency
	default:
		return 25
	}
}

// Gate admits at most maxConcurrent tasks at a time. semaphore.Weighted
// services waiters in FIFO order, which keeps admission fair.
type Gate struct {
	sem     *semaphore.Weighted
	active  atomic.Int64
	waiting atomic.Int64
}

func New(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultConcurrency
	}
	return &Gate{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Enqueue runs task once a slot is free and returns its result. A failing
// task releases its slot normally and does not affect other queued or active
// tasks.
func (g *Gate) Enqueue(ctx context.Context, task func() error) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return xerrors.Errorf("acquire slot: %w", err)
	}

	g.active.Add(1)
	defer func() {
		g.active.Add(-1)
		g.sem.Release(1)
	}()

	return task()
}

// Run is Enqueue for tasks that produce a value.
func Run[T any](ctx context.Context, g *Gate, task func() (T, error)) (T, error) {
	var out T
	err := g.Enqueue(ctx, func() error {
		var err error
		out, err = task()
		return err
	})
	return out, err
}

// Active returns the number of tasks currently holding a slot.
func (g *Gate) Active() int {
	return int(g.active.Load())
}

// Waiting returns the number of tasks queued for a slot.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}
