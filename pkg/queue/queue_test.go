package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dephealth/vulnscan-db/pkg/queue"
)

func TestGate_BoundsConcurrency(t *testing.T) {
	const slots = 3
	const tasks = 20

	g := queue.New(slots)

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Enqueue(context.Background(), func() error {
				cur := active.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				<-release
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	close(release)
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(slots))
	assert.Equal(t, 0, g.Active())
	assert.Equal(t, 0, g.Waiting())
}

func TestGate_TaskFailureDoesNotAffectOthers(t *testing.T) {
	g := queue.New(1)

	err := g.Enqueue(context.Background(), func() error {
		return xerrors.New("boom")
	})
	assert.Error(t, err)

	// The failed task released its slot, so the next task is admitted.
	var ran bool
	err = g.Enqueue(context.Background(), func() error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestGate_CancelledContext(t *testing.T) {
	g := queue.New(1)

	done := make(chan struct{})
	blocker := make(chan struct{})
	go func() {
		defer close(done)
		g.Enqueue(context.Background(), func() error { //nolint:errcheck
			<-blocker
			return nil
		})
	}()

	// Wait until the blocker holds the only slot.
	for g.Active() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Enqueue(ctx, func() error { return nil })
	assert.Error(t, err)

	close(blocker)
	<-done
}

func TestRun(t *testing.T) {
	g := queue.New(2)

	got, err := queue.Run(context.Background(), g, func() (string, error) {
		return "value", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	_, err = queue.Run(context.Background(), g, func() (string, error) {
		return "", xerrors.New("task error")
	})
	assert.Error(t, err)
}

func TestSizeFor(t *testing.T) {
	tests := []struct {
		workload int
		want     int
	}{
		{0, queue.DefaultConcurrency},
		{49, queue.DefaultConcurrency},
		{50, 25},
		{200, 25},
		{201, queue.HighThroughputConcurrency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, queue.SizeFor(tt.workload), "workload %d", tt.workload)
	}
}
