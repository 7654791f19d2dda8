package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

func TestWorkerPool(t *testing.T) {

	t.Run("RunsEverySubmittedJob", func(t *testing.T) {
		var mu sync.Mutex
		seen := make(map[string]bool)
		var wg sync.WaitGroup
		wp := NewWorkerPool(context.Background(), nopLogger{}, func(ctx context.Context, job dispatchJob) {
			mu.Lock()
			seen[job.step.id] = true
			mu.Unlock()
			wg.Done()
		})
		wp.Start(3)
		defer wp.Stop()

		for _, id := range []string{"a", "b", "c", "d", "e"} {
			wg.Add(1)
			assert.True(t, wp.Submit(dispatchJob{step: stepRef{id: id}}))
		}
		wg.Wait()
		assert.Len(t, seen, 5)
	})

	t.Run("SubmitDoesNotBlockWhenWorkersAreBusy", func(t *testing.T) {
		release := make(chan struct{})
		wp := NewWorkerPool(context.Background(), nopLogger{}, func(ctx context.Context, job dispatchJob) {
			<-release
		})
		wp.Start(1)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				wp.Submit(dispatchJob{})
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Submit blocked while the only worker was busy")
		}
		close(release)
		wp.Stop()
	})

	t.Run("StoppedPoolRejectsJobs", func(t *testing.T) {
		wp := NewWorkerPool(context.Background(), nopLogger{}, func(ctx context.Context, job dispatchJob) {})
		wp.Start(2)
		wp.Stop()
		assert.False(t, wp.Submit(dispatchJob{}))
	})

	t.Run("CancelledContextStopsWorkers", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		wp := NewWorkerPool(ctx, nopLogger{}, func(ctx context.Context, job dispatchJob) {})
		wp.Start(2)
		cancel()
		assert.Eventually(t, func() bool {
			return !wp.Submit(dispatchJob{})
		}, time.Second, time.Millisecond)
		wp.Stop()
	})
}
