package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerRunsImmediately(t *testing.T) {
	var runs atomic.Int32
	done := make(chan struct{})

	r := NewRunner("test", time.Hour, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Expected the first run before the first tick")
	}

	cancel()
	r.Wait()
	if runs.Load() != 1 {
		t.Errorf("Expected exactly 1 run, got %d", runs.Load())
	}
}

func TestRunnerSkipsOverlappingTicks(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	r := NewRunner("slow", 20*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	<-started
	// Several ticks elapse while the first run is still in flight;
	// none of them may start a second run.
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("Expected overlapping ticks skipped, got %d runs", got)
	}

	close(release)
	cancel()
	r.Wait()
}

func TestRunnerStopsOnCancel(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner("stopper", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	r.Wait()

	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != settled {
		t.Errorf("Expected no runs after cancellation")
	}
}
