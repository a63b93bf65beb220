package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestTasksRunImmediatelyAndOnTicks(t *testing.T) {
	var runs int64
	s := New(Task{
		Name:  "counter",
		Every: 10 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})

	s.Start()
	time.Sleep(55 * time.Millisecond)
	s.Stop()

	got := atomic.LoadInt64(&runs)
	// One immediate run plus roughly five ticks. Timing is not exact
	// under load, so only assert the floor.
	if got < 3 {
		t.Errorf("runs = %d, want at least 3", got)
	}
}

func TestFailingTaskIsRetried(t *testing.T) {
	var runs int64
	s := New(Task{
		Name:  "flaky",
		Every: 10 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt64(&runs, 1)
			return fmt.Errorf("boom")
		},
	})

	s.Start()
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	if got := atomic.LoadInt64(&runs); got < 2 {
		t.Errorf("runs = %d, want the task retried after failure", got)
	}
}

func TestStopWaitsForInflightRun(t *testing.T) {
	done := make(chan struct{})
	release := make(chan struct{})
	s := New(Task{
		Name:  "slow",
		Every: time.Hour,
		Run: func(context.Context) error {
			<-release
			close(done)
			return nil
		},
	})

	s.Start()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	s.Stop()

	select {
	case <-done:
	default:
		t.Error("Stop returned before the in-flight run finished")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Task{Name: "noop", Every: time.Hour, Run: func(context.Context) error { return nil }})
	s.Start()
	s.Stop()
	s.Stop()
	s.Start() // restarting a stopped scheduler is not supported, but must not panic
}
