// Package scheduler runs the periodic background work: advancing
// automation runs, sweeping inactivity triggers, dispatching scheduled
// campaigns, refreshing segment caches and recomputing engagement
// scores. Each task loops on its own ticker so a slow segment rebuild
// never delays due automation steps.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Task is one named periodic job. Errors are logged and the task is
// retried on its next tick; a failing task never stops the scheduler.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type Scheduler struct {
	tasks    []Task
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func New(tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks:    tasks,
		stopChan: make(chan struct{}),
	}
}

// Start launches one goroutine per task. Each task runs once
// immediately, then on every tick of its interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	log.Printf("[Scheduler] Starting %d tasks", len(s.tasks))
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(task)
	}
}

// Stop signals every task loop to exit and waits for in-flight runs to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) loop(task Task) {
	defer s.wg.Done()

	s.execute(task)

	ticker := time.NewTicker(task.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.execute(task)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) execute(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), task.Every)
	defer cancel()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		log.Printf("[Scheduler] Task %s failed: %v", task.Name, err)
		return
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		log.Printf("[Scheduler] Task %s took %s", task.Name, elapsed)
	}
}
