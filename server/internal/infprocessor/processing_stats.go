package infprocessor

import (
	"sync"
	"time"
)

// ProcessingStats holds the timings of a task.
type ProcessingStats struct {
	queueWait time.Duration
	runTime   time.Duration

	mu sync.Mutex
}

func (s *ProcessingStats) setQueueWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueWait = d
}

func (s *ProcessingStats) setRunTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runTime = d
}

// QueueWait returns how long the task waited for a worker.
func (s *ProcessingStats) QueueWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueWait
}

// RunTime returns how long the worker spent on the task.
func (s *ProcessingStats) RunTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runTime
}
