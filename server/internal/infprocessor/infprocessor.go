package infprocessor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// ErrQueueFull is returned when a task is submitted to a full queue.
var ErrQueueFull = errors.New("task queue is full")

// NewTaskQueue creates a new task queue holding at most size tasks.
func NewTaskQueue(size int) *TaskQueue {
	return &TaskQueue{
		tasks: make(chan *Task, size),
	}
}

// TaskQueue is a bounded queue for generation tasks.
type TaskQueue struct {
	tasks    chan *Task
	numTasks atomic.Int32
}

// Enqueue inserts a task into the queue. It never blocks.
func (q *TaskQueue) Enqueue(t *Task) error {
	q.numTasks.Add(1)
	select {
	case q.tasks <- t:
		return nil
	default:
		q.numTasks.Add(-1)
		return ErrQueueFull
	}
}

// Dequeue removes a task from the queue.
func (q *TaskQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t := <-q.tasks:
		q.numTasks.Add(-1)
		return t, nil
	}
}

func (q *TaskQueue) tryDequeue() (*Task, bool) {
	select {
	case t := <-q.tasks:
		q.numTasks.Add(-1)
		return t, true
	default:
		return nil, false
	}
}

// NewP creates a new processor.
func NewP(queue *TaskQueue, workers int, logger logr.Logger) *P {
	return &P{
		queue:               queue,
		workers:             workers,
		inProgressTasksByID: map[string]*Task{},
		logger:              logger.WithName("processor"),
	}
}

// P runs generation tasks on a fixed number of workers.
type P struct {
	queue   *TaskQueue
	workers int

	inProgressTasksByID map[string]*Task
	mu                  sync.Mutex

	logger logr.Logger
}

// Submit enqueues the task.
func (p *P) Submit(t *Task) error {
	if err := p.queue.Enqueue(t); err != nil {
		return err
	}
	p.logger.V(1).Info("Enqueued task", "taskID", t.ID, "queued", p.queue.numTasks.Load())
	return nil
}

// Run runs the workers until ctx is done. Tasks still queued at that point
// are processed before Run returns.
func (p *P) Run(ctx context.Context) error {
	p.logger.Info("Starting workers", "workers", p.workers)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, i)
		}()
	}
	wg.Wait()
	p.logger.Info("Stopped workers")
	return nil
}

func (p *P) work(ctx context.Context, worker int) {
	log := p.logger.WithValues("worker", worker)
	for {
		t, err := p.queue.Dequeue(ctx)
		if err != nil {
			break
		}
		p.process(log, t)
	}
	for {
		t, ok := p.queue.tryDequeue()
		if !ok {
			return
		}
		p.process(log, t)
	}
}

func (p *P) process(log logr.Logger, t *Task) {
	log = log.WithValues("taskID", t.ID)
	if err := t.ctx.Err(); err != nil {
		log.Info("Skipping expired task", "error", err)
		t.complete(nil, err)
		return
	}

	t.startedAt = time.Now()
	t.stats.setQueueWait(t.startedAt.Sub(t.CreatedAt))
	p.mu.Lock()
	p.inProgressTasksByID[t.ID] = t
	p.mu.Unlock()

	log.V(1).Info("Processing task", "batchSize", t.BatchSize)
	paths, err := runTask(t)
	t.stats.setRunTime(time.Since(t.startedAt))

	p.mu.Lock()
	delete(p.inProgressTasksByID, t.ID)
	p.mu.Unlock()

	if err != nil {
		log.Info("Task failed", "error", err)
	} else {
		log.V(1).Info("Completed task", "paths", paths, "runTime", t.stats.RunTime())
	}
	t.complete(paths, err)
}

// runTask runs the task and turns a panic into an error so that the worker survives.
func runTask(t *Task) (paths []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			paths, err = nil, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.run(t.ctx)
}

// NumQueuedTasks returns the number of queued tasks.
func (p *P) NumQueuedTasks() int32 {
	return p.queue.numTasks.Load()
}

// NumInProgressTasks returns the number of in-progress tasks.
func (p *P) NumInProgressTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inProgressTasksByID)
}

// MaxInProgressTaskDuration returns the maximum duration of in-progress tasks.
func (p *P) MaxInProgressTaskDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var maxD time.Duration
	for _, t := range p.inProgressTasksByID {
		if d := time.Since(t.startedAt); d > maxD {
			maxD = d
		}
	}
	return maxD
}

// TaskStatus is the status of an in-progress task.
type TaskStatus struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	BatchSize int    `json:"batchSize"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Status is the status of the processor.
type Status struct {
	Workers         int           `json:"workers"`
	QueuedTasks     int32         `json:"queuedTasks"`
	InProgressTasks []*TaskStatus `json:"inProgressTasks"`
}

// DumpStatus dumps the status of the processor.
func (p *P) DumpStatus() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := &Status{
		Workers:     p.workers,
		QueuedTasks: p.queue.numTasks.Load(),
	}
	for _, t := range p.inProgressTasksByID {
		status.InProgressTasks = append(status.InProgressTasks, &TaskStatus{
			ID:        t.ID,
			Prompt:    t.Prompt,
			BatchSize: t.BatchSize,
			ElapsedMs: time.Since(t.startedAt).Milliseconds(),
		})
	}
	// Sort by ID for deterministic output.
	sort.Slice(status.InProgressTasks, func(i, j int) bool {
		return status.InProgressTasks[i].ID < status.InProgressTasks[j].ID
	})
	return status
}
