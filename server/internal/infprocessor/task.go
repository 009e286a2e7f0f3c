package infprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/llmariner/common/pkg/id"
)

// RunFunc performs the work of a task and returns the written file paths.
type RunFunc func(ctx context.Context) ([]string, error)

// Result is the outcome of a task.
type Result struct {
	Paths []string
	Err   error
}

// NewTaskID returns a new random task ID.
func NewTaskID() (string, error) {
	taskID, err := id.GenerateID("gen_", 24)
	if err != nil {
		return "", fmt.Errorf("generate task ID: %s", err)
	}
	return taskID, nil
}

// NewTask creates a new task. The task runs under ctx, so cancelling ctx
// cancels the work and makes a worker skip the task if it is still queued.
func NewTask(ctx context.Context, id, prompt string, batchSize int, run RunFunc) *Task {
	return &Task{
		ID:        id,
		Prompt:    prompt,
		BatchSize: batchSize,
		ctx:       ctx,
		run:       run,
		// Buffered: the requester may have gone away.
		resultCh:  make(chan *Result, 1),
		CreatedAt: time.Now(),
	}
}

// Task is a generation task.
type Task struct {
	ID        string
	Prompt    string
	BatchSize int

	ctx      context.Context
	run      RunFunc
	resultCh chan *Result

	CreatedAt time.Time
	startedAt time.Time

	stats ProcessingStats
}

// WaitForCompletion waits for the completion of the task.
func (t *Task) WaitForCompletion(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-t.resultCh:
		return r.Paths, r.Err
	}
}

// Stats returns the processing stats of the task.
func (t *Task) Stats() *ProcessingStats {
	return &t.stats
}

func (t *Task) complete(paths []string, err error) {
	t.resultCh <- &Result{Paths: paths, Err: err}
}
