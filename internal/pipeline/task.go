package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"pixelflow/internal/request"
)

type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSuccess
	TaskError
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "PENDING"
	case TaskRunning:
		return "RUNNING"
	case TaskSuccess:
		return "SUCCESS"
	case TaskError:
		return "ERROR"
	case TaskCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// Task is an execution running in the background.
type Task struct {
	req    *request.ImageRequest
	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	once   sync.Once
	done   chan struct{}
	result Result
}

// Enqueue starts executing req on its own goroutine.
func (e *Engine) Enqueue(ctx context.Context, req *request.ImageRequest) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(e)
	return t
}

func (t *Task) run(e *Engine) {
	if !t.state.CompareAndSwap(int32(TaskPending), int32(TaskRunning)) {
		return
	}
	t.finish(e.Execute(t.ctx, t.req))
}

func (t *Task) finish(res Result) {
	t.once.Do(func() {
		t.result = res
		switch res.(type) {
		case *Success:
			t.state.Store(int32(TaskSuccess))
		case *Cancelled:
			t.state.Store(int32(TaskCancelled))
		default:
			t.state.Store(int32(TaskError))
		}
		t.cancel()
		close(t.done)
	})
}

// Cancel stops the task. A task that has not started yet finishes as
// cancelled without running; a running task stops at its next
// cancellation point.
func (t *Task) Cancel() {
	if t.state.CompareAndSwap(int32(TaskPending), int32(TaskCancelled)) {
		if t.req != nil && t.req.Listener() != nil {
			t.req.Listener().OnCancel(t.req)
		}
		t.finish(&Cancelled{Request: t.req})
		return
	}
	t.cancel()
}

func (t *Task) Request() *request.ImageRequest {
	return t.req
}

func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task has finished and returns its result.
func (t *Task) Wait() Result {
	<-t.done
	return t.result
}
