package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

type TaskFunc func(ctx context.Context) error

// Task runs a function on a fixed delay: the next run starts delay after the
// previous one finished. A failing or panicking run is logged and recorded, and
// the next run happens on schedule.
type Task struct {
	Name  string
	Delay time.Duration

	fn  TaskFunc
	log *slog.Logger

	mutex    sync.Mutex
	lastRun  time.Time
	lastErr  error
	runs     int
	failures int
}

type TaskStatus struct {
	Name      string    `json:"name"`
	Delay     string    `json:"delay"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
}

func Every(name string, delay time.Duration, fn TaskFunc) *Task {
	return &Task{
		Name:  name,
		Delay: delay,
		fn:    fn,
		log:   slog.Default(),
	}
}

// RunOnce runs the task a single time and records the outcome.
func (t *Task) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			t.log.Error("Task panicked", "task", t.Name, "panic", r, "stack", string(debug.Stack()))
		}

		t.mutex.Lock()
		defer t.mutex.Unlock()
		t.lastRun = time.Now()
		t.lastErr = err
		t.runs += 1
		if err != nil {
			t.failures += 1
		}
	}()

	if err = t.fn(ctx); err != nil {
		t.log.Error("Task failed", "task", t.Name, "error", err)
	}
	return err
}

func (t *Task) LastError() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.lastErr
}

func (t *Task) LastRun() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.lastRun
}

func (t *Task) Status() TaskStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	status := TaskStatus{
		Name:     t.Name,
		Delay:    t.Delay.String(),
		LastRun:  t.lastRun,
		Runs:     t.runs,
		Failures: t.failures,
	}
	if t.lastErr != nil {
		status.LastError = t.lastErr.Error()
	}
	return status
}

// loop runs the task until ctx is done. A run in progress is never
// interrupted: it gets a context that outlives ctx.
func (t *Task) loop(ctx context.Context, onFailure func(*Task, error)) {
	timer := time.NewTimer(t.Delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := t.RunOnce(context.WithoutCancel(ctx)); err != nil && onFailure != nil {
			onFailure(t, err)
		}
		timer.Reset(t.Delay)
	}
}
