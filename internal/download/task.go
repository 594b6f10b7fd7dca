package download

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

// TaskState is a download task's position in its lifecycle
type TaskState int

const (
	Pending TaskState = iota
	InFlight
	Retrying
	Succeeded
	Failed
	Cancelled
)

func (s TaskState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Terminal reports whether no further transitions are possible
func (s TaskState) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// ErrInvalidTransition is returned when a task is driven out of order
var ErrInvalidTransition = errors.New("invalid task transition")

// Task tracks one file through Pending -> InFlight -> {Succeeded | Retrying
// -> InFlight | Failed | Cancelled}
type Task struct {
	Entry    manifest.FileEntry
	URL      string
	State    TaskState
	Attempts int
	LastErr  error
	// ReadyAt is when a retrying task may be dispatched again
	ReadyAt time.Time

	backoff *backoff.ExponentialBackOff
}

// NewTask creates a pending task
func NewTask(entry manifest.FileEntry, url string) *Task {
	return &Task{Entry: entry, URL: url, State: Pending}
}

// Start moves a pending or retrying task in flight and counts the attempt
func (t *Task) Start() error {
	if t.State != Pending && t.State != Retrying {
		return t.invalid("start")
	}
	t.State = InFlight
	t.Attempts++
	return nil
}

// Succeed marks an in-flight task done
func (t *Task) Succeed() error {
	if t.State != InFlight {
		return t.invalid("succeed")
	}
	t.State = Succeeded
	t.LastErr = nil
	return nil
}

// Fail records a failed attempt. Retryable errors move the task to Retrying
// while attempts remain (maxRetries retries after the first attempt);
// anything else, or exhaustion, makes it Failed.
func (t *Task) Fail(err error, maxRetries int) (TaskState, error) {
	if t.State != InFlight {
		return t.State, t.invalid("fail")
	}
	t.LastErr = err
	if syncerr.IsRetryable(err) && t.Attempts <= maxRetries {
		t.State = Retrying
	} else {
		t.State = Failed
	}
	return t.State, nil
}

// Cancel stops a task that has not reached a terminal state
func (t *Task) Cancel(err error) error {
	if t.State.Terminal() {
		return t.invalid("cancel")
	}
	t.State = Cancelled
	t.LastErr = err
	return nil
}

// ScheduleRetry sets ReadyAt using capped exponential backoff
func (t *Task) ScheduleRetry(now time.Time, initial, ceiling time.Duration) time.Duration {
	if t.backoff == nil {
		t.backoff = &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         ceiling,
		}
		t.backoff.Reset()
	}
	delay := t.backoff.NextBackOff()
	if delay > ceiling {
		delay = ceiling
	}
	t.ReadyAt = now.Add(delay)
	return delay
}

func (t *Task) invalid(op string) error {
	return fmt.Errorf("%w: %s from %s (%s)", ErrInvalidTransition, op, t.State, t.Entry.RelativePath)
}
