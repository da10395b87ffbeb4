// Package task implements the lifecycle of image and live detection tasks:
// per-mode state machines, per-task cancellation tokens, background workers
// and the ordered teardown of a live session.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode selects what a task detects on.
type Mode string

const (
	// ModeImage runs detection once on a still image.
	ModeImage Mode = "image"
	// ModeLive runs continuous detection on the camera feed.
	ModeLive Mode = "live"
)

// Modes lists every task mode.
var Modes = []Mode{ModeImage, ModeLive}

// State is the lifecycle state of one mode.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCanceling
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCanceling:
		return "canceling"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNoInput is returned when an image task is started without a file.
	ErrNoInput = errors.New("no image selected")
	// ErrInvalidInput is returned when the selected file cannot be used as an image source.
	ErrInvalidInput = errors.New("invalid input")
	// ErrResultNotFound is the failure reason when detection produced no result artifact.
	ErrResultNotFound = errors.New("result not found")
	// ErrBusy is returned when a task is started while another one is active.
	ErrBusy = errors.New("another detection task is running")
	// ErrNotRunning is returned by cancel and end when there is nothing to stop.
	ErrNotRunning = errors.New("no detection task is running")
	// ErrNoCamera is returned when live detection is started without a camera.
	ErrNoCamera = errors.New("no camera configured")
)

// OutcomeKind classifies how a task ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota + 1
	OutcomeCanceled
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a task. It is produced exactly once.
type Outcome struct {
	Kind       OutcomeKind
	ResultPath string
	Err        error
}

// Completed returns a successful outcome pointing at the result artifact.
func Completed(path string) Outcome {
	return Outcome{Kind: OutcomeCompleted, ResultPath: path}
}

// Canceled returns the outcome of a task stopped by the user.
func Canceled() Outcome {
	return Outcome{Kind: OutcomeCanceled}
}

// Failed returns a failed outcome with the given reason.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Reason returns the failure message, or an empty string.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Token is a set-once cancellation signal. A token is never cleared; starting
// a new task installs a fresh one instead.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken returns an unset token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Set marks the token. Calling Set more than once is safe.
func (t *Token) Set() {
	t.once.Do(func() { close(t.done) })
}

// IsSet reports whether Set has been called.
func (t *Token) IsSet() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the token is set.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Info describes a task for presentation and history.
type Info struct {
	ID        string
	Mode      Mode
	Source    string
	State     State
	CreatedAt time.Time
}

// Signals is a snapshot of the controller's current cancellation tokens.
type Signals struct {
	ImageCancel bool
	LiveCancel  bool
	WorkerStop  bool
}

// record is the controller's handle on one spawned worker.
type record struct {
	id      string
	mode    Mode
	source  string
	created time.Time

	cancel *Token
	stop   *Token // live only
	done   chan struct{}

	reportOnce  sync.Once
	releaseOnce sync.Once

	// ending is set once live teardown has been claimed. Guarded by Controller.mu.
	ending bool
	// tornDown is closed when live teardown has finished.
	tornDown chan struct{}
}

func (r *record) info(state State) Info {
	return Info{
		ID:        r.id,
		Mode:      r.mode,
		Source:    r.source,
		State:     state,
		CreatedAt: r.created,
	}
}

// join waits up to timeout for the worker to return.
func (r *record) join(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}
