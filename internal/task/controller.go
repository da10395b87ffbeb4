package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options holds the tunables of the controller.
type Options struct {
	// Weights is the model path handed to the capability.
	Weights     string
	CameraIndex int
	Image       Thresholds
	Live        Thresholds

	// OutputDir and OutputName locate image results:
	// OutputDir/OutputName/<basename>.
	OutputDir  string
	OutputName string

	// JoinTimeout bounds the wait for each worker during live teardown.
	JoinTimeout time.Duration
	// SettleDelay is slept after the camera is released.
	SettleDelay time.Duration
}

// DefaultOptions returns the controller defaults.
func DefaultOptions() Options {
	return Options{
		Weights:     filepath.Join("models", "yolov5s.onnx"),
		CameraIndex: 0,
		Image:       DefaultThresholds,
		Live:        DefaultThresholds,
		OutputDir:   filepath.Join("runs", "detect"),
		OutputName:  "image_results",
		JoinTimeout: time.Second,
		SettleDelay: time.Second,
	}
}

// Config wires the controller to its collaborators. Capability is required;
// the rest may be nil.
type Config struct {
	Capability Capability
	Camera     Camera
	Display    Display
	Dispatcher Dispatcher
	View       View
	History    History
	Options    Options
}

// Controller owns the per-mode state machines. Image and live tasks are
// mutually exclusive: starting either while any task is active fails with
// ErrBusy.
type Controller struct {
	opts       Options
	capability Capability
	camera     Camera
	display    Display
	dispatcher Dispatcher
	view       View
	history    History

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[Mode]State
	active map[Mode]*record
	// workers maps task id to every worker that has not returned yet,
	// abandoned ones included.
	workers map[string]*record

	imageCancel *Token
	liveCancel  *Token
	workerStop  *Token
}

// New creates a Controller. Both modes start Idle with unset signals.
func New(config Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		opts:        config.Options,
		capability:  config.Capability,
		camera:      config.Camera,
		display:     config.Display,
		dispatcher:  config.Dispatcher,
		view:        config.View,
		history:     config.History,
		ctx:         ctx,
		cancel:      cancel,
		states:      map[Mode]State{ModeImage: StateIdle, ModeLive: StateIdle},
		active:      make(map[Mode]*record),
		workers:     make(map[string]*record),
		imageCancel: NewToken(),
		liveCancel:  NewToken(),
		workerStop:  NewToken(),
	}
	if c.dispatcher == nil {
		c.dispatcher = inlineDispatcher{}
	}
	if c.view == nil {
		c.view = nopView{}
	}
	return c
}

// StartImage starts detection on the image at path and returns the task id.
// An empty path is reported as "No image selected." and returns ErrNoInput.
func (c *Controller) StartImage(path string) (string, error) {
	if path == "" {
		c.setStatus(StatusNoImage)
		return "", ErrNoInput
	}
	inputErr := checkImage(path)

	c.mu.Lock()
	// A running task keeps its status line, even for an unusable file.
	if mode, busy := c.busyLocked(); busy {
		c.mu.Unlock()
		c.setStatus(busyStatus(mode))
		return "", ErrBusy
	}
	if inputErr != nil {
		c.mu.Unlock()
		c.setStatus(imageErrorStatus(inputErr))
		return "", inputErr
	}
	// State from a previous live session must not leak into this task.
	c.imageCancel, c.liveCancel, c.workerStop = NewToken(), NewToken(), NewToken()
	r := c.newRecordLocked(ModeImage, path, c.imageCancel, nil)
	c.mu.Unlock()

	c.recordStart(r)
	c.post(func(v View) {
		v.SetActive(ModeImage, true)
		v.SetStatus(StatusDetectingImage)
	})
	c.spawn(r, func() Outcome { return c.runImage(r) })

	return r.id, nil
}

// CancelImage requests cancellation of the running image task. The detection
// call already in flight is not interrupted; its result is simply not shown.
func (c *Controller) CancelImage() error {
	c.mu.Lock()
	r := c.active[ModeImage]
	state := c.states[ModeImage]
	if r == nil || (state != StateStarting && state != StateRunning) {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.states[ModeImage] = StateCanceling
	c.mu.Unlock()

	r.cancel.Set()
	log.Printf("Image task %s canceled", r.id)

	c.post(func(v View) {
		v.SetActive(ModeImage, false)
		v.SetStatus(StatusImageCanceled)
	})
	return nil
}

// StartLive acquires the camera and starts continuous detection.
func (c *Controller) StartLive() (string, error) {
	c.mu.Lock()
	if mode, busy := c.busyLocked(); busy {
		c.mu.Unlock()
		c.setStatus(busyStatus(mode))
		return "", ErrBusy
	}
	c.states[ModeLive] = StateStarting
	c.mu.Unlock()

	if err := c.acquireCamera(); err != nil {
		c.mu.Lock()
		c.states[ModeLive] = StateIdle
		c.mu.Unlock()
		c.setStatus(liveErrorStatus(err))
		return "", err
	}

	c.mu.Lock()
	c.liveCancel, c.workerStop = NewToken(), NewToken()
	r := c.newRecordLocked(ModeLive, fmt.Sprintf("camera:%d", c.opts.CameraIndex), c.liveCancel, c.workerStop)
	c.mu.Unlock()

	c.recordStart(r)
	c.post(func(v View) {
		v.SetActive(ModeLive, true)
		v.SetStatus(StatusLiveRunning)
	})
	c.spawn(r, func() Outcome { return c.runLive(r) })

	return r.id, nil
}

// EndLive stops the live task and tears it down. It returns once teardown
// has finished; a worker that does not stop within the join budget is
// abandoned. If the task is already being torn down, EndLive waits for that
// teardown and returns ErrNotRunning.
func (c *Controller) EndLive() error {
	c.mu.Lock()
	r := c.active[ModeLive]
	if r == nil {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if r.ending {
		c.mu.Unlock()
		c.awaitTeardown(r)
		return ErrNotRunning
	}
	r.ending = true
	c.states[ModeLive] = StateCanceling
	c.mu.Unlock()

	c.teardown(r, StatusLiveEnded)
	return nil
}

// Close stops every task and waits for workers within the join budget. A
// live teardown already under way is waited for as well.
func (c *Controller) Close() {
	if err := c.EndLive(); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Printf("Error ending live detection: %v", err)
	}
	if err := c.CancelImage(); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Printf("Error canceling image detection: %v", err)
	}
	c.cancel()
	c.joinWorkers()
}

// awaitTeardown waits for a teardown started elsewhere, bounded by the join
// budget plus the camera settle delay.
func (c *Controller) awaitTeardown(r *record) {
	budget := c.opts.JoinTimeout + c.opts.SettleDelay
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-r.tornDown:
	case <-timer.C:
		log.Printf("Live teardown of %s still running after %v", r.id, budget)
	}
}

// State returns the lifecycle state of mode.
func (c *Controller) State(mode Mode) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[mode]
}

// Active returns the task currently owning mode, if any.
func (c *Controller) Active(mode Mode) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.active[mode]
	if r == nil {
		return Info{}, false
	}
	return r.info(c.states[mode]), true
}

// Signals reports whether the current image-cancel, live-cancel and
// worker-stop tokens are set.
func (c *Controller) Signals() Signals {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Signals{
		ImageCancel: c.imageCancel.IsSet(),
		LiveCancel:  c.liveCancel.IsSet(),
		WorkerStop:  c.workerStop.IsSet(),
	}
}

func (c *Controller) busyLocked() (Mode, bool) {
	for _, mode := range Modes {
		if c.states[mode] != StateIdle {
			return mode, true
		}
	}
	return "", false
}

func (c *Controller) newRecordLocked(mode Mode, source string, cancel, stop *Token) *record {
	r := &record{
		id:       uuid.New().String(),
		mode:     mode,
		source:   source,
		created:  time.Now(),
		cancel:   cancel,
		stop:     stop,
		done:     make(chan struct{}),
		tornDown: make(chan struct{}),
	}
	c.active[mode] = r
	c.workers[r.id] = r
	c.states[mode] = StateStarting
	return r
}

// spawn runs the worker on its own goroutine and reports its outcome.
func (c *Controller) spawn(r *record, run func() Outcome) {
	c.mu.Lock()
	if c.states[r.mode] == StateStarting {
		c.states[r.mode] = StateRunning
	}
	c.mu.Unlock()

	go func() {
		outcome := guard(run)
		close(r.done)
		r.reportOnce.Do(func() { c.report(r, outcome) })
	}()
}

// report handles a worker outcome. Outcomes of abandoned workers are only
// recorded.
func (c *Controller) report(r *record, outcome Outcome) {
	log.Printf("Task %s (%s) finished: %s %s", r.id, r.mode, outcome.Kind, outcome.Reason())
	c.recordFinish(r, outcome)

	c.mu.Lock()
	delete(c.workers, r.id)
	current := c.active[r.mode] == r
	teardown := false
	if current {
		switch r.mode {
		case ModeImage:
			c.states[ModeImage] = StateTerminal
		case ModeLive:
			if !r.ending {
				r.ending = true
				teardown = true
				c.states[ModeLive] = StateTerminal
			}
		}
	}
	c.mu.Unlock()

	switch {
	case current && r.mode == ModeImage:
		c.presentImage(r, outcome)
		c.setIdle(r)
	case teardown:
		// The worker stopped on its own: a failure or a quit from the display.
		status := StatusLiveStopped
		if outcome.Kind == OutcomeFailed {
			status = liveErrorStatus(outcome.Err)
		}
		c.teardown(r, status)
	}
}

func (c *Controller) presentImage(r *record, outcome Outcome) {
	// A result that arrives after cancel is not displayed.
	canceled := r.cancel.IsSet()

	var status string
	switch {
	case outcome.Kind == OutcomeCanceled, outcome.Kind == OutcomeCompleted && canceled:
		status = StatusImageCanceled
	case outcome.Kind == OutcomeCompleted:
		status = StatusImageComplete
	case errors.Is(outcome.Err, ErrResultNotFound):
		status = StatusResultNotFound
	default:
		status = imageErrorStatus(outcome.Err)
	}
	show := outcome.Kind == OutcomeCompleted && !canceled

	c.post(func(v View) {
		if show {
			v.ShowResult(r.id, outcome.ResultPath)
		}
		v.SetStatus(status)
		v.SetActive(ModeImage, false)
	})
}

func (c *Controller) setIdle(r *record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[r.mode] == r {
		delete(c.active, r.mode)
		c.states[r.mode] = StateIdle
	}
}

func (c *Controller) acquireCamera() error {
	if c.camera == nil {
		return ErrNoCamera
	}
	if err := c.camera.Open(); err != nil {
		return fmt.Errorf("open camera %d: %w", c.opts.CameraIndex, err)
	}
	log.Printf("Camera %d acquired", c.opts.CameraIndex)
	return nil
}

func (c *Controller) post(fn func(View)) {
	if !c.dispatcher.Post(func() { fn(c.view) }) {
		log.Println("Presentation queue closed, dropping update")
	}
}

func (c *Controller) setStatus(text string) {
	c.post(func(v View) { v.SetStatus(text) })
}

func (c *Controller) recordStart(r *record) {
	if c.history == nil {
		return
	}
	if err := c.history.TaskStarted(r.info(StateRunning)); err != nil {
		log.Printf("Failed to record task %s: %v", r.id, err)
	}
}

func (c *Controller) recordFinish(r *record, outcome Outcome) {
	if c.history == nil {
		return
	}
	if err := c.history.TaskFinished(r.id, outcome, time.Now()); err != nil {
		log.Printf("Failed to record outcome of task %s: %v", r.id, err)
	}
}

var imageExtensions = map[string]bool{
	".jpeg": true,
	".jpg":  true,
	".png":  true,
}

// checkImage verifies that path names a readable image file.
func checkImage(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !imageExtensions[ext] {
		return fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidInput, path)
	}
	return nil
}
