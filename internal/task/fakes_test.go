package task

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ayusman/objectlens/internal/ui"
)

// fakeCapability writes result artifacts and runs live sessions until stopped.
type fakeCapability struct {
	mu        sync.Mutex
	imageFn   func(ctx context.Context, req ImageRequest) error
	liveFn    func(ctx context.Context, req LiveRequest) (LiveSession, error)
	imageReqs []ImageRequest
	liveReqs  []LiveRequest
}

func (f *fakeCapability) DetectImage(ctx context.Context, req ImageRequest) error {
	f.mu.Lock()
	f.imageReqs = append(f.imageReqs, req)
	fn := f.imageFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return writeArtifact(req)
}

func (f *fakeCapability) StartLive(ctx context.Context, req LiveRequest) (LiveSession, error) {
	f.mu.Lock()
	f.liveReqs = append(f.liveReqs, req)
	fn := f.liveFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	s := newFakeSession()
	go func() {
		<-req.Stop
		s.end(nil)
	}()
	return s, nil
}

func (f *fakeCapability) calls() (image, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.imageReqs), len(f.liveReqs)
}

func writeArtifact(req ImageRequest) error {
	path := req.ResultPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("annotated"), 0644)
}

type fakeSession struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// callLog records collaborator calls across goroutines. A nil log records
// nothing.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeCamera struct {
	mu         sync.Mutex
	open       bool
	openErr    error
	closeErr   error
	closePanic bool
	openCalls  int
	closeCalls int
	log        *callLog
}

func (c *fakeCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCalls++
	if c.openErr != nil {
		return c.openErr
	}
	c.open = true
	return nil
}

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.log.add("camera close")
	if c.closePanic {
		panic("camera driver crashed")
	}
	if c.closeErr != nil {
		return c.closeErr
	}
	c.open = false
	return nil
}

func (c *fakeCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeCamera) counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openCalls, c.closeCalls
}

type fakeDisplay struct {
	mu         sync.Mutex
	visible    bool
	closeErr   error
	closePanic bool
	closeCalls int
	log        *callLog
}

func (d *fakeDisplay) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

func (d *fakeDisplay) CloseAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	d.log.add("display close")
	if d.closePanic {
		panic("window system gone")
	}
	if d.closeErr != nil {
		return d.closeErr
	}
	d.visible = false
	return nil
}

func (d *fakeDisplay) closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

type recordingView struct {
	mu       sync.Mutex
	statuses []string
	active   map[Mode]bool
	results  []string
	log      *callLog
}

func newRecordingView() *recordingView {
	return &recordingView{active: make(map[Mode]bool)}
}

func (v *recordingView) SetStatus(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses = append(v.statuses, text)
	v.log.add("status " + text)
}

func (v *recordingView) SetActive(mode Mode, active bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active[mode] = active
}

func (v *recordingView) ShowResult(taskID, path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.results = append(v.results, path)
}

func (v *recordingView) lastStatus() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.statuses) == 0 {
		return ""
	}
	return v.statuses[len(v.statuses)-1]
}

func (v *recordingView) isActive(mode Mode) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active[mode]
}

func (v *recordingView) shown() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.results...)
}

type fakeHistory struct {
	mu       sync.Mutex
	started  []Info
	finished map[string]Outcome
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{finished: make(map[string]Outcome)}
}

func (h *fakeHistory) TaskStarted(info Info) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, info)
	return nil
}

func (h *fakeHistory) TaskFinished(id string, outcome Outcome, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished[id] = outcome
	return nil
}

// waitOutcome polls until the task's outcome has been recorded.
func (h *fakeHistory) waitOutcome(t *testing.T, id string) Outcome {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		o, ok := h.finished[id]
		h.mu.Unlock()
		if ok {
			return o
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no outcome recorded for task %s", id)
	return Outcome{}
}

type harness struct {
	ctrl       *Controller
	capability *fakeCapability
	camera     *fakeCamera
	display    *fakeDisplay
	view       *recordingView
	history    *fakeHistory
	queue      *ui.Queue
	outDir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		capability: &fakeCapability{},
		camera:     &fakeCamera{},
		display:    &fakeDisplay{},
		view:       newRecordingView(),
		history:    newFakeHistory(),
		queue:      ui.NewQueue(0),
		outDir:     t.TempDir(),
	}
	go h.queue.Run()
	t.Cleanup(h.queue.Close)

	opts := DefaultOptions()
	opts.OutputDir = h.outDir
	opts.JoinTimeout = 50 * time.Millisecond
	opts.SettleDelay = 0

	h.ctrl = New(Config{
		Capability: h.capability,
		Camera:     h.camera,
		Display:    h.display,
		Dispatcher: h.queue,
		View:       h.view,
		History:    h.history,
		Options:    opts,
	})
	return h
}

// waitIdle polls until mode is Idle and then drains the presentation queue.
func (h *harness) waitIdle(t *testing.T, mode Mode) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.ctrl.State(mode) != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("%s mode did not return to idle, state = %s", mode, h.ctrl.State(mode))
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.queue.Flush()
}

// imageFile creates an input image file and returns its path.
func imageFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("not really a jpeg"), 0644); err != nil {
		t.Fatalf("failed to write input image: %v", err)
	}
	return path
}
