package task

import (
	"context"
	"path/filepath"
	"time"
)

// Thresholds holds the detection filtering parameters.
type Thresholds struct {
	Confidence float64
	IoU        float64
}

// DefaultThresholds are the confidence and IoU thresholds used for image tasks.
var DefaultThresholds = Thresholds{Confidence: 0.25, IoU: 0.45}

// ImageRequest configures one run of the detection capability on a still image.
type ImageRequest struct {
	Source         string
	Weights        string
	Thresholds     Thresholds
	SaveResults    bool
	SaveLabels     bool
	SaveConfidence bool
	Display        bool
	OutputDir      string
	OutputName     string
	Overwrite      bool
}

// ResultPath is where the annotated image is written when Overwrite is set:
// OutputDir/OutputName/<basename of Source>.
func (r ImageRequest) ResultPath() string {
	return filepath.Join(r.OutputDir, r.OutputName, filepath.Base(r.Source))
}

// LiveRequest configures continuous detection on the camera.
type LiveRequest struct {
	CameraIndex int
	Weights     string
	Thresholds  Thresholds
	Display     bool

	// Stop is closed when the worker wants the capability to stop.
	Stop <-chan struct{}
}

// LiveSession is a running live detection loop.
type LiveSession interface {
	// Done is closed when the loop has ended for any reason.
	Done() <-chan struct{}
	// Err is the failure that ended the loop, or nil when it was stopped
	// or quit from the display.
	Err() error
}

// Capability is the external detection routine. DetectImage blocks until
// the result is written and cannot be interrupted mid-inference.
type Capability interface {
	DetectImage(ctx context.Context, req ImageRequest) error
	StartLive(ctx context.Context, req LiveRequest) (LiveSession, error)
}

// Camera is the shared camera device handle.
type Camera interface {
	Open() error
	Close() error
	IsOpen() bool
}

// Display is the set of display windows opened by live detection.
type Display interface {
	Visible() bool
	CloseAll() error
}

// View receives presentation updates. Its methods are only called from the
// dispatcher's goroutine.
type View interface {
	SetStatus(text string)
	SetActive(mode Mode, active bool)
	ShowResult(taskID, path string)
}

// Dispatcher runs functions on the presentation goroutine. Post returns
// false when the function was dropped.
type Dispatcher interface {
	Post(fn func()) bool
}

// History records task starts and outcomes.
type History interface {
	TaskStarted(info Info) error
	TaskFinished(id string, outcome Outcome, at time.Time) error
}

// MultiView fans presentation updates out to several views.
type MultiView []View

func (m MultiView) SetStatus(text string) {
	for _, v := range m {
		v.SetStatus(text)
	}
}

func (m MultiView) SetActive(mode Mode, active bool) {
	for _, v := range m {
		v.SetActive(mode, active)
	}
}

func (m MultiView) ShowResult(taskID, path string) {
	for _, v := range m {
		v.ShowResult(taskID, path)
	}
}

type nopView struct{}

func (nopView) SetStatus(string)          {}
func (nopView) SetActive(Mode, bool)      {}
func (nopView) ShowResult(string, string) {}

// inlineDispatcher runs functions on the caller's goroutine.
type inlineDispatcher struct{}

func (inlineDispatcher) Post(fn func()) bool {
	fn()
	return true
}
