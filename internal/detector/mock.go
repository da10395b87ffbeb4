package detector

import (
	"image"
	"sync"

	"github.com/ayusman/objectlens/internal/task"
	"gocv.io/x/gocv"
)

// MockModel is a test implementation of Model. Tests control the
// detections it returns and can hold Detect open with a gate.
type MockModel struct {
	mu         sync.Mutex
	detections []Detection
	err        error
	gate       <-chan struct{}
	calls      int
	thresholds []task.Thresholds
	closed     bool
}

// NewMockModel creates a MockModel that finds nothing.
func NewMockModel() *MockModel {
	return &MockModel{}
}

// SetDetections sets the detections returned by Detect.
func (m *MockModel) SetDetections(dets []Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = dets
}

// SetError sets the error returned by Detect.
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetGate makes Detect block until gate is closed.
func (m *MockModel) SetGate(gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

func (m *MockModel) Detect(frame *gocv.Mat, th task.Thresholds) ([]Detection, error) {
	m.mu.Lock()
	m.calls++
	m.thresholds = append(m.thresholds, th)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Detection, len(m.detections))
	copy(out, m.detections)
	return out, nil
}

func (m *MockModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns how many times Detect was called.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastThresholds returns the thresholds passed to the latest Detect call.
func (m *MockModel) LastThresholds() (task.Thresholds, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.thresholds) == 0 {
		return task.Thresholds{}, false
	}
	return m.thresholds[len(m.thresholds)-1], true
}

// Closed reports whether Close was called.
func (m *MockModel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ZebraDetection returns a preset detection covering most of a 640x480 frame.
func ZebraDetection() Detection {
	return Detection{
		Box:        image.Rect(80, 60, 560, 420),
		ClassID:    22,
		Label:      "zebra",
		Confidence: 0.91,
	}
}

// PersonDetection returns a preset detection in the left half of a 640x480 frame.
func PersonDetection() Detection {
	return Detection{
		Box:        image.Rect(40, 100, 240, 470),
		ClassID:    0,
		Label:      "person",
		Confidence: 0.78,
	}
}
