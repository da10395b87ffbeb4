// Package capture provides the camera device handle used by live detection.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Default capture settings.
const (
	DefaultFPS    = 15
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrCameraNotOpen is returned when reading from a camera that is not open.
	ErrCameraNotOpen = errors.New("camera is not open")
	// ErrEmptyFrame is returned when the device delivered no image data.
	ErrEmptyFrame = errors.New("captured frame is empty")
)

// Camera is an exclusive handle on one capture device. Open acquires the
// device and Close releases it; both are idempotent.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	SetFPS(fps int)
	FPS() int
	IsOpen() bool
}

// Config selects the device and the requested capture format.
type Config struct {
	DeviceID int
	Width    int
	Height   int
	FPS      int
}

// DefaultConfig returns the settings for device 0.
func DefaultConfig() Config {
	return Config{
		DeviceID: 0,
		Width:    DefaultWidth,
		Height:   DefaultHeight,
		FPS:      DefaultFPS,
	}
}

// device is the part of gocv.VideoCapture the camera uses.
type device interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, param float64)
	IsOpened() bool
	Close() error
}

func openDevice(id int) (device, error) {
	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, err
	}
	return capture, nil
}

type cameraImpl struct {
	config  Config
	open    func(id int) (device, error)
	capture device
	mu      sync.Mutex
	running bool

	// reading is the device a ReadFrame is blocked on, if any. A Close
	// during that read leaves the release to the reader.
	reading device
	release device
}

// NewCamera creates a camera for the configured device. The device is not
// touched until Open.
func NewCamera(config Config) Camera {
	return newCamera(config, openDevice)
}

func newCamera(config Config, open func(int) (device, error)) *cameraImpl {
	if config.Width <= 0 {
		config.Width = DefaultWidth
	}
	if config.Height <= 0 {
		config.Height = DefaultHeight
	}
	if config.FPS <= 0 {
		config.FPS = DefaultFPS
	}
	return &cameraImpl{config: config, open: open}
}

// Open acquires the device. Opening an open camera is a no-op.
func (c *cameraImpl) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	capture, err := c.open(c.config.DeviceID)
	if err != nil {
		return fmt.Errorf("open video capture %d: %w", c.config.DeviceID, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("video capture %d could not be opened", c.config.DeviceID)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(c.config.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(c.config.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(c.config.FPS))

	c.capture = capture
	c.running = true

	return nil
}

// Close releases the device. Closing a closed camera returns nil. Close does
// not wait for a ReadFrame blocked on the device: the camera reports closed
// at once and the device is released when that read returns.
func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	capture := c.capture
	c.capture = nil
	c.running = false
	if capture == nil {
		return nil
	}

	if c.reading == capture {
		c.release = capture
		return nil
	}
	return capture.Close()
}

// ReadFrame grabs the next frame. The caller owns the returned Mat.
func (c *cameraImpl) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	if !c.running || c.capture == nil {
		c.mu.Unlock()
		return nil, ErrCameraNotOpen
	}
	capture := c.capture
	c.reading = capture
	c.mu.Unlock()

	mat := gocv.NewMat()
	ok := capture.Read(&mat)

	c.mu.Lock()
	c.reading = nil
	closed := c.release == capture
	if closed {
		c.release = nil
	}
	c.mu.Unlock()

	if closed {
		mat.Close()
		capture.Close()
		return nil, ErrCameraNotOpen
	}
	if !ok {
		mat.Close()
		return nil, fmt.Errorf("read frame from device %d failed", c.config.DeviceID)
	}

	if mat.Empty() {
		mat.Close()
		return nil, ErrEmptyFrame
	}

	return &mat, nil
}

// SetFPS changes the requested frame rate. Values <= 0 are ignored.
func (c *cameraImpl) SetFPS(fps int) {
	if fps <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.config.FPS = fps

	if c.capture != nil {
		c.capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

func (c *cameraImpl) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.config.FPS
}

func (c *cameraImpl) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}
