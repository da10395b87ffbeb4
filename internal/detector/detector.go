// Package detector runs object detection on still images and camera frames.
package detector

import (
	"errors"
	"fmt"
	"image"

	"github.com/ayusman/objectlens/internal/task"
	"gocv.io/x/gocv"
)

var (
	// ErrNoBackend is returned by every call on a model that could not be loaded.
	ErrNoBackend = errors.New("no detection backend available")
	// ErrEmptyFrame is returned when a model is given an empty image.
	ErrEmptyFrame = errors.New("empty frame")
)

// Model finds objects in a single BGR frame.
type Model interface {
	// Detect returns the objects found in frame, filtered by th. It returns
	// an empty slice when nothing passes the thresholds.
	Detect(frame *gocv.Mat, th task.Thresholds) ([]Detection, error)

	// Close releases any resources held by the model.
	Close() error
}

// Detection is one object found in a frame, in frame pixel coordinates.
type Detection struct {
	Box        image.Rectangle
	ClassID    int
	Label      string
	Confidence float32
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
}

type unavailableModel struct {
	reason error
}

// Unavailable returns a model that fails every call with ErrNoBackend,
// wrapped around reason when one is given.
func Unavailable(reason error) Model {
	return unavailableModel{reason: reason}
}

func (m unavailableModel) Detect(*gocv.Mat, task.Thresholds) ([]Detection, error) {
	if m.reason != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, m.reason)
	}
	return nil, ErrNoBackend
}

func (unavailableModel) Close() error { return nil }
