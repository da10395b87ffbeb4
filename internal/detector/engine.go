package detector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/ayusman/objectlens/internal/capture"
	"github.com/ayusman/objectlens/internal/task"
	"gocv.io/x/gocv"
)

// WindowName is the title of the display window used by both modes.
const WindowName = "YOLO"

// ErrUnreadableImage is returned when the source image cannot be decoded.
var ErrUnreadableImage = errors.New("image could not be read")

// Screen shows frames in a named window and reports the key pressed while
// it was shown, or -1.
type Screen interface {
	Show(window string, frame *gocv.Mat) int
}

// FrameSink receives every annotated live frame.
type FrameSink interface {
	Publish(frame *gocv.Mat)
}

// EngineConfig wires the engine to its model and devices. Camera is only
// needed for live detection; Screen and Sink are optional.
type EngineConfig struct {
	Model  Model
	Camera capture.Camera
	Screen Screen
	Sink   FrameSink
}

// Engine runs a Model over still images and the camera. It implements
// task.Capability.
type Engine struct {
	model  Model
	camera capture.Camera
	screen Screen
	sink   FrameSink
}

func NewEngine(config EngineConfig) *Engine {
	model := config.Model
	if model == nil {
		model = Unavailable(nil)
	}
	return &Engine{
		model:  model,
		camera: config.Camera,
		screen: config.Screen,
		sink:   config.Sink,
	}
}

// DetectImage reads req.Source, detects objects and writes the annotated
// image under req.OutputDir. It cannot be interrupted once inference has
// started; ctx is only checked before the image is read.
func (e *Engine) DetectImage(ctx context.Context, req task.ImageRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	img := gocv.IMRead(req.Source, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return fmt.Errorf("%w: %s", ErrUnreadableImage, req.Source)
	}
	defer img.Close()

	dets, err := e.model.Detect(&img, req.Thresholds)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	log.Printf("Detected %d objects in %s", len(dets), filepath.Base(req.Source))

	Annotate(&img, dets)

	if req.SaveResults {
		dir, err := resultDir(req.OutputDir, req.OutputName, req.Overwrite)
		if err != nil {
			return err
		}

		path := filepath.Join(dir, filepath.Base(req.Source))
		if ok := gocv.IMWrite(path, img); !ok {
			return fmt.Errorf("write result %s failed", path)
		}

		if req.SaveLabels {
			if err := writeLabels(labelsPath(dir, req.Source), dets, img.Cols(), img.Rows(), req.SaveConfidence); err != nil {
				return err
			}
		}
	}

	if req.Display && e.screen != nil {
		e.screen.Show(WindowName, &img)
	}

	return nil
}

// Close releases the model.
func (e *Engine) Close() error {
	return e.model.Close()
}
