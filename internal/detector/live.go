package detector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ayusman/objectlens/internal/capture"
	"github.com/ayusman/objectlens/internal/task"
)

// ErrNoCamera is returned by StartLive when the engine has no camera or the
// camera has not been opened.
var ErrNoCamera = errors.New("camera not available")

// quitKey stops live detection when pressed in the display window.
const quitKey = 'q'

type liveSession struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *liveSession) Done() <-chan struct{} { return s.done }

func (s *liveSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *liveSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// StartLive starts detecting on the camera, which must already be open.
// The loop runs at the camera frame rate and ends when req.Stop is closed,
// ctx is done, a frame cannot be read or processed, or the quit key is
// pressed in the display window.
func (e *Engine) StartLive(ctx context.Context, req task.LiveRequest) (task.LiveSession, error) {
	if e.camera == nil {
		return nil, ErrNoCamera
	}
	if !e.camera.IsOpen() {
		return nil, fmt.Errorf("%w: %v", ErrNoCamera, capture.ErrCameraNotOpen)
	}

	s := &liveSession{done: make(chan struct{})}
	go e.runLive(ctx, req, s)
	return s, nil
}

func (e *Engine) runLive(ctx context.Context, req task.LiveRequest, s *liveSession) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	fps := e.camera.FPS()
	if fps <= 0 {
		fps = capture.DefaultFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	frames := 0
	defer func() {
		log.Printf("Live detection loop ended after %d frames", frames)
	}()

	for {
		select {
		case <-req.Stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		quit, err := e.liveFrame(req)
		if err != nil {
			s.fail(err)
			return
		}
		frames++
		if quit {
			return
		}
	}
}

// liveFrame processes one camera frame and reports whether the quit key
// was pressed.
func (e *Engine) liveFrame(req task.LiveRequest) (bool, error) {
	frame, err := e.camera.ReadFrame()
	if err != nil {
		return false, fmt.Errorf("read frame: %w", err)
	}
	defer frame.Close()

	dets, err := e.model.Detect(frame, req.Thresholds)
	if err != nil {
		return false, fmt.Errorf("detect: %w", err)
	}

	Annotate(frame, dets)

	if e.sink != nil {
		e.sink.Publish(frame)
	}

	if req.Display && e.screen != nil {
		if key := e.screen.Show(WindowName, frame); key&0xff == quitKey {
			log.Println("Quit key pressed in display window")
			return true, nil
		}
	}

	return false, nil
}
