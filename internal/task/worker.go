package task

import (
	"fmt"
	"log"
	"os"
)

// guard converts a panicking worker into a failed outcome.
func guard(run func() Outcome) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	return run()
}

// runImage calls the capability once. Cancellation is only observed after
// the call returns.
func (c *Controller) runImage(r *record) Outcome {
	req := ImageRequest{
		Source:         r.source,
		Weights:        c.opts.Weights,
		Thresholds:     c.opts.Image,
		SaveResults:    true,
		SaveLabels:     false,
		SaveConfidence: false,
		Display:        false,
		OutputDir:      c.opts.OutputDir,
		OutputName:     c.opts.OutputName,
		Overwrite:      true,
	}

	log.Printf("Processing image: %s", r.source)
	if err := c.capability.DetectImage(c.ctx, req); err != nil {
		return Failed(err)
	}

	if r.cancel.IsSet() {
		return Canceled()
	}

	path := req.ResultPath()
	log.Printf("Result image path: %s", path)
	if _, err := os.Stat(path); err != nil {
		return Failed(ErrResultNotFound)
	}
	return Completed(path)
}

// runLive starts the capability's display loop and waits for the live
// cancel token or an external stop, then sets the worker-stop token and
// waits for the loop to end.
func (c *Controller) runLive(r *record) Outcome {
	session, err := c.capability.StartLive(c.ctx, LiveRequest{
		CameraIndex: c.opts.CameraIndex,
		Weights:     c.opts.Weights,
		Thresholds:  c.opts.Live,
		Display:     true,
		Stop:        r.stop.Done(),
	})
	if err != nil {
		return Failed(err)
	}

	stopped := false
	select {
	case <-r.cancel.Done():
	case <-c.ctx.Done():
	case <-session.Done():
		stopped = true
	}
	r.stop.Set()
	// The loop may still hold the camera; the worker is joined only once it
	// has let go.
	<-session.Done()

	if stopped && !r.cancel.IsSet() {
		if err := session.Err(); err != nil {
			return Failed(err)
		}
	}
	return Canceled()
}
