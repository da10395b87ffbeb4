package task

import (
	"fmt"
	"log"
	"time"
)

// teardown runs the live end sequence. Every step runs even when an earlier
// one fails; failures are logged.
func (c *Controller) teardown(r *record, final string) {
	defer close(r.tornDown)

	c.step("set stop signals", func() error {
		r.cancel.Set()
		r.stop.Set()
		log.Println("Stop signals set")
		return nil
	})

	c.step("join workers", func() error {
		c.joinWorkers()
		return nil
	})

	c.step("release camera", func() error {
		return c.releaseCamera(r)
	})

	c.step("close display", func() error {
		if c.display == nil || !c.display.Visible() {
			log.Println("No display windows to close")
			return nil
		}
		if err := c.display.CloseAll(); err != nil {
			return err
		}
		log.Println("Display windows closed")
		return nil
	})

	c.step("update presentation", func() error {
		c.post(func(v View) {
			v.SetActive(ModeLive, false)
			v.SetStatus(final)
		})
		return nil
	})

	c.setIdle(r)
}

func (c *Controller) step(name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Live teardown: %s panicked: %v", name, p)
		}
	}()

	if err := fn(); err != nil {
		log.Printf("Live teardown: %s: %v", name, err)
	}
}

// joinWorkers waits for every unfinished worker, JoinTimeout each.
func (c *Controller) joinWorkers() {
	c.mu.Lock()
	pending := make([]*record, 0, len(c.workers))
	for _, r := range c.workers {
		pending = append(pending, r)
	}
	c.mu.Unlock()

	for _, r := range pending {
		if r.join(c.opts.JoinTimeout) {
			continue
		}
		log.Printf("Worker %s (%s) did not stop within %v, abandoning it", r.id, r.mode, c.opts.JoinTimeout)
	}
}

// releaseCamera closes the camera at most once per live task.
func (c *Controller) releaseCamera(r *record) error {
	var err error
	r.releaseOnce.Do(func() {
		if c.camera == nil {
			return
		}
		if cerr := c.camera.Close(); cerr != nil {
			err = fmt.Errorf("release camera: %w", cerr)
			return
		}
		log.Println("Camera released")
		time.Sleep(c.opts.SettleDelay)
	})
	return err
}
