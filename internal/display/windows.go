// Package display owns the on-screen windows and the latest-frame preview
// used by live detection.
package display

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"gocv.io/x/gocv"
)

// Windows manages named HighGUI windows. Windows are created on first Show
// and destroyed by CloseAll.
//
// HighGUI is not safe to drive from several threads, so every window call
// runs on one goroutine locked to its OS thread. Callers on any goroutine
// block until their call has run there.
type Windows struct {
	reqs     chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the loop goroutine.
	windows map[string]*gocv.Window
}

func NewWindows() *Windows {
	w := &Windows{
		reqs:    make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		windows: make(map[string]*gocv.Window),
	}
	go w.loop()
	return w
}

func (w *Windows) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.stopped)

	for {
		select {
		case fn := <-w.reqs:
			w.run(fn)
		case <-w.quit:
			w.closeAll()
			return
		}
	}
}

func (w *Windows) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Window call panicked: %v", p)
		}
	}()
	fn()
}

// do runs fn on the window thread and waits for it. It reports false once
// the windows have been stopped.
func (w *Windows) do(fn func()) bool {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn()
	}

	select {
	case w.reqs <- call:
	case <-w.quit:
		return false
	}
	<-done
	return true
}

// Show draws frame in the named window and returns the key pressed within
// one millisecond, or -1.
func (w *Windows) Show(name string, frame *gocv.Mat) int {
	key := -1
	w.do(func() {
		win, ok := w.windows[name]
		if !ok {
			win = gocv.NewWindow(name)
			w.windows[name] = win
		}
		win.IMShow(*frame)
		key = win.WaitKey(1)
	})
	return key
}

// Visible reports whether any managed window is still shown.
func (w *Windows) Visible() bool {
	visible := false
	w.do(func() {
		for _, win := range w.windows {
			if win.GetWindowProperty(gocv.WindowPropertyVisible) >= 1 {
				visible = true
				return
			}
		}
	})
	return visible
}

// CloseAll destroys every managed window.
func (w *Windows) CloseAll() error {
	var err error
	w.do(func() { err = w.closeAll() })
	return err
}

func (w *Windows) closeAll() error {
	var errs []error
	for name, win := range w.windows {
		if err := win.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close window %q: %w", name, err))
		}
		delete(w.windows, name)
	}
	return errors.Join(errs...)
}

// Count returns the number of open windows.
func (w *Windows) Count() int {
	n := 0
	w.do(func() { n = len(w.windows) })
	return n
}

// Stop destroys the remaining windows and ends the window thread. Later
// calls are no-ops: Show returns -1 and Visible false.
func (w *Windows) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.stopped
}
