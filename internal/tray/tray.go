// Package tray provides the system tray menu for objectlens. The menu mirrors
// the task controls of the web UI and shows the current status line.
package tray

import (
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/objectlens/internal/task"
)

// Tray represents the system tray application. It implements task.View:
// the Cancel and End items are only shown while their task is active.
type Tray struct {
	onUpload func()
	onLive   func()
	onCancel func()
	onEnd    func()
	onResult func(taskID string)
	onQuit   func()

	mu         sync.RWMutex
	status     string
	active     map[task.Mode]bool
	lastResult string

	// Menu items stored for later updates
	menuStatus *systray.MenuItem
	menuResult *systray.MenuItem
	menuCancel *systray.MenuItem
	menuEnd    *systray.MenuItem
}

// New creates a new Tray showing the idle status line.
func New() *Tray {
	return &Tray{
		status: task.StatusIdle,
		active: make(map[task.Mode]bool),
	}
}

// OnUpload sets the callback for "Upload Image to Detect...".
func (t *Tray) OnUpload(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpload = fn
}

// OnLive sets the callback for "Live Camera Detection".
func (t *Tray) OnLive(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLive = fn
}

// OnCancel sets the callback for canceling the image task.
func (t *Tray) OnCancel(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCancel = fn
}

// OnEnd sets the callback for ending live detection.
func (t *Tray) OnEnd(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnd = fn
}

// OnResult sets the callback for opening the last image result.
func (t *Tray) OnResult(fn func(taskID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResult = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit ends Run.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("ObjectLens")
	systray.SetTooltip("ObjectLens Object Detection")

	menuUpload := systray.AddMenuItem("Upload Image to Detect...", "Choose an image in the browser")
	menuCancel := systray.AddMenuItem("Cancel", "Cancel image detection")
	systray.AddSeparator()

	menuLive := systray.AddMenuItem("Live Camera Detection", "Detect objects on the camera feed")
	menuEnd := systray.AddMenuItem("End Live Detection", "Stop live detection")
	systray.AddSeparator()

	menuStatus := systray.AddMenuItem(task.StatusIdle, "Detection status")
	menuStatus.Disable()
	menuResult := systray.AddMenuItem("Show Last Result", "Open the last annotated image")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit ObjectLens")

	t.mu.Lock()
	t.menuStatus = menuStatus
	t.menuResult = menuResult
	t.menuCancel = menuCancel
	t.menuEnd = menuEnd
	t.applyLocked()
	t.mu.Unlock()

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-menuUpload.ClickedCh:
				t.fire(func() func() { return t.onUpload })
			case <-menuCancel.ClickedCh:
				t.fire(func() func() { return t.onCancel })
			case <-menuLive.ClickedCh:
				t.fire(func() func() { return t.onLive })
			case <-menuEnd.ClickedCh:
				t.fire(func() func() { return t.onEnd })
			case <-menuResult.ClickedCh:
				t.handleResult()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

// fire runs the callback returned by get outside the lock.
func (t *Tray) fire(get func() func()) {
	t.mu.RLock()
	callback := get()
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleResult() {
	t.mu.RLock()
	callback := t.onResult
	id := t.lastResult
	t.mu.RUnlock()

	if callback != nil && id != "" {
		callback(id)
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.fire(func() func() { return t.onQuit })
	systray.Quit()
}

// SetStatus updates the status line item.
func (t *Tray) SetStatus(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = text
	if t.menuStatus != nil {
		t.menuStatus.SetTitle(text)
	}
}

// SetActive shows or hides the stop item of mode.
func (t *Tray) SetActive(mode task.Mode, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[mode] = active
	t.applyLocked()
}

// ShowResult remembers the task whose result "Show Last Result" opens.
func (t *Tray) ShowResult(taskID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastResult = taskID
	t.applyLocked()
}

// Status returns the current status line.
func (t *Tray) Status() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Active reports whether the stop item of mode is shown.
func (t *Tray) Active(mode task.Mode) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[mode]
}

// LastResult returns the id of the last task with a displayed result.
func (t *Tray) LastResult() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResult
}

func (t *Tray) applyLocked() {
	if t.menuStatus == nil {
		return
	}
	t.menuStatus.SetTitle(t.status)
	setVisible(t.menuCancel, t.active[task.ModeImage])
	setVisible(t.menuEnd, t.active[task.ModeLive])
	setVisible(t.menuResult, t.lastResult != "")
}

func setVisible(item *systray.MenuItem, visible bool) {
	if visible {
		item.Show()
	} else {
		item.Hide()
	}
}
