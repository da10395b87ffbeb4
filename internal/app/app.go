// Package app wires the objectlens components together: the task
// controller, the detection engine, the camera, the display surfaces, the
// task log and the HTTP and tray front ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ayusman/objectlens/internal/capture"
	"github.com/ayusman/objectlens/internal/config"
	"github.com/ayusman/objectlens/internal/detector"
	"github.com/ayusman/objectlens/internal/display"
	"github.com/ayusman/objectlens/internal/server"
	"github.com/ayusman/objectlens/internal/store"
	"github.com/ayusman/objectlens/internal/task"
	"github.com/ayusman/objectlens/internal/tray"
	"github.com/ayusman/objectlens/internal/ui"
)

// ShutdownTimeout bounds how long Stop waits for open HTTP requests.
const ShutdownTimeout = 5 * time.Second

// Config holds the collaborators of an App. Settings is required. Model and
// Camera replace the ones built from Settings when set.
type Config struct {
	Settings  *config.Config
	StaticDir string
	Model     detector.Model
	Camera    capture.Camera
	Tray      *tray.Tray
	// OpenURL opens a page of the web UI, for the tray.
	OpenURL func(url string)
}

// App is the running objectlens application.
type App struct {
	settings *config.Config
	openURL  func(string)

	store      *store.Store
	queue      *ui.Queue
	hub        *server.Hub
	tray       *tray.Tray
	camera     capture.Camera
	windows    *display.Windows
	preview    *display.Preview
	engine     *detector.Engine
	controller *task.Controller
	server     *server.Server

	queueDone chan struct{}
	errCh     chan error
	stopOnce  sync.Once
}

// New builds an App from config. The presentation queue starts running
// immediately; the HTTP listener starts with Start.
func New(config Config) (*App, error) {
	cfg := config.Settings
	if cfg == nil {
		return nil, errors.New("app: settings are required")
	}

	st, err := store.New(cfg.HistoryDSN)
	if err != nil {
		return nil, fmt.Errorf("open task log: %w", err)
	}

	uploadDir := cfg.ResourcePath(cfg.UploadDir)
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		st.Close()
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	a := &App{
		settings:  cfg,
		openURL:   config.OpenURL,
		store:     st,
		queue:     ui.NewQueue(ui.DefaultQueueSize),
		hub:       server.NewHub(),
		tray:      config.Tray,
		camera:    config.Camera,
		preview:   display.NewPreview(cfg.PreviewWidth, cfg.PreviewHeight),
		queueDone: make(chan struct{}),
		errCh:     make(chan error, 1),
	}

	if a.camera == nil {
		a.camera = capture.NewCamera(capture.Config{
			DeviceID: cfg.CameraIndex,
			FPS:      cfg.CameraFPS,
		})
	}

	model := config.Model
	if model == nil {
		model = selectModel(cfg)
	}

	engineCfg := detector.EngineConfig{
		Model:  model,
		Camera: a.camera,
		Sink:   a.preview,
	}
	surface := &surfaces{preview: a.preview}
	switch {
	case cfg.Headless:
	case !windowsAllowed(runtime.GOOS, a.tray != nil):
		log.Println("The tray owns the main thread; live frames go to the web preview only")
	default:
		a.windows = display.NewWindows()
		engineCfg.Screen = a.windows
		surface.windows = a.windows
	}
	a.engine = detector.NewEngine(engineCfg)

	views := task.MultiView{a.hub}
	if a.tray != nil {
		views = append(views, a.tray)
	}

	a.controller = task.New(task.Config{
		Capability: a.engine,
		Camera:     a.camera,
		Display:    surface,
		Dispatcher: a.queue,
		View:       views,
		History:    store.NewHistory(st.Tasks()),
		Options:    controllerOptions(cfg),
	})

	a.server = server.New(server.Config{
		StaticDir:  config.StaticDir,
		UploadDir:  uploadDir,
		Store:      st,
		Controller: a.controller,
		Events:     a.hub,
		Preview:    a.preview,
	})

	if a.tray != nil {
		a.bindTray()
	}

	go func() {
		defer close(a.queueDone)
		a.queue.Run()
	}()

	// Initial status line.
	a.queue.Post(func() { views.SetStatus(task.StatusIdle) })

	return a, nil
}

// windowsAllowed reports whether HighGUI windows can be used. Cocoa only
// draws windows from the main thread, which the tray keeps on macOS.
func windowsAllowed(goos string, tray bool) bool {
	return !(goos == "darwin" && tray)
}

func controllerOptions(cfg *config.Config) task.Options {
	thresholds := task.Thresholds{Confidence: cfg.Confidence, IoU: cfg.IoU}
	return task.Options{
		Weights:     cfg.ResourcePath(cfg.ModelPath),
		CameraIndex: cfg.CameraIndex,
		Image:       thresholds,
		Live:        thresholds,
		OutputDir:   cfg.ResourcePath(cfg.ResultsProject),
		OutputName:  cfg.ResultsName,
		JoinTimeout: cfg.JoinTimeout(),
		SettleDelay: cfg.CameraSettle(),
	}
}

// selectModel builds the detection backend named by cfg.Backend. Auto tries
// the ONNX network, then the Python script, then falls back to a model that
// reports every detection as unavailable.
func selectModel(cfg *config.Config) detector.Model {
	weights := cfg.ResourcePath(cfg.ModelPath)
	names := cfg.ResourcePath(cfg.NamesPath)

	tryNet := func() (detector.Model, error) {
		m, err := detector.NewNetModel(weights, names)
		if err != nil {
			return nil, err
		}
		log.Printf("Using ONNX network %s", weights)
		return m, nil
	}
	tryScript := func() (detector.Model, error) {
		m, err := detector.NewScriptModel(detector.ScriptConfig{
			ScriptPath: cfg.ResourcePath(cfg.ScriptPath),
			PythonPath: cfg.PythonPath,
			Weights:    weights,
		})
		if err != nil {
			return nil, err
		}
		log.Println("Using Python detection service")
		return m, nil
	}

	var attempts []func() (detector.Model, error)
	switch cfg.Backend {
	case config.BackendNet:
		attempts = append(attempts, tryNet)
	case config.BackendScript:
		attempts = append(attempts, tryScript)
	case config.BackendNone:
		log.Println("Detection backend disabled")
		return detector.Unavailable(nil)
	default:
		attempts = append(attempts, tryNet, tryScript)
	}

	var errs []error
	for _, attempt := range attempts {
		m, err := attempt()
		if err == nil {
			return m
		}
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	log.Printf("No detection backend available (%v), detection will fail", err)
	return detector.Unavailable(err)
}

func (a *App) bindTray() {
	base := "http://" + a.settings.ListenAddr

	a.tray.OnUpload(func() {
		a.open(base + "/")
	})
	a.tray.OnLive(func() {
		if _, err := a.controller.StartLive(); err != nil {
			log.Printf("Live detection not started: %v", err)
		}
	})
	a.tray.OnCancel(func() {
		if err := a.controller.CancelImage(); err != nil {
			log.Printf("Cancel: %v", err)
		}
	})
	a.tray.OnEnd(func() {
		if err := a.controller.EndLive(); err != nil {
			log.Printf("End live detection: %v", err)
		}
	})
	a.tray.OnResult(func(taskID string) {
		a.open(base + "/api/tasks/" + taskID + "/result")
	})
}

func (a *App) open(url string) {
	if a.openURL == nil {
		log.Printf("Open %s", url)
		return
	}
	a.openURL(url)
}

// Start begins serving HTTP on the configured address. Listener failures
// are reported on Err.
func (a *App) Start() {
	addr := a.settings.ListenAddr
	log.Printf("Starting server on %s", addr)
	go func() {
		if err := a.server.ListenAndServe(addr); err != nil {
			a.errCh <- err
		}
	}()
}

// Err reports a failure of the HTTP listener.
func (a *App) Err() <-chan error {
	return a.errCh
}

// Stop shuts the application down: running tasks first, then the HTTP
// server, the presentation queue, the model, the windows and the camera,
// and finally the task log. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(a.stop)
}

func (a *App) stop() {
	a.controller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}

	a.queue.Close()
	<-a.queueDone

	if err := a.engine.Close(); err != nil {
		log.Printf("Error closing model: %v", err)
	}
	if a.windows != nil {
		if err := a.windows.CloseAll(); err != nil {
			log.Printf("Error closing windows: %v", err)
		}
		a.windows.Stop()
	}
	if a.camera.IsOpen() {
		if err := a.camera.Close(); err != nil {
			log.Printf("Error closing camera: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.Printf("Error closing task log: %v", err)
	}

	log.Println("Shutdown complete")
}

// Handler returns the HTTP handler of the application.
func (a *App) Handler() *server.Server {
	return a.server
}

// Controller returns the task controller.
func (a *App) Controller() *task.Controller {
	return a.controller
}

// Store returns the task log.
func (a *App) Store() *store.Store {
	return a.store
}

// Hub returns the websocket event hub.
func (a *App) Hub() *server.Hub {
	return a.hub
}

// Preview returns the live preview buffer.
func (a *App) Preview() *display.Preview {
	return a.preview
}

// Flush waits until every queued presentation update has run.
func (a *App) Flush() bool {
	return a.queue.Flush()
}

// surfaces is the task.Display of the app: the gocv windows, when enabled,
// and the MJPEG preview.
type surfaces struct {
	windows *display.Windows
	preview *display.Preview
}

// Visible reports whether a window is open or the preview still holds a
// live frame.
func (s *surfaces) Visible() bool {
	if frame, _ := s.preview.Latest(); frame != nil {
		return true
	}
	return s.windows != nil && s.windows.Visible()
}

func (s *surfaces) CloseAll() error {
	s.preview.Reset()
	if s.windows == nil {
		return nil
	}
	return s.windows.CloseAll()
}
