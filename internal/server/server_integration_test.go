package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/objectlens/internal/display"
	"github.com/ayusman/objectlens/internal/store"
	"github.com/ayusman/objectlens/internal/task"
)

// copyCapability "detects" by copying the source image to the result path.
type copyCapability struct{}

func (copyCapability) DetectImage(ctx context.Context, req task.ImageRequest) error {
	data, err := os.ReadFile(req.Source)
	if err != nil {
		return err
	}
	path := req.ResultPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (copyCapability) StartLive(ctx context.Context, req task.LiveRequest) (task.LiveSession, error) {
	return nil, task.ErrNoCamera
}

func newTestController(t *testing.T, view task.View, history task.History) *task.Controller {
	t.Helper()

	opts := task.DefaultOptions()
	opts.OutputDir = filepath.Join(t.TempDir(), "runs")
	opts.SettleDelay = 0

	ctrl := task.New(task.Config{
		Capability: copyCapability{},
		View:       view,
		History:    history,
		Options:    opts,
	})
	t.Cleanup(ctrl.Close)
	return ctrl
}

func writeTestPNG(t *testing.T, path string) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: 120, B: uint8(y * 5), A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

type testEnv struct {
	ts    *httptest.Server
	store *store.Store
	hub   *Hub
	ctrl  *task.Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	hub := NewHub()
	ctrl := newTestController(t, hub, store.NewHistory(s.Tasks()))

	srv := New(Config{
		UploadDir:  t.TempDir(),
		Store:      s,
		Controller: ctrl,
		Events:     hub,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: s, hub: hub, ctrl: ctrl}
}

func (e *testEnv) waitIdle(t *testing.T, mode task.Mode) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.ctrl.State(mode) == task.StateIdle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s task did not return to idle", mode)
}

func TestAPI_ImageTaskWorkflow(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	src := filepath.Join(t.TempDir(), "zebra.png")
	writeTestPNG(t, src)

	// 1. Start a task on a file already on disk
	body, _ := json.Marshal(map[string]string{"path": src})
	resp, err := client.Post(env.ts.URL+"/api/tasks/image", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/tasks/image error = %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	var started struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	if started.ID == "" {
		t.Fatal("expected a task id")
	}

	env.waitIdle(t, task.ModeImage)

	// 2. The task log shows it completed
	resp, err = client.Get(env.ts.URL + "/api/tasks/" + started.ID)
	if err != nil {
		t.Fatalf("GET task error = %v", err)
	}
	var got struct {
		ID      string `json:"id"`
		Mode    string `json:"mode"`
		Outcome string `json:"outcome"`
	}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if got.Outcome != store.OutcomeCompleted {
		t.Errorf("outcome = %q, want %q", got.Outcome, store.OutcomeCompleted)
	}
	if got.Mode != string(task.ModeImage) {
		t.Errorf("mode = %q, want image", got.Mode)
	}

	// 3. The annotated result is served
	resp, err = client.Get(env.ts.URL + "/api/tasks/" + started.ID + "/result")
	if err != nil {
		t.Fatalf("GET result error = %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET result status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	want, _ := os.ReadFile(src)
	if !bytes.Equal(data, want) {
		t.Error("result body differs from the detected image")
	}

	// 4. Status reports the completion line
	resp, err = client.Get(env.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status error = %v", err)
	}
	var status struct {
		Status string `json:"status"`
		Modes  map[string]struct {
			State string `json:"state"`
		} `json:"modes"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status.Status != task.StatusImageComplete {
		t.Errorf("status = %q, want %q", status.Status, task.StatusImageComplete)
	}
	if status.Modes["image"].State != "idle" {
		t.Errorf("image state = %q, want idle", status.Modes["image"].State)
	}
}

func TestAPI_UploadRejectedType(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("image", "notes.txt")
	part.Write([]byte("not an image"))
	mw.Close()

	resp, err := env.ts.Client().Post(env.ts.URL+"/api/tasks/image", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := env.hub.Status(); !strings.HasPrefix(got, "Error during detection:") {
		t.Errorf("status line = %q, want a detection error", got)
	}

	tasks, err := env.store.Tasks().List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("rejected upload should not be logged, got %d tasks", len(tasks))
	}
}

func TestAPI_LiveWithoutCamera(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/tasks/live", nil)
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /api/tasks/live error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if env.ctrl.State(task.ModeLive) != task.StateIdle {
		t.Errorf("live state = %v, want idle", env.ctrl.State(task.ModeLive))
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestEvents_SnapshotAndResult(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Snapshot: the status line then one active event per mode.
	ev := readEvent(t, conn)
	if ev.Type != "status" || ev.Status != task.StatusIdle {
		t.Errorf("first event = %+v, want idle status", ev)
	}
	for range task.Modes {
		ev := readEvent(t, conn)
		if ev.Type != "active" || ev.Active == nil || *ev.Active {
			t.Errorf("snapshot event = %+v, want inactive control", ev)
		}
	}

	src := filepath.Join(t.TempDir(), "street.png")
	writeTestPNG(t, src)
	id, err := env.ctrl.StartImage(src)
	if err != nil {
		t.Fatalf("StartImage() error = %v", err)
	}

	var result Event
	for result.Type != "result" {
		result = readEvent(t, conn)
	}
	if result.TaskID != id {
		t.Errorf("result task = %q, want %q", result.TaskID, id)
	}
	if want := "/api/tasks/" + id + "/result?preview=1"; result.Result != want {
		t.Errorf("result url = %q, want %q", result.Result, want)
	}

	// The completion line and the hidden cancel control follow the result.
	ev = readEvent(t, conn)
	if ev.Type != "status" || ev.Status != task.StatusImageComplete {
		t.Errorf("event after result = %+v, want completion status", ev)
	}
	ev = readEvent(t, conn)
	if ev.Type != "active" || ev.Mode != string(task.ModeImage) || ev.Active == nil || *ev.Active {
		t.Errorf("final event = %+v, want image control hidden", ev)
	}
}

func TestStream_ServesPublishedFrame(t *testing.T) {
	preview := display.NewPreview(0, 0)
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 200, 90, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	preview.Publish(&frame)

	ts := httptest.NewServer(New(Config{Preview: preview}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/stream error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	mr := multipart.NewReader(resp.Body, "frame")
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}
	if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("part Content-Type = %q, want image/jpeg", ct)
	}

	head := make([]byte, 2)
	if _, err := io.ReadFull(part, head); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if head[0] != 0xFF || head[1] != 0xD8 {
		t.Errorf("frame does not start with a JPEG marker: % x", head)
	}
}
