package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ayusman/objectlens/internal/task"
	"gocv.io/x/gocv"
)

const (
	scriptName      = "detect_service.py"
	scriptIdleAfter = 30 * time.Second
)

// ScriptConfig locates the Python detection service. Empty fields are
// searched for in the usual places.
type ScriptConfig struct {
	ScriptPath string
	PythonPath string
	Weights    string
}

// ScriptModel implements Model with a Python subprocess running the
// detection service. The process is started lazily and shut down after
// 30 seconds without work.
type ScriptModel struct {
	config    ScriptConfig
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewScriptModel checks that the service script exists. The Python process
// is not started until the first Detect.
func NewScriptModel(config ScriptConfig) (*ScriptModel, error) {
	if config.ScriptPath == "" {
		config.ScriptPath = findScript()
	}
	if config.ScriptPath == "" {
		return nil, fmt.Errorf("%s not found", scriptName)
	}
	if _, err := os.Stat(config.ScriptPath); err != nil {
		return nil, fmt.Errorf("detection script: %w", err)
	}
	if config.PythonPath == "" {
		config.PythonPath = findVenvPython()
	}
	if config.PythonPath == "" {
		config.PythonPath = "python3"
	}

	return &ScriptModel{config: config}, nil
}

// Detect sends one frame to the service and waits for its answer.
func (m *ScriptModel) Detect(frame *gocv.Mat, th task.Thresholds) ([]Detection, error) {
	if frame == nil || frame.Empty() {
		return nil, ErrEmptyFrame
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureStarted(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	if err := writeRequest(m.stdin, th, buf.GetBytes()); err != nil {
		m.shutdown()
		return nil, err
	}

	dets, err := readResponse(m.stdout)
	if err != nil {
		var svcErr serviceError
		if !errors.As(err, &svcErr) {
			m.shutdown()
		}
		return nil, err
	}

	m.lastUsed = time.Now()
	m.resetIdleTimer()

	return dets, nil
}

// Close shuts down the Python process.
func (m *ScriptModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown()
}

func (m *ScriptModel) ensureStarted() error {
	if m.started {
		return nil
	}

	args := []string{m.config.ScriptPath}
	if m.config.Weights != "" {
		args = append(args, "--weights", m.config.Weights)
	}
	m.cmd = exec.Command(m.config.PythonPath, args...)

	stdin, err := m.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	m.cmd.Stderr = os.Stderr

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("start detection service: %w", err)
	}

	m.stdin = stdin
	m.stdout = bufio.NewReader(stdout)
	m.started = true
	m.lastUsed = time.Now()

	return nil
}

func (m *ScriptModel) shutdown() error {
	if !m.started {
		return nil
	}

	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}

	if m.stdin != nil {
		m.stdin.Close()
	}

	err := m.cmd.Wait()
	m.started = false
	m.cmd = nil
	m.stdin = nil
	m.stdout = nil

	return err
}

func (m *ScriptModel) resetIdleTimer() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(scriptIdleAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.shutdown()
	})
}

// Wire format, one request per frame:
//
//	uint32 length | JSON thresholds | uint32 length | JPEG bytes
//
// answered by a single JSON line.
type scriptRequest struct {
	Conf float64 `json:"conf"`
	IoU  float64 `json:"iou"`
}

type scriptResponse struct {
	Detections []scriptDetection `json:"detections"`
	Error      string            `json:"error,omitempty"`
}

type scriptDetection struct {
	Box        [4]float64 `json:"box"`
	ClassID    int        `json:"class"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

// serviceError is an error reported by the service itself. The process is
// still healthy after one.
type serviceError string

func (e serviceError) Error() string { return "detection service: " + string(e) }

func writeRequest(w io.Writer, th task.Thresholds, jpeg []byte) error {
	header, err := json.Marshal(scriptRequest{Conf: th.Confidence, IoU: th.IoU})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := writeChunk(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := writeChunk(w, jpeg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeChunk(w io.Writer, data []byte) error {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := w.Write(length); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readResponse(r *bufio.Reader) ([]Detection, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp scriptResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, serviceError(resp.Error)
	}

	result := make([]Detection, len(resp.Detections))
	for i, d := range resp.Detections {
		result[i] = d.toDetection()
	}
	return result, nil
}

func (d scriptDetection) toDetection() Detection {
	return Detection{
		Box:        image.Rect(int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3])),
		ClassID:    d.ClassID,
		Label:      d.Label,
		Confidence: float32(d.Confidence),
	}
}

func findScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", scriptName),
		filepath.Join("..", "scripts", scriptName),
		filepath.Join(execDir, "scripts", scriptName),
		filepath.Join(os.Getenv("HOME"), ".objectlens", "scripts", scriptName),
	}

	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment
// next to the working directory or the executable.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".objectlens/venv/bin/python"),
	}

	return firstExisting(candidates)
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return path
		}
	}
	return ""
}
