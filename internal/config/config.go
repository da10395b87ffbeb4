// Package config loads the objectlens settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// HomeEnv overrides the base directory, for packaged installs.
const HomeEnv = "OBJECTLENS_HOME"

// Detection backends.
const (
	BackendAuto   = "auto"
	BackendNet    = "net"
	BackendScript = "script"
	BackendNone   = "none"
)

// Config holds runtime configuration. Relative paths are resolved against
// BaseDir by ResourcePath.
type Config struct {
	BaseDir string `yaml:"base_dir"`

	ModelPath  string `yaml:"model_path"`
	NamesPath  string `yaml:"names_path"`
	Backend    string `yaml:"backend"`
	ScriptPath string `yaml:"script_path"`
	PythonPath string `yaml:"python_path"`

	CameraIndex int `yaml:"camera_index"`
	CameraFPS   int `yaml:"camera_fps"`

	Confidence float64 `yaml:"confidence"`
	IoU        float64 `yaml:"iou"`

	ResultsProject string `yaml:"results_project"`
	ResultsName    string `yaml:"results_name"`
	UploadDir      string `yaml:"upload_dir"`

	ListenAddr  string `yaml:"listen_addr"`
	StaticDir   string `yaml:"static_dir"`
	HistoryDSN  string `yaml:"history_dsn"`
	Tray        bool   `yaml:"tray"`
	Headless    bool   `yaml:"headless"`
	OpenBrowser bool   `yaml:"open_browser"`
	LogFile     string `yaml:"log_file"`

	JoinTimeoutMs  int `yaml:"join_timeout_ms"`
	CameraSettleMs int `yaml:"camera_settle_ms"`

	PreviewWidth  int `yaml:"preview_width"`
	PreviewHeight int `yaml:"preview_height"`
}

// DefaultConfig returns a Config populated with standard defaults. BaseDir
// is left empty and resolved by Load.
func DefaultConfig() *Config {
	return &Config{
		ModelPath:      filepath.Join("models", "yolov5s.onnx"),
		Backend:        BackendAuto,
		CameraIndex:    0,
		CameraFPS:      15,
		Confidence:     0.25,
		IoU:            0.45,
		ResultsProject: filepath.Join("runs", "detect"),
		ResultsName:    "image_results",
		UploadDir:      "uploads",
		ListenAddr:     "127.0.0.1:8080",
		HistoryDSN:     ":memory:",
		Tray:           true,
		OpenBrowser:    false,
		JoinTimeoutMs:  1000,
		CameraSettleMs: 1000,
		PreviewWidth:   600,
		PreviewHeight:  400,
	}
}

// Load reads configuration from the YAML file at path on top of the
// defaults. A missing file or an empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if cfg.BaseDir == "" {
		cfg.BaseDir = ResolveBaseDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path in YAML format.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects values the application cannot run with and fills in
// empty names.
func (c *Config) Validate() error {
	switch c.Backend {
	case "":
		c.Backend = BackendAuto
	case BackendAuto, BackendNet, BackendScript, BackendNone:
	default:
		return fmt.Errorf("invalid backend %q", c.Backend)
	}

	if c.Confidence <= 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence must be in (0, 1], got %v", c.Confidence)
	}
	if c.IoU <= 0 || c.IoU > 1 {
		return fmt.Errorf("iou must be in (0, 1], got %v", c.IoU)
	}
	if c.CameraIndex < 0 {
		return fmt.Errorf("camera_index must not be negative, got %d", c.CameraIndex)
	}
	if c.JoinTimeoutMs < 0 || c.CameraSettleMs < 0 {
		return errors.New("join_timeout_ms and camera_settle_ms must not be negative")
	}
	if c.ResultsName == "" {
		c.ResultsName = "image_results"
	}
	if c.ResultsProject == "" {
		c.ResultsProject = filepath.Join("runs", "detect")
	}
	if c.CameraFPS <= 0 {
		c.CameraFPS = 15
	}
	return nil
}

// JoinTimeout is how long teardown waits for each worker.
func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutMs) * time.Millisecond
}

// CameraSettle is the pause after the camera has been released.
func (c *Config) CameraSettle() time.Duration {
	return time.Duration(c.CameraSettleMs) * time.Millisecond
}

// ResourcePath resolves rel against BaseDir. Absolute and empty paths are
// returned unchanged.
func (c *Config) ResourcePath(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.BaseDir, rel)
}

// ResolveBaseDir picks the directory resources are loaded from: the
// OBJECTLENS_HOME variable, else the executable's directory when it holds a
// models directory, else the working directory.
func ResolveBaseDir() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}

	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		if info, err := os.Stat(filepath.Join(dir, "models")); err == nil && info.IsDir() {
			return dir
		}
	}

	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// LogResources reports the resolved locations and whether the model files
// exist. It returns false when the weights are missing.
func (c *Config) LogResources() bool {
	log.Printf("Base directory: %s", c.BaseDir)

	model := c.ResourcePath(c.ModelPath)
	_, err := os.Stat(model)
	found := err == nil
	log.Printf("Model path: %s (exists: %t)", model, found)

	if c.NamesPath != "" {
		names := c.ResourcePath(c.NamesPath)
		_, err := os.Stat(names)
		log.Printf("Class names: %s (exists: %t)", names, err == nil)
	}
	if c.ScriptPath != "" {
		script := c.ResourcePath(c.ScriptPath)
		_, err := os.Stat(script)
		log.Printf("Detection script: %s (exists: %t)", script, err == nil)
	}

	return found
}
