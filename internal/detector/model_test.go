package detector

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ayusman/objectlens/internal/task"
)

// yoloRow builds one YOLOv5 output row with numClasses class scores.
func yoloRow(cx, cy, w, h, obj float32, classID, numClasses int, classScore float32) []float32 {
	row := make([]float32, 5+numClasses)
	row[0], row[1], row[2], row[3], row[4] = cx, cy, w, h, obj
	row[5+classID] = classScore
	return row
}

func TestParseYOLOv5(t *testing.T) {
	const classes = 3

	var data []float32
	// kept, class 2
	data = append(data, yoloRow(320, 320, 100, 50, 0.9, 2, classes, 0.8)...)
	// objectness too low
	data = append(data, yoloRow(100, 100, 20, 20, 0.1, 0, classes, 0.99)...)
	// 0.5*0.4 below 0.25
	data = append(data, yoloRow(200, 200, 40, 40, 0.5, 1, classes, 0.4)...)
	// kept, class 0
	data = append(data, yoloRow(64, 64, 32, 32, 0.95, 0, classes, 0.95)...)

	cands := parseYOLOv5(data, 4, 5+classes, 2, 0.25)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}

	if cands[0].classID != 2 {
		t.Errorf("expected class 2, got %d", cands[0].classID)
	}
	if want := image.Rect(540, 590, 740, 690); cands[0].box != want {
		t.Errorf("expected scaled box %v, got %v", want, cands[0].box)
	}
	if diff := cands[0].score - 0.72; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("expected score 0.72, got %f", cands[0].score)
	}
	if cands[1].classID != 0 {
		t.Errorf("expected class 0, got %d", cands[1].classID)
	}
}

func TestParseYOLOv5_ShortInput(t *testing.T) {
	if got := parseYOLOv5([]float32{1, 2, 3}, 1, 85, 1, 0.25); got != nil {
		t.Errorf("expected nil for short input, got %v", got)
	}
	if got := parseYOLOv5(nil, 0, 5, 1, 0.25); got != nil {
		t.Errorf("expected nil for rows without class scores, got %v", got)
	}
}

func TestParseYOLOv8(t *testing.T) {
	// Rows are cx, cy, w, h, class 0, class 1; columns are 3 anchors.
	data := []float32{
		100, 200, 300,
		100, 200, 300,
		10, 20, 30,
		10, 20, 30,
		0.9, 0.1, 0.2,
		0.05, 0.6, 0.1,
	}

	cands := parseYOLOv8(data, 6, 3, 1, 0.25)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].classID != 0 || cands[1].classID != 1 {
		t.Errorf("unexpected classes %d, %d", cands[0].classID, cands[1].classID)
	}
	if want := image.Rect(190, 190, 210, 210); cands[1].box != want {
		t.Errorf("expected box %v, got %v", want, cands[1].box)
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		id   int
		want string
	}{
		{id: 0, want: "person"},
		{id: 22, want: "zebra"},
		{id: 79, want: "toothbrush"},
		{id: 80, want: "class 80"},
		{id: -1, want: "class -1"},
	}

	for _, tt := range tests {
		if got := label(CocoNames, tt.id); got != tt.want {
			t.Errorf("label(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestLoadClassNames(t *testing.T) {
	dir := t.TempDir()

	t.Run("skips blank lines", func(t *testing.T) {
		path := filepath.Join(dir, "names.txt")
		os.WriteFile(path, []byte("cat\n\n  dog \nzebra\n"), 0644)

		names, err := loadClassNames(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Join(names, ",") != "cat,dog,zebra" {
			t.Errorf("unexpected names %v", names)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.txt")
		os.WriteFile(path, nil, 0644)

		if _, err := loadClassNames(path); err == nil {
			t.Error("expected error for empty names file")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := loadClassNames(filepath.Join(dir, "missing.txt")); err == nil {
			t.Error("expected error for missing names file")
		}
	})
}

func TestIncrementPath(t *testing.T) {
	dir := t.TempDir()

	if got := incrementPath(dir, "image_results"); got != filepath.Join(dir, "image_results") {
		t.Errorf("expected unused name to be kept, got %s", got)
	}

	os.Mkdir(filepath.Join(dir, "image_results"), 0755)
	if got := incrementPath(dir, "image_results"); got != filepath.Join(dir, "image_results2") {
		t.Errorf("expected image_results2, got %s", got)
	}

	os.Mkdir(filepath.Join(dir, "image_results2"), 0755)
	if got := incrementPath(dir, "image_results"); got != filepath.Join(dir, "image_results3") {
		t.Errorf("expected image_results3, got %s", got)
	}
}

func TestResultDir(t *testing.T) {
	dir := t.TempDir()

	first, err := resultDir(dir, "image_results", true)
	if err != nil {
		t.Fatalf("resultDir failed: %v", err)
	}
	second, err := resultDir(dir, "image_results", true)
	if err != nil {
		t.Fatalf("resultDir failed: %v", err)
	}
	if first != second {
		t.Errorf("overwrite should reuse the directory, got %s and %s", first, second)
	}

	third, err := resultDir(dir, "image_results", false)
	if err != nil {
		t.Fatalf("resultDir failed: %v", err)
	}
	if third == first {
		t.Error("without overwrite a new directory should be used")
	}
	if info, err := os.Stat(third); err != nil || !info.IsDir() {
		t.Errorf("expected %s to be created", third)
	}
}

func TestWriteLabels(t *testing.T) {
	dir := t.TempDir()
	dets := []Detection{
		{Box: image.Rect(0, 0, 320, 240), ClassID: 22, Label: "zebra", Confidence: 0.5},
	}

	path := labelsPath(dir, "/photos/zebra.png")
	if filepath.Base(path) != "zebra.txt" || filepath.Base(filepath.Dir(path)) != "labels" {
		t.Fatalf("unexpected labels path %s", path)
	}

	tests := []struct {
		name     string
		withConf bool
		want     string
	}{
		{name: "without confidence", withConf: false, want: "22 0.250000 0.250000 0.500000 0.500000\n"},
		{name: "with confidence", withConf: true, want: "22 0.250000 0.250000 0.500000 0.500000 0.500000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := writeLabels(path, dets, 640, 480, tt.withConf); err != nil {
				t.Fatalf("writeLabels failed: %v", err)
			}
			got, _ := os.ReadFile(path)
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMockModel(t *testing.T) {
	t.Run("returns configured detections", func(t *testing.T) {
		m := NewMockModel()
		m.SetDetections([]Detection{ZebraDetection(), PersonDetection()})

		dets, err := m.Detect(nil, task.DefaultThresholds)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(dets) != 2 || dets[0].Label != "zebra" {
			t.Errorf("unexpected detections %v", dets)
		}
		if th, ok := m.LastThresholds(); !ok || th != task.DefaultThresholds {
			t.Errorf("expected default thresholds to be recorded, got %v", th)
		}
	})

	t.Run("returns configured error", func(t *testing.T) {
		m := NewMockModel()
		want := errors.New("inference failed")
		m.SetError(want)

		if _, err := m.Detect(nil, task.DefaultThresholds); !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
		if m.Calls() != 1 {
			t.Errorf("expected 1 call, got %d", m.Calls())
		}
	})

	t.Run("close", func(t *testing.T) {
		m := NewMockModel()
		m.Close()
		if !m.Closed() {
			t.Error("expected model to be closed")
		}
	})
}

func TestUnavailable(t *testing.T) {
	if _, err := Unavailable(nil).Detect(nil, task.DefaultThresholds); !errors.Is(err, ErrNoBackend) {
		t.Errorf("expected ErrNoBackend, got %v", err)
	}

	_, err := Unavailable(errors.New("weights missing")).Detect(nil, task.DefaultThresholds)
	if !errors.Is(err, ErrNoBackend) || !strings.Contains(err.Error(), "weights missing") {
		t.Errorf("expected wrapped reason, got %v", err)
	}
}

func TestScriptProtocol(t *testing.T) {
	t.Run("request framing", func(t *testing.T) {
		var buf bytes.Buffer
		jpeg := []byte{0xff, 0xd8, 0xff, 0xd9}

		if err := writeRequest(&buf, task.Thresholds{Confidence: 0.3, IoU: 0.5}, jpeg); err != nil {
			t.Fatalf("writeRequest failed: %v", err)
		}

		headerLen := binary.BigEndian.Uint32(buf.Next(4))
		var header scriptRequest
		if err := json.Unmarshal(buf.Next(int(headerLen)), &header); err != nil {
			t.Fatalf("header is not JSON: %v", err)
		}
		if header.Conf != 0.3 || header.IoU != 0.5 {
			t.Errorf("unexpected header %+v", header)
		}

		frameLen := binary.BigEndian.Uint32(buf.Next(4))
		if int(frameLen) != len(jpeg) || !bytes.Equal(buf.Next(int(frameLen)), jpeg) {
			t.Error("frame bytes do not round trip")
		}
	})

	t.Run("response", func(t *testing.T) {
		line := `{"detections":[{"box":[10,20,110,220],"class":22,"label":"zebra","confidence":0.9}]}` + "\n"

		dets, err := readResponse(bufio.NewReader(strings.NewReader(line)))
		if err != nil {
			t.Fatalf("readResponse failed: %v", err)
		}
		if len(dets) != 1 {
			t.Fatalf("expected 1 detection, got %d", len(dets))
		}
		if dets[0].Box != image.Rect(10, 20, 110, 220) || dets[0].Label != "zebra" {
			t.Errorf("unexpected detection %+v", dets[0])
		}
	})

	t.Run("service error", func(t *testing.T) {
		line := `{"detections":[],"error":"model not loaded"}` + "\n"

		_, err := readResponse(bufio.NewReader(strings.NewReader(line)))
		var svcErr serviceError
		if !errors.As(err, &svcErr) {
			t.Errorf("expected serviceError, got %v", err)
		}
	})

	t.Run("closed pipe", func(t *testing.T) {
		if _, err := readResponse(bufio.NewReader(strings.NewReader(""))); err == nil {
			t.Error("expected error on EOF")
		}
	})
}

func TestNewScriptModel_MissingScript(t *testing.T) {
	_, err := NewScriptModel(ScriptConfig{ScriptPath: filepath.Join(t.TempDir(), "missing.py")})
	if err == nil {
		t.Error("expected error for missing script")
	}
}

func TestNewNetModel_MissingWeights(t *testing.T) {
	_, err := NewNetModel(filepath.Join(t.TempDir(), "yolov5s.onnx"), "")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
