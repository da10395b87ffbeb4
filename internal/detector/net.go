package detector

import (
	"fmt"
	"image"
	"log"
	"os"
	"sync"

	"github.com/ayusman/objectlens/internal/task"
	"gocv.io/x/gocv"
)

// netInputSize is the square input resolution of the exported YOLO models.
const netInputSize = 640

// NetModel runs a YOLO ONNX export through the OpenCV DNN module.
type NetModel struct {
	mu    sync.Mutex
	net   gocv.Net
	names []string
}

// NewNetModel loads the ONNX weights. namesPath is optional; without it the
// COCO labels are used.
func NewNetModel(weights, namesPath string) (*NetModel, error) {
	if _, err := os.Stat(weights); err != nil {
		return nil, fmt.Errorf("model weights: %w", err)
	}

	net := gocv.ReadNetFromONNX(weights)
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("load onnx model %s failed", weights)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		log.Printf("Warning: set DNN backend: %v", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		log.Printf("Warning: set DNN target: %v", err)
	}

	names := CocoNames
	if namesPath != "" {
		loaded, err := loadClassNames(namesPath)
		if err != nil {
			log.Printf("Warning: %v, using COCO labels", err)
		} else {
			names = loaded
		}
	}

	return &NetModel{net: net, names: names}, nil
}

// Detect pads frame to a square, runs one forward pass and applies
// non-maximum suppression.
func (m *NetModel) Detect(frame *gocv.Mat, th task.Thresholds) ([]Detection, error) {
	if frame == nil || frame.Empty() {
		return nil, ErrEmptyFrame
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rows, cols := frame.Rows(), frame.Cols()
	side := max(rows, cols)

	square := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(114, 114, 114, 0), side, side, gocv.MatTypeCV8UC3)
	defer square.Close()

	roi := square.Region(image.Rect(0, 0, cols, rows))
	frame.CopyTo(&roi)
	roi.Close()

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(netInputSize, netInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	shape := out.Size()
	if len(shape) != 3 {
		return nil, fmt.Errorf("unexpected model output shape %v", shape)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read model output: %w", err)
	}

	scale := float32(side) / netInputSize
	conf := float32(th.Confidence)

	var cands []candidate
	if shape[1] > shape[2] {
		cands = parseYOLOv5(data, shape[1], shape[2], scale, conf)
	} else {
		cands = parseYOLOv8(data, shape[1], shape[2], scale, conf)
	}

	return m.suppress(cands, th, image.Rect(0, 0, cols, rows)), nil
}

func (m *NetModel) suppress(cands []candidate, th task.Thresholds, bounds image.Rectangle) []Detection {
	if len(cands) == 0 {
		return []Detection{}
	}

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.box
		scores[i] = c.score
	}

	indices := gocv.NMSBoxes(boxes, scores, float32(th.Confidence), float32(th.IoU))

	result := make([]Detection, 0, len(indices))
	for _, idx := range indices {
		c := cands[idx]
		box := c.box.Intersect(bounds)
		if box.Empty() {
			continue
		}
		result = append(result, Detection{
			Box:        box,
			ClassID:    c.classID,
			Label:      label(m.names, c.classID),
			Confidence: c.score,
		})
	}
	return result
}

func (m *NetModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}
