package detector

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"strings"
)

// candidate is a box that passed the confidence threshold but has not been
// through non-maximum suppression yet.
type candidate struct {
	box     image.Rectangle
	score   float32
	classID int
}

// parseYOLOv5 reads a [rows x cols] YOLOv5 output where every row is
// cx, cy, w, h, objectness followed by one score per class. Coordinates are
// multiplied by scale to map them back onto the padded source frame.
func parseYOLOv5(data []float32, rows, cols int, scale, conf float32) []candidate {
	if cols <= 5 || len(data) < rows*cols {
		return nil
	}

	var out []candidate
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]

		objectness := row[4]
		if objectness < conf {
			continue
		}

		classID, best := argmax(row[5:])
		score := objectness * best
		if score < conf {
			continue
		}

		out = append(out, candidate{
			box:     centerBox(row[0], row[1], row[2], row[3], scale),
			score:   score,
			classID: classID,
		})
	}
	return out
}

// parseYOLOv8 reads a [attrs x anchors] output where the first four rows are
// cx, cy, w, h and the remaining rows hold one score per class. There is no
// objectness row.
func parseYOLOv8(data []float32, attrs, anchors int, scale, conf float32) []candidate {
	if attrs <= 4 || len(data) < attrs*anchors {
		return nil
	}

	at := func(attr, anchor int) float32 { return data[attr*anchors+anchor] }

	var out []candidate
	scores := make([]float32, attrs-4)
	for a := 0; a < anchors; a++ {
		for c := range scores {
			scores[c] = at(c+4, a)
		}
		classID, score := argmax(scores)
		if score < conf {
			continue
		}

		out = append(out, candidate{
			box:     centerBox(at(0, a), at(1, a), at(2, a), at(3, a), scale),
			score:   score,
			classID: classID,
		})
	}
	return out
}

func argmax(values []float32) (int, float32) {
	idx, best := 0, float32(0)
	for i, v := range values {
		if v > best {
			idx, best = i, v
		}
	}
	return idx, best
}

func centerBox(cx, cy, w, h, scale float32) image.Rectangle {
	return image.Rect(
		int((cx-w/2)*scale),
		int((cy-h/2)*scale),
		int((cx+w/2)*scale),
		int((cy+h/2)*scale),
	)
}

// label returns the class name for id, or "class <id>" when names is short.
func label(names []string, id int) string {
	if id >= 0 && id < len(names) {
		return names[id]
	}
	return fmt.Sprintf("class %d", id)
}

// loadClassNames reads one class name per line, skipping blank lines.
func loadClassNames(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open class names: %w", err)
	}
	defer file.Close()

	var names []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read class names: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("class names file %s is empty", path)
	}
	return names, nil
}

// CocoNames are the 80 class labels the stock YOLOv5 weights are trained on.
var CocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}
