package detector

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 0},
	{R: 255, G: 157, B: 151, A: 0},
	{R: 255, G: 112, B: 31, A: 0},
	{R: 255, G: 178, B: 29, A: 0},
	{R: 207, G: 210, B: 49, A: 0},
	{R: 72, G: 249, B: 10, A: 0},
	{R: 146, G: 204, B: 23, A: 0},
	{R: 61, G: 219, B: 134, A: 0},
	{R: 26, G: 147, B: 52, A: 0},
	{R: 0, G: 212, B: 187, A: 0},
}

func classColor(id int) color.RGBA {
	if id < 0 {
		id = -id
	}
	return palette[id%len(palette)]
}

// Annotate draws a box and a "label confidence" caption for every detection.
func Annotate(img *gocv.Mat, dets []Detection) {
	for _, d := range dets {
		c := classColor(d.ClassID)
		gocv.Rectangle(img, d.Box, c, 2)

		text := d.String()
		size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.5, 1)
		origin := image.Pt(d.Box.Min.X, d.Box.Min.Y-4)
		if origin.Y-size.Y < 0 {
			origin.Y = d.Box.Min.Y + size.Y + 4
		}

		bg := image.Rect(origin.X, origin.Y-size.Y-4, origin.X+size.X+4, origin.Y+2)
		gocv.Rectangle(img, bg, c, -1)
		gocv.PutText(img, text, image.Pt(origin.X+2, origin.Y-2), gocv.FontHersheySimplex, 0.5, color.RGBA{R: 255, G: 255, B: 255, A: 0}, 1)
	}
}

// resultDir returns the directory annotated results go to and creates it.
// With overwrite the directory is dir/name as is; otherwise the first free
// name of name, name2, name3, ... is used.
func resultDir(dir, name string, overwrite bool) (string, error) {
	out := filepath.Join(dir, name)
	if !overwrite {
		out = incrementPath(dir, name)
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return "", fmt.Errorf("create result directory: %w", err)
	}
	return out, nil
}

func incrementPath(dir, name string) string {
	base := filepath.Join(dir, name)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + strconv.Itoa(n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// writeLabels writes one line per detection in YOLO text format: class id
// followed by the normalized center x, center y, width and height, and the
// confidence when withConf is set.
func writeLabels(path string, dets []Detection, width, height int, withConf bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create labels directory: %w", err)
	}

	var b strings.Builder
	for _, d := range dets {
		cx := float64(d.Box.Min.X+d.Box.Max.X) / 2 / float64(width)
		cy := float64(d.Box.Min.Y+d.Box.Max.Y) / 2 / float64(height)
		w := float64(d.Box.Dx()) / float64(width)
		h := float64(d.Box.Dy()) / float64(height)

		fmt.Fprintf(&b, "%d %.6f %.6f %.6f %.6f", d.ClassID, cx, cy, w, h)
		if withConf {
			fmt.Fprintf(&b, " %.6f", d.Confidence)
		}
		b.WriteByte('\n')
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write labels: %w", err)
	}
	return nil
}

func labelsPath(dir, source string) string {
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(dir, "labels", stem+".txt")
}
