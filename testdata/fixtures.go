// Package testdata generates image fixtures for tests: synthetic scenes
// written to disk as JPEG or PNG, and the same scenes as gocv frames.
package testdata

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// Scene draws a width x height test picture: a gray background with a
// striped block in the middle, something a detector could box.
func Scene(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	block := image.Rect(width/4, height/4, width*3/4, height*3/4)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{R: 114, G: 114, B: 114, A: 255}
			if image.Pt(x, y).In(block) {
				if (x/8)%2 == 0 {
					c = color.RGBA{R: 20, G: 20, B: 20, A: 255}
				} else {
					c = color.RGBA{R: 235, G: 235, B: 235, A: 255}
				}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

// WriteImage writes a Scene to dir/name, encoded by the name's extension
// (.jpg, .jpeg or .png), and returns the path.
func WriteImage(dir, name string, width, height int) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	img := Scene(width, height)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	case ".png":
		err = png.Encode(f, img)
	default:
		err = fmt.Errorf("unsupported fixture type %q", filepath.Ext(name))
	}
	if err != nil {
		return "", fmt.Errorf("write fixture %s: %w", name, err)
	}
	return path, nil
}

// Frame returns a Scene as a BGR gocv frame. The caller closes it.
func Frame(width, height int) (*gocv.Mat, error) {
	mat, err := gocv.ImageToMatRGB(Scene(width, height))
	if err != nil {
		return nil, fmt.Errorf("convert scene: %w", err)
	}
	return &mat, nil
}

// Frames returns n copies of a Scene frame for a mock camera.
func Frames(n, width, height int) ([]*gocv.Mat, error) {
	var frames []*gocv.Mat
	for i := 0; i < n; i++ {
		frame, err := Frame(width, height)
		if err != nil {
			// Clean up already created frames
			for _, f := range frames {
				f.Close()
			}
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
