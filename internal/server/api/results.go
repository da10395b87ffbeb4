package api

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"

	"golang.org/x/image/draw"

	"github.com/ayusman/objectlens/internal/store"
)

// Size of the result preview shown next to the controls.
const (
	PreviewWidth  = 600
	PreviewHeight = 400
)

// result handles GET /api/tasks/{id}/result. With ?preview=1 the image is
// scaled to 600x400 and sent as JPEG.
func (h *TaskHandler) result(w http.ResponseWriter, r *http.Request, id string) {
	t, ok := h.lookup(w, id)
	if !ok {
		return
	}

	if t.Outcome != store.OutcomeCompleted || t.ResultPath == "" {
		writeError(w, http.StatusNotFound, "Result not available")
		return
	}
	if _, err := os.Stat(t.ResultPath); err != nil {
		writeError(w, http.StatusNotFound, "Result image not found")
		return
	}

	if r.URL.Query().Get("preview") == "" {
		http.ServeFile(w, r, t.ResultPath)
		return
	}

	preview, err := scaleImage(t.ResultPath, PreviewWidth, PreviewHeight)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render preview")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	jpeg.Encode(w, preview, &jpeg.Options{Quality: 90})
}

// scaleImage decodes the image at path and resamples it to width x height.
func scaleImage(path string, width, height int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
