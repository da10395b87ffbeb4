package display

import (
	"context"
	"image"
	"log"
	"sync"

	"gocv.io/x/gocv"
)

// Preview keeps the most recent live frame as JPEG for streaming clients.
type Preview struct {
	mu      sync.Mutex
	width   int
	height  int
	jpeg    []byte
	seq     uint64
	changed chan struct{}
}

// NewPreview creates an empty preview. Frames are scaled to width x height
// when both are positive.
func NewPreview(width, height int) *Preview {
	return &Preview{
		width:   width,
		height:  height,
		changed: make(chan struct{}),
	}
}

// Publish encodes frame and wakes every waiting reader.
func (p *Preview) Publish(frame *gocv.Mat) {
	if frame == nil || frame.Empty() {
		return
	}

	src := *frame
	if p.width > 0 && p.height > 0 && (frame.Cols() != p.width || frame.Rows() != p.height) {
		scaled := gocv.NewMat()
		defer scaled.Close()
		gocv.Resize(*frame, &scaled, image.Pt(p.width, p.height), 0, 0, gocv.InterpolationArea)
		src = scaled
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, src)
	if err != nil {
		log.Printf("Error encoding preview frame: %v", err)
		return
	}
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	p.mu.Lock()
	p.jpeg = data
	p.seq++
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

// Latest returns the newest frame and its sequence number. The sequence is
// 0 before the first frame.
func (p *Preview) Latest() ([]byte, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jpeg, p.seq
}

// Next blocks until a frame newer than after is published or ctx is done.
func (p *Preview) Next(ctx context.Context, after uint64) ([]byte, uint64, error) {
	for {
		p.mu.Lock()
		if p.seq > after {
			data, seq := p.jpeg, p.seq
			p.mu.Unlock()
			return data, seq, nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, after, ctx.Err()
		}
	}
}

// Reset drops the stored frame, for when live detection ends.
func (p *Preview) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jpeg = nil
}
