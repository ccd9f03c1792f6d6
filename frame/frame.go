// Package frame holds the video frame type and the single-slot mailbox that
// bridges a capture goroutine to the orchestration loop.
//
// Frames are immutable once published. The slot hands the same pointer to
// every reader, so nobody may write to Data after Publish; a reader that
// wants to draw on a frame works on Clone() or on Image().
package frame

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Frame is a packed RGB24 image.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time

	// Seq is assigned by the slot on publish, starting at 1.
	Seq uint64
}

// New builds a frame, checking that data holds width*height RGB pixels.
func New(data []byte, width, height int, ts time.Time) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid frame size %dx%d", width, height)
	}
	if want := width * height * 3; len(data) < want {
		return nil, errors.Errorf("insufficient frame data: expected %d bytes, got %d", want, len(data))
	}
	return &Frame{Data: data, Width: width, Height: height, Timestamp: ts}, nil
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// Image converts the frame to an RGBA image.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	pix := img.Pix
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		pix[i*4] = f.Data[i*3]
		pix[i*4+1] = f.Data[i*3+1]
		pix[i*4+2] = f.Data[i*3+2]
		pix[i*4+3] = 255
	}
	return img
}

// JPEG encodes the frame.
func (f *Frame) JPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode JPEG")
	}
	return buf.Bytes(), nil
}

// Slot holds at most one frame. Publish replaces it atomically; Latest never
// observes a partially written frame.
type Slot struct {
	current atomic.Pointer[Frame]
	seq     atomic.Uint64
	read    atomic.Uint64
	drops   atomic.Uint64
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Publish stamps f with the next sequence number and makes it the latest
// frame. Never blocks.
func (s *Slot) Publish(f *Frame) {
	f.Seq = s.seq.Add(1)
	if prev := s.current.Swap(f); prev != nil && prev.Seq > s.read.Load() {
		s.drops.Add(1)
	}
}

// Latest returns the most recently published frame, or false if nothing
// has been published yet.
func (s *Slot) Latest() (*Frame, bool) {
	f := s.current.Load()
	if f == nil {
		return nil, false
	}
	// track the highest seq handed out for drop accounting
	for {
		r := s.read.Load()
		if f.Seq <= r || s.read.CompareAndSwap(r, f.Seq) {
			break
		}
	}
	return f, true
}

// Drops counts frames replaced before any reader saw them.
func (s *Slot) Drops() uint64 {
	return s.drops.Load()
}

// Published counts every frame ever published.
func (s *Slot) Published() uint64 {
	return s.seq.Load()
}
