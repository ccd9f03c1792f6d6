// Package draw renders debug snapshots: detection boxes, labels and a
// status banner over a frame.
package draw

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"driver-hub/common/log"
	"driver-hub/common/task"
	"driver-hub/detect"
	"driver-hub/frame"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

// Box is a labelled rectangle in pixel coordinates.
type Box struct {
	Rect  image.Rectangle
	Label string
}

var (
	boxColor    = color.RGBA{0, 255, 0, 255}
	bannerColor = color.RGBA{255, 0, 0, 255}
	textColor   = color.RGBA{255, 255, 255, 255}
	outline     = color.RGBA{0, 0, 0, 255}
)

// fonts tried in order; gg's built-in bitmap face is used when none load.
var fontPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/TTF/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans-Bold.ttf",
	"/System/Library/Fonts/Supplemental/Arial Bold.ttf",
	"C:/Windows/Fonts/arialbd.ttf",
}

var (
	fontOnce sync.Once
	fontPath string
)

func loadFont(dc *gg.Context, size float64) {
	fontOnce.Do(func() {
		for _, p := range fontPaths {
			if _, err := os.Stat(p); err == nil {
				fontPath = p
				return
			}
		}
		log.Debug("no TrueType font found, using built-in face")
	})
	if fontPath == "" {
		return
	}
	if err := dc.LoadFontFace(fontPath, size); err != nil {
		log.Debug(fmt.Sprintf("failed to load font %s: %v", fontPath, err))
	}
}

// Annotate draws boxes with their labels and an optional banner onto a copy
// of the frame.
func Annotate(f *frame.Frame, banner string, boxes []Box) *image.RGBA {
	img := f.Image()
	dc := gg.NewContextForRGBA(img)
	loadFont(dc, 20)

	dc.SetLineWidth(3)
	for _, b := range boxes {
		r := b.Rect
		dc.SetColor(boxColor)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()
		if b.Label != "" {
			y := float64(r.Min.Y) - 6
			if y < 16 {
				y = float64(r.Min.Y) + 18
			}
			textWithOutline(dc, b.Label, float64(r.Min.X), y, boxColor)
		}
	}

	if banner != "" {
		loadFont(dc, 36)
		textWithOutline(dc, banner, 30, 60, bannerColor)
	}

	textWithOutline(dc, f.Timestamp.Format("2006-01-02 15:04:05"), 10, float64(f.Height)-10, textColor)
	return img
}

func textWithOutline(dc *gg.Context, text string, x, y float64, c color.Color) {
	dc.SetColor(outline)
	for _, o := range [][2]float64{{-1, -1}, {-1, 1}, {1, -1}, {1, 1}} {
		dc.DrawString(text, x+o[0], y+o[1])
	}
	dc.SetColor(c)
	dc.DrawString(text, x, y)
}

// BoxesFromSnapshot converts a snapshot's detections into boxes.
func BoxesFromSnapshot(s detect.Snapshot) []Box {
	boxes := make([]Box, 0, len(s.Detections))
	for _, d := range s.Detections {
		boxes = append(boxes, Box{Rect: d.Box, Label: fmt.Sprintf("%s %.2f", d.Label, d.Confidence)})
	}
	return boxes
}

// SaveJPEG writes img as dir/name and returns the full path.
func SaveJPEG(dir, name string, img image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", dir)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", errors.Wrap(err, "failed to encode JPEG")
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	return path, nil
}

// Snapshots returns a hook that annotates and saves each snapshot to dir on
// the pool.
func Snapshots(dir string, pool *task.Pool) detect.SnapshotFunc {
	return func(s detect.Snapshot) {
		pool.Submit("snapshot", func(context.Context) {
			img := Annotate(s.Frame, s.Banner, BoxesFromSnapshot(s))
			name := fmt.Sprintf("%s_%s_%d.jpg", s.Source, time.Now().Format("20060102_150405"), s.Frame.Seq)
			path, err := SaveJPEG(dir, name, img)
			if err != nil {
				log.Warn(fmt.Sprintf("snapshot failed: %v", err), log.Fields{"source": s.Source})
				return
			}
			log.Debug(fmt.Sprintf("snapshot saved to %s", path), log.Fields{"source": s.Source})
		})
	}
}
