// Package inference talks to the vision models: a face-mesh landmark
// extractor for the driver camera and an object detector for road signs.
// Both are reached over HTTP JSON or gRPC.
package inference

import (
	"context"
	"image"

	"driver-hub/frame"
)

// Landmark is a face-mesh point in normalized [0,1] image coordinates.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one labelled box in pixel coordinates.
type Detection struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// LandmarkExtractor returns the landmarks of the first face in the frame, or
// an empty slice when no face is found.
type LandmarkExtractor interface {
	Landmarks(ctx context.Context, f *frame.Frame) ([]Landmark, error)
}

// ObjectDetector returns detections at or above the given confidence.
type ObjectDetector interface {
	Detect(ctx context.Context, f *frame.Frame, conf float64) ([]Detection, error)
}

// Location is a box in normalized [0,1] coordinates.
type Location struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ToPixels converts a normalized location to a pixel box clamped to the
// frame. ok is false for boxes that end up empty.
func (l Location) ToPixels(width, height int) (image.Rectangle, bool) {
	x1 := int(l.Left * float64(width))
	y1 := int(l.Top * float64(height))
	x2 := int((l.Left + l.Width) * float64(width))
	y2 := int((l.Top + l.Height) * float64(height))

	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > width {
		x2 = width
	}
	if y2 > height {
		y2 = height
	}

	if x2 <= x1 || y2 <= y1 {
		return image.Rectangle{}, false
	}
	return image.Rect(x1, y1, x2, y2), true
}

// filter keeps detections with confidence >= conf.
func filter(dets []Detection, conf float64) []Detection {
	out := dets[:0]
	for _, d := range dets {
		if d.Confidence >= conf {
			out = append(out, d)
		}
	}
	return out
}
