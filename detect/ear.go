package detect

import (
	"driver-hub/common/config"
	"driver-hub/inference"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// EyeAspectRatio computes (|p1-p5| + |p2-p4|) / (2|p0-p3|) for the six
// face-mesh points idx, scaled to a w x h frame.
func EyeAspectRatio(lm []inference.Landmark, idx [6]int, w, h int) (float64, error) {
	var p [6][]float64
	for i, j := range idx {
		if j < 0 || j >= len(lm) {
			return 0, errors.Errorf("landmark %d out of range (have %d)", j, len(lm))
		}
		p[i] = []float64{lm[j].X * float64(w), lm[j].Y * float64(h)}
	}

	a := floats.Distance(p[1], p[5], 2)
	b := floats.Distance(p[2], p[4], 2)
	c := floats.Distance(p[0], p[3], 2)
	if c == 0 {
		return 0, errors.New("degenerate eye: corner distance is zero")
	}
	return (a + b) / (2 * c), nil
}

// MeanEyeAspectRatio averages both eyes.
func MeanEyeAspectRatio(lm []inference.Landmark, w, h int) (float64, error) {
	left, err := EyeAspectRatio(lm, config.LeftEye, w, h)
	if err != nil {
		return 0, errors.Wrap(err, "left eye")
	}
	right, err := EyeAspectRatio(lm, config.RightEye, w, h)
	if err != nil {
		return 0, errors.Wrap(err, "right eye")
	}
	return (left + right) / 2, nil
}
