package detect

import (
	"context"
	"fmt"
	"time"

	"driver-hub/common/log"
	"driver-hub/frame"
	"driver-hub/inference"

	"github.com/pkg/errors"
)

// SignDebounceState remembers the last announced label.
type SignDebounceState struct {
	LastLabel string
	LastTime  time.Time
}

// SignEvaluator announces detected road signs and forwards the matching
// actuator command, debounced so a sign seen on consecutive frames is only
// announced once per window.
//
// By default every detection in a tick shares one debounce state, so a
// second label in the same tick resets the window set by the first. With
// PerLabel set each label keeps its own window.
type SignEvaluator struct {
	Detector  inference.ObjectDetector
	Commander Commander
	Announcer Announcer

	Confidence float64
	Delay      time.Duration
	PerLabel   bool

	OnSnapshot SnapshotFunc

	shared   SignDebounceState
	perLabel map[string]time.Time
}

func NewSignEvaluator(det inference.ObjectDetector, cmd Commander, ann Announcer, confidence float64, delay time.Duration) *SignEvaluator {
	return &SignEvaluator{
		Detector:   det,
		Commander:  cmd,
		Announcer:  ann,
		Confidence: confidence,
		Delay:      delay,
		perLabel:   make(map[string]time.Time),
	}
}

// Evaluate runs one road frame through the detector and the debounce.
// It returns the labels that were announced.
func (e *SignEvaluator) Evaluate(ctx context.Context, f *frame.Frame, now time.Time) ([]string, error) {
	dets, err := e.Detector.Detect(ctx, f, e.Confidence)
	if err != nil {
		return nil, errors.Wrap(err, "sign detection")
	}
	if len(dets) == 0 {
		return nil, nil
	}

	announced := e.Observe(dets, now)
	if len(announced) > 0 && e.OnSnapshot != nil {
		e.OnSnapshot(Snapshot{Source: "road", Frame: f, Detections: dets})
	}
	return announced, nil
}

// Observe applies the debounce to each detection in order.
func (e *SignEvaluator) Observe(dets []inference.Detection, now time.Time) []string {
	var announced []string
	for _, d := range dets {
		if d.Confidence < e.Confidence {
			continue
		}
		if !e.allow(d.Label, now) {
			continue
		}

		announced = append(announced, d.Label)
		if e.Announcer != nil {
			e.Announcer.Announce(d.Label)
		}

		cmd, ok := CommandForLabel(d.Label)
		if !ok {
			log.Debug(fmt.Sprintf("sign %q has no actuator command", d.Label), log.Fields{"label": d.Label})
			continue
		}
		log.Info(fmt.Sprintf("sign %q -> %s", d.Label, cmd), log.Fields{"label": d.Label, "command": string(cmd), "confidence": d.Confidence})
		if e.Commander != nil {
			e.Commander.Dispatch(cmd)
		}
	}
	return announced
}

// allow checks and, on success, records the announcement.
func (e *SignEvaluator) allow(label string, now time.Time) bool {
	if e.PerLabel {
		if e.perLabel == nil {
			e.perLabel = make(map[string]time.Time)
		}
		last, seen := e.perLabel[label]
		if seen && now.Sub(last) <= e.Delay {
			return false
		}
		e.perLabel[label] = now
		return true
	}

	s := &e.shared
	if label == s.LastLabel && now.Sub(s.LastTime) <= e.Delay {
		return false
	}
	s.LastLabel, s.LastTime = label, now
	return true
}

// State returns the shared debounce state.
func (e *SignEvaluator) State() SignDebounceState {
	return e.shared
}
