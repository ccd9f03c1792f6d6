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

// Transition is the outcome of one drowsiness observation.
type Transition int

const (
	NoChange Transition = iota
	SleepStarted
	BecameDrowsy
	BecameAlert
	EyesOpened // closed streak ended before the threshold
)

func (t Transition) String() string {
	switch t {
	case SleepStarted:
		return "sleep_started"
	case BecameDrowsy:
		return "drowsy"
	case BecameAlert:
		return "alert"
	case EyesOpened:
		return "eyes_opened"
	default:
		return "no_change"
	}
}

// DrowsinessState is the closed-eye tracker. A zero SleepStart means unset.
type DrowsinessState struct {
	SleepStart time.Time
	Alerting   bool
}

// DrowsinessEvaluator watches the driver's eyes and raises drowsy_on after a
// continuous closed-eye streak, then drowsy_off when the eyes open again.
type DrowsinessEvaluator struct {
	Extractor inference.LandmarkExtractor
	Commander Commander
	Announcer Announcer

	Threshold  float64
	SleepAfter time.Duration
	WakeUpText string

	OnSnapshot SnapshotFunc

	state     DrowsinessState
	lastRatio float64
}

func NewDrowsinessEvaluator(ex inference.LandmarkExtractor, cmd Commander, ann Announcer, threshold float64, sleepAfter time.Duration) *DrowsinessEvaluator {
	return &DrowsinessEvaluator{
		Extractor:  ex,
		Commander:  cmd,
		Announcer:  ann,
		Threshold:  threshold,
		SleepAfter: sleepAfter,
		WakeUpText: "Wake up!",
	}
}

// Evaluate runs one driver frame through the extractor and the state machine.
// A frame without a face leaves the state untouched.
func (e *DrowsinessEvaluator) Evaluate(ctx context.Context, f *frame.Frame, now time.Time) (Transition, error) {
	lm, err := e.Extractor.Landmarks(ctx, f)
	if err != nil {
		return NoChange, errors.Wrap(err, "landmark extraction")
	}
	if len(lm) == 0 {
		return NoChange, nil
	}

	ratio, err := MeanEyeAspectRatio(lm, f.Width, f.Height)
	if err != nil {
		return NoChange, err
	}

	t := e.Observe(ratio, now)
	if t == BecameDrowsy && e.OnSnapshot != nil {
		e.OnSnapshot(Snapshot{Source: "driver", Frame: f, Banner: "DROWSY"})
	}
	return t, nil
}

// Observe advances the state machine with one eye-aspect-ratio sample.
//
// The first closed sample of a streak only starts the timer; a later closed
// sample at or past SleepAfter fires drowsy_on once. An open sample clears
// the timer and fires drowsy_off if an alert was raised.
func (e *DrowsinessEvaluator) Observe(ratio float64, now time.Time) Transition {
	e.lastRatio = ratio
	s := &e.state

	if ratio < e.Threshold {
		if s.SleepStart.IsZero() {
			s.SleepStart = now
			return SleepStarted
		}
		if now.Sub(s.SleepStart) >= e.SleepAfter && !s.Alerting {
			s.Alerting = true
			log.Warn(fmt.Sprintf("driver drowsy: eyes closed for %s (ear %.3f)", now.Sub(s.SleepStart).Round(time.Millisecond), ratio),
				log.Fields{"ear": ratio})
			if e.Announcer != nil {
				e.Announcer.Announce(e.WakeUpText)
			}
			if e.Commander != nil {
				e.Commander.Dispatch(DrowsyOn)
			}
			return BecameDrowsy
		}
		return NoChange
	}

	wasClosed := !s.SleepStart.IsZero()
	s.SleepStart = time.Time{}
	if s.Alerting {
		s.Alerting = false
		log.Info(fmt.Sprintf("driver alert again (ear %.3f)", ratio), log.Fields{"ear": ratio})
		if e.Commander != nil {
			e.Commander.Dispatch(DrowsyOff)
		}
		return BecameAlert
	}
	if wasClosed {
		return EyesOpened
	}
	return NoChange
}

// State returns a copy of the current state.
func (e *DrowsinessEvaluator) State() DrowsinessState {
	return e.state
}

// LastRatio is the most recent averaged eye-aspect ratio. Like State, it is
// only safe to call from the goroutine that drives Evaluate.
func (e *DrowsinessEvaluator) LastRatio() float64 {
	return e.lastRatio
}
