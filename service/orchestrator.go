package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"driver-hub/capture"
	"driver-hub/common/log"
	"driver-hub/detect"
	"driver-hub/frame"
)

// Orchestrator is the single control loop. It is the only caller of the two
// evaluators, so their state needs no locking.
type Orchestrator struct {
	Driver     *frame.Slot
	Road       *frame.Slot
	Drowsiness *detect.DrowsinessEvaluator
	Signs      *detect.SignEvaluator
	Sources    []*capture.Source
	Tick       time.Duration
	Metrics    *Metrics

	// Now defaults to time.Now.
	Now func() time.Time

	// StopTimeout bounds how long Run waits for sources on shutdown.
	StopTimeout time.Duration

	lastRoad uint64
}

func NewOrchestrator(driver, road *frame.Slot, drowsiness *detect.DrowsinessEvaluator, signs *detect.SignEvaluator, tick time.Duration, metrics *Metrics, sources ...*capture.Source) *Orchestrator {
	return &Orchestrator{
		Driver:      driver,
		Road:        road,
		Drowsiness:  drowsiness,
		Signs:       signs,
		Sources:     sources,
		Tick:        tick,
		Metrics:     metrics,
		Now:         time.Now,
		StopTimeout: 5 * time.Second,
	}
}

// Run ticks until ctx is cancelled, then stops every source and waits for
// them to release their streams.
func (o *Orchestrator) Run(ctx context.Context) error {
	tick := o.Tick
	if tick <= 0 {
		tick = 33 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	log.Info(fmt.Sprintf("orchestration loop started, tick %s", tick))
	for {
		select {
		case <-ctx.Done():
			o.stopSources()
			log.Info("orchestration loop stopped")
			return nil
		case <-ticker.C:
			o.Step(ctx)
		}
	}
}

// Step runs one iteration: the driver slot through the drowsiness
// evaluator, then the road slot through the sign evaluator. The latest
// driver frame is evaluated every step, even when the camera has stalled,
// so the sleep timer keeps advancing on a frozen closed-eye picture. A road
// frame is evaluated once.
func (o *Orchestrator) Step(ctx context.Context) {
	if f, ok := o.latest(o.Driver); ok && o.Drowsiness != nil {
		o.guard("driver", func() {
			if _, err := o.Drowsiness.Evaluate(ctx, f, o.now()); err != nil {
				o.evalError("driver", err)
				return
			}
			if o.Metrics != nil {
				o.Metrics.SetEAR(o.Drowsiness.LastRatio())
			}
		})
		o.evaluated("driver")
	}

	if f, ok := o.next(o.Road, &o.lastRoad); ok && o.Signs != nil {
		o.guard("road", func() {
			if _, err := o.Signs.Evaluate(ctx, f, o.now()); err != nil {
				o.evalError("road", err)
			}
		})
		o.evaluated("road")
	}
}

func (o *Orchestrator) latest(slot *frame.Slot) (*frame.Frame, bool) {
	if slot == nil {
		return nil, false
	}
	return slot.Latest()
}

// next is latest minus frames already seen.
func (o *Orchestrator) next(slot *frame.Slot, last *uint64) (*frame.Frame, bool) {
	f, ok := o.latest(slot)
	if !ok || f.Seq == *last {
		return nil, false
	}
	*last = f.Seq
	return f, true
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// guard keeps a panicking evaluator from taking the loop down.
func (o *Orchestrator) guard(source string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if o.Metrics != nil {
				o.Metrics.Panic()
			}
			log.Error(fmt.Sprintf("%s evaluation panicked: %v\n%s", source, r, debug.Stack()), log.Fields{"source": source})
		}
	}()
	fn()
}

func (o *Orchestrator) evalError(source string, err error) {
	if o.Metrics != nil {
		o.Metrics.EvalError()
	}
	log.Warn(fmt.Sprintf("%s evaluation failed: %v", source, err), log.Fields{"source": source})
}

func (o *Orchestrator) evaluated(source string) {
	if o.Metrics != nil {
		o.Metrics.FrameEvaluated(source)
	}
}

func (o *Orchestrator) stopSources() {
	for _, s := range o.Sources {
		s.Stop()
	}
	deadline := time.After(o.StopTimeout)
	for _, s := range o.Sources {
		select {
		case <-s.Done():
		case <-deadline:
			log.Warn(fmt.Sprintf("%s source did not stop within %s", s.Name, o.StopTimeout), log.Fields{"source": s.Name})
			return
		}
	}
}
