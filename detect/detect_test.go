package detect

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"driver-hub/common/config"
	"driver-hub/frame"
	"driver-hub/inference"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	At  int // seconds since t0
	Cmd Command
}

type recorder struct {
	t0       time.Time
	now      time.Time
	commands []call
	spoken   []string
}

func (r *recorder) Dispatch(cmd Command) {
	r.commands = append(r.commands, call{At: int(r.now.Sub(r.t0) / time.Second), Cmd: cmd})
}

func (r *recorder) Announce(text string) { r.spoken = append(r.spoken, text) }

func (r *recorder) count(cmd Command) int {
	n := 0
	for _, c := range r.commands {
		if c.Cmd == cmd {
			n++
		}
	}
	return n
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func newDrowsy(rec *recorder, ex inference.LandmarkExtractor) *DrowsinessEvaluator {
	rec.t0 = t0
	return NewDrowsinessEvaluator(ex, rec, rec, 0.22, 3*time.Second)
}

func TestCommandForLabel(t *testing.T) {
	cases := map[string]Command{
		"STOP_SIGN":         SignStop,
		"stop25":            SignStop,
		"speed30":           SignSpeed30,
		"Speed Limit 50":    SignSpeed50,
		"speed_limit_80kmh": SignSpeed80,
		"stop 30":           SignStop,
	}
	for label, want := range cases {
		got, ok := CommandForLabel(label)
		assert.True(t, ok, label)
		assert.Equal(t, want, got, label)
	}

	_, ok := CommandForLabel("yield")
	assert.False(t, ok)
}

func TestCommandValid(t *testing.T) {
	assert.True(t, DrowsyOn.Valid())
	assert.False(t, Command("reboot").Valid())
}

// eyeFace builds a landmark set whose eyes both have the given EAR on a
// square frame.
func eyeFace(ratio float64) []inference.Landmark {
	lm := make([]inference.Landmark, 468)
	const width = 0.2
	d := width * ratio
	for _, eye := range []struct {
		idx [6]int
		x0  float64
	}{{config.LeftEye, 0.2}, {config.RightEye, 0.6}} {
		y := 0.4
		lm[eye.idx[0]] = inference.Landmark{X: eye.x0, Y: y}
		lm[eye.idx[3]] = inference.Landmark{X: eye.x0 + width, Y: y}
		lm[eye.idx[1]] = inference.Landmark{X: eye.x0 + width/3, Y: y - d/2}
		lm[eye.idx[5]] = inference.Landmark{X: eye.x0 + width/3, Y: y + d/2}
		lm[eye.idx[2]] = inference.Landmark{X: eye.x0 + 2*width/3, Y: y - d/2}
		lm[eye.idx[4]] = inference.Landmark{X: eye.x0 + 2*width/3, Y: y + d/2}
	}
	return lm
}

func TestEyeAspectRatio(t *testing.T) {
	lm := eyeFace(0.3)
	ear, err := EyeAspectRatio(lm, config.LeftEye, 100, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, ear, 1e-9)

	mean, err := MeanEyeAspectRatio(lm, 100, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, mean, 1e-9)
}

func TestEyeAspectRatioErrors(t *testing.T) {
	_, err := EyeAspectRatio(make([]inference.Landmark, 10), config.LeftEye, 100, 100)
	assert.Error(t, err, "too few landmarks")

	_, err = EyeAspectRatio(make([]inference.Landmark, 468), config.LeftEye, 100, 100)
	assert.Error(t, err, "all points at the origin")
}

func TestDrowsinessScenario(t *testing.T) {
	rec := &recorder{}
	e := newDrowsy(rec, nil)

	var ratios []float64
	for i := 0; i < 5; i++ {
		ratios = append(ratios, 0.30)
	}
	for i := 0; i < 31; i++ {
		ratios = append(ratios, 0.15)
	}
	ratios = append(ratios, 0.30, 0.30)

	for sec, r := range ratios {
		rec.now = at(sec)
		e.Observe(r, rec.now)
	}

	want := []call{{At: 8, Cmd: DrowsyOn}, {At: 36, Cmd: DrowsyOff}}
	if diff := cmp.Diff(want, rec.commands); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"Wake up!"}, rec.spoken)
	assert.Equal(t, DrowsinessState{}, e.State())
}

func TestDrowsinessTransitions(t *testing.T) {
	e := newDrowsy(&recorder{}, nil)

	assert.Equal(t, NoChange, e.Observe(0.3, at(0)))
	assert.Equal(t, SleepStarted, e.Observe(0.1, at(1)))
	assert.Equal(t, NoChange, e.Observe(0.1, at(3)))
	assert.Equal(t, EyesOpened, e.Observe(0.3, at(4)))
	assert.Equal(t, SleepStarted, e.Observe(0.1, at(5)))
	assert.Equal(t, BecameDrowsy, e.Observe(0.1, at(8)))
	assert.Equal(t, NoChange, e.Observe(0.1, at(20)))
	assert.Equal(t, BecameAlert, e.Observe(0.22, at(21)), "threshold itself counts as open")
}

// For random ratio sequences sampled once a second, drowsy_on fires once for
// each closed run lasting at least 3s, and drowsy_off once when such a run
// ends.
func TestDrowsinessRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		n := 10 + rng.Intn(60)
		ratios := make([]float64, n)
		for i := range ratios {
			// long runs are more interesting than coin flips
			if i > 0 && rng.Float64() < 0.8 {
				ratios[i] = ratios[i-1]
				continue
			}
			ratios[i] = 0.1 + rng.Float64()*0.25
		}

		wantOn, wantOff := 0, 0
		runStart := -1
		for i, r := range ratios {
			if r < 0.22 {
				if runStart < 0 {
					runStart = i
				}
				continue
			}
			if runStart >= 0 && i-1-runStart >= 3 {
				wantOn++
				wantOff++
			}
			runStart = -1
		}
		if runStart >= 0 && n-1-runStart >= 3 {
			wantOn++
		}

		rec := &recorder{}
		e := newDrowsy(rec, nil)
		for sec, r := range ratios {
			rec.now = at(sec)
			e.Observe(r, rec.now)
		}

		require.Equal(t, wantOn, rec.count(DrowsyOn), "trial %d: %v", trial, ratios)
		require.Equal(t, wantOff, rec.count(DrowsyOff), "trial %d: %v", trial, ratios)
		require.Equal(t, wantOn, len(rec.spoken))
	}
}

type scriptedExtractor struct {
	faces [][]inference.Landmark
	err   error
	calls int
}

func (s *scriptedExtractor) Landmarks(context.Context, *frame.Frame) ([]inference.Landmark, error) {
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls
	s.calls++
	if i >= len(s.faces) {
		return nil, nil
	}
	return s.faces[i], nil
}

func squareFrame() *frame.Frame {
	return &frame.Frame{Data: make([]byte, 100*100*3), Width: 100, Height: 100}
}

func TestDrowsinessNoFaceKeepsState(t *testing.T) {
	closed := eyeFace(0.1)
	ex := &scriptedExtractor{faces: [][]inference.Landmark{closed, nil, nil, closed}}
	rec := &recorder{}
	e := newDrowsy(rec, ex)

	var snaps []Snapshot
	e.OnSnapshot = func(s Snapshot) { snaps = append(snaps, s) }

	ctx := context.Background()
	f := squareFrame()

	tr, err := e.Evaluate(ctx, f, at(0))
	require.NoError(t, err)
	assert.Equal(t, SleepStarted, tr)
	before := e.State()

	for sec := 1; sec <= 2; sec++ {
		tr, err = e.Evaluate(ctx, f, at(sec))
		require.NoError(t, err)
		assert.Equal(t, NoChange, tr)
		assert.Equal(t, before, e.State(), "no face must not touch the state")
	}

	rec.now = at(3)
	tr, err = e.Evaluate(ctx, f, rec.now)
	require.NoError(t, err)
	assert.Equal(t, BecameDrowsy, tr, "missing faces did not reset the timer")
	assert.Equal(t, 1, rec.count(DrowsyOn))

	require.Len(t, snaps, 1)
	assert.Equal(t, "DROWSY", snaps[0].Banner)
}

func TestDrowsinessExtractorError(t *testing.T) {
	ex := &scriptedExtractor{err: errors.New("timeout")}
	e := newDrowsy(&recorder{}, ex)

	_, err := e.Evaluate(context.Background(), squareFrame(), at(0))
	assert.Error(t, err)
	assert.Equal(t, DrowsinessState{}, e.State())
}

func det(label string, conf float64) inference.Detection {
	return inference.Detection{Label: label, Confidence: conf}
}

func TestSignDebounceSameLabel(t *testing.T) {
	rec := &recorder{t0: t0}
	e := NewSignEvaluator(nil, rec, rec, 0.5, 3*time.Second)

	var announcedAt []int
	for sec := 0; sec <= 10; sec++ {
		rec.now = at(sec)
		if got := e.Observe([]inference.Detection{det("speed30", 0.9)}, rec.now); len(got) > 0 {
			announcedAt = append(announcedAt, sec)
		}
	}

	assert.Equal(t, []int{0, 4, 8}, announcedAt)
	assert.Equal(t, 3, rec.count(SignSpeed30))
	assert.Equal(t, []string{"speed30", "speed30", "speed30"}, rec.spoken)
}

func TestSignLabelChangeAnnouncesImmediately(t *testing.T) {
	rec := &recorder{t0: t0}
	e := NewSignEvaluator(nil, rec, rec, 0.5, 3*time.Second)

	e.Observe([]inference.Detection{det("stop sign", 0.8)}, at(0))
	e.Observe([]inference.Detection{det("speed50", 0.8)}, at(1))
	e.Observe([]inference.Detection{det("stop sign", 0.8)}, at(2))

	assert.Equal(t, []string{"stop sign", "speed50", "stop sign"}, rec.spoken)
	assert.Equal(t, SignDebounceState{LastLabel: "stop sign", LastTime: at(2)}, e.State())
}

func TestSignUnmappedLabelAnnouncesOnly(t *testing.T) {
	rec := &recorder{t0: t0}
	e := NewSignEvaluator(nil, rec, rec, 0.5, 3*time.Second)

	e.Observe([]inference.Detection{det("yield", 0.9)}, at(0))
	assert.Equal(t, []string{"yield"}, rec.spoken)
	assert.Empty(t, rec.commands)

	// the unmapped label still holds the debounce window
	e.Observe([]inference.Detection{det("yield", 0.9)}, at(1))
	assert.Equal(t, []string{"yield"}, rec.spoken)
	assert.Equal(t, "yield", e.State().LastLabel)
}

func TestSignConfidenceFilter(t *testing.T) {
	rec := &recorder{t0: t0}
	e := NewSignEvaluator(nil, rec, rec, 0.5, 3*time.Second)

	e.Observe([]inference.Detection{det("stop", 0.49), det("speed80", 0.5)}, at(0))
	assert.Equal(t, []string{"speed80"}, rec.spoken)
}

// Two labels alternating within one tick keep resetting the shared window.
func TestSignSharedDebounceWithinTick(t *testing.T) {
	rec := &recorder{t0: t0}
	e := NewSignEvaluator(nil, rec, rec, 0.5, 3*time.Second)

	both := []inference.Detection{det("stop", 0.9), det("speed30", 0.9)}
	e.Observe(both, at(0))
	e.Observe(both, at(1))

	assert.Equal(t, 4, len(rec.spoken), "each detection overrides the one before it")
}

func TestSignPerLabelDebounce(t *testing.T) {
	rec := &recorder{t0: t0}
	e := NewSignEvaluator(nil, rec, rec, 0.5, 3*time.Second)
	e.PerLabel = true

	both := []inference.Detection{det("stop", 0.9), det("speed30", 0.9)}
	e.Observe(both, at(0))
	e.Observe(both, at(1))
	e.Observe(both, at(2))
	e.Observe(both, at(4))

	assert.Equal(t, []string{"stop", "speed30", "stop", "speed30"}, rec.spoken)
	assert.Equal(t, 2, rec.count(SignStop))
	assert.Equal(t, 2, rec.count(SignSpeed30))
}

type fixedDetector struct {
	dets []inference.Detection
	conf float64
}

func (d *fixedDetector) Detect(_ context.Context, _ *frame.Frame, conf float64) ([]inference.Detection, error) {
	d.conf = conf
	return d.dets, nil
}

func TestSignEvaluate(t *testing.T) {
	detector := &fixedDetector{dets: []inference.Detection{det("Stop", 0.95)}}
	rec := &recorder{t0: t0}
	e := NewSignEvaluator(detector, rec, rec, 0.5, 3*time.Second)

	var snaps []Snapshot
	e.OnSnapshot = func(s Snapshot) { snaps = append(snaps, s) }

	got, err := e.Evaluate(context.Background(), squareFrame(), at(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"Stop"}, got)
	assert.Equal(t, 0.5, detector.conf)
	require.Len(t, snaps, 1)
	assert.Equal(t, "road", snaps[0].Source)

	got, err = e.Evaluate(context.Background(), squareFrame(), at(1))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, snaps, 1)
}
