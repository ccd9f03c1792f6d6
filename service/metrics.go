package service

import (
	"math"
	"sync/atomic"
	"time"
)

// Metrics are process-wide counters, safe for concurrent use.
type Metrics struct {
	startedAt time.Time

	driverFrames atomic.Int64
	roadFrames   atomic.Int64
	evalErrors   atomic.Int64
	panics       atomic.Int64
	lastEARBits  atomic.Uint64
	lastTick     atomic.Int64

	commandsOK     atomic.Int64
	commandsFailed atomic.Int64
	voiceOK        atomic.Int64
	voiceFailed    atomic.Int64
	voiceDropped   atomic.Int64
	smsOK          atomic.Int64
	smsFailed      atomic.Int64
	accidents      atomic.Int64
	wsClients      atomic.Int32
}

func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) FrameEvaluated(source string) {
	if source == "driver" {
		m.driverFrames.Add(1)
	} else {
		m.roadFrames.Add(1)
	}
	m.lastTick.Store(time.Now().UnixMilli())
}

func (m *Metrics) EvalError()    { m.evalErrors.Add(1) }
func (m *Metrics) Panic()        { m.panics.Add(1) }
func (m *Metrics) Accident()     { m.accidents.Add(1) }
func (m *Metrics) VoiceDropped() { m.voiceDropped.Add(1) }

func (m *Metrics) SetEAR(ratio float64) {
	m.lastEARBits.Store(math.Float64bits(ratio))
}

func (m *Metrics) Command(ok bool) {
	if ok {
		m.commandsOK.Add(1)
	} else {
		m.commandsFailed.Add(1)
	}
}

func (m *Metrics) Voice(ok bool) {
	if ok {
		m.voiceOK.Add(1)
	} else {
		m.voiceFailed.Add(1)
	}
}

func (m *Metrics) SMS(ok bool) {
	if ok {
		m.smsOK.Add(1)
	} else {
		m.smsFailed.Add(1)
	}
}

func (m *Metrics) ClientConnected()    { m.wsClients.Add(1) }
func (m *Metrics) ClientDisconnected() { m.wsClients.Add(-1) }

// Snapshot is the JSON view served at /api/status.
type Snapshot struct {
	UptimeSeconds  int64   `json:"uptime_seconds"`
	DriverFrames   int64   `json:"driver_frames"`
	RoadFrames     int64   `json:"road_frames"`
	EvalErrors     int64   `json:"eval_errors"`
	Panics         int64   `json:"panics"`
	LastEAR        float64 `json:"last_ear"`
	LastTickMs     int64   `json:"last_tick_ms"`
	CommandsOK     int64   `json:"commands_ok"`
	CommandsFailed int64   `json:"commands_failed"`
	VoiceOK        int64   `json:"voice_ok"`
	VoiceFailed    int64   `json:"voice_failed"`
	VoiceDropped   int64   `json:"voice_dropped"`
	SMSOK          int64   `json:"sms_ok"`
	SMSFailed      int64   `json:"sms_failed"`
	Accidents      int64   `json:"accidents"`
	WSClients      int32   `json:"ws_clients"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:  int64(time.Since(m.startedAt).Seconds()),
		DriverFrames:   m.driverFrames.Load(),
		RoadFrames:     m.roadFrames.Load(),
		EvalErrors:     m.evalErrors.Load(),
		Panics:         m.panics.Load(),
		LastEAR:        math.Float64frombits(m.lastEARBits.Load()),
		LastTickMs:     m.lastTick.Load(),
		CommandsOK:     m.commandsOK.Load(),
		CommandsFailed: m.commandsFailed.Load(),
		VoiceOK:        m.voiceOK.Load(),
		VoiceFailed:    m.voiceFailed.Load(),
		VoiceDropped:   m.voiceDropped.Load(),
		SMSOK:          m.smsOK.Load(),
		SMSFailed:      m.smsFailed.Load(),
		Accidents:      m.accidents.Load(),
		WSClients:      m.wsClients.Load(),
	}
}
