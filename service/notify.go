package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"driver-hub/common/log"
	"driver-hub/common/store"
	"driver-hub/common/task"
	"driver-hub/notify"

	"github.com/pkg/errors"
)

// AccidentEvent is one received accident signal.
type AccidentEvent struct {
	Latitude   float64
	Longitude  float64
	ReceivedAt time.Time
}

// MapURL links to the event's coordinates.
func (e AccidentEvent) MapURL() string {
	return fmt.Sprintf("https://www.google.com/maps?q=%v,%v", e.Latitude, e.Longitude)
}

// Message is the SMS body sent for the event.
func (e AccidentEvent) Message() string {
	return fmt.Sprintf("🚨 Accident Detected!\nLocation: %s", e.MapURL())
}

const (
	accidentAnnouncement = "Accident detected. Sending SMS."
	speakTimeout         = 30 * time.Second
)

// NotificationDispatcher speaks announcements and sends accident messages.
//
// Announcements go through a bounded queue drained by a single worker so
// utterances never overlap; when the queue is full the text is dropped.
type NotificationDispatcher struct {
	Speaker   notify.Speaker
	Messenger notify.Messenger
	To        string
	VoiceCall bool

	pool    *task.Pool
	events  Recorder
	metrics *Metrics

	// mu guards queue against a send racing Close.
	mu     sync.RWMutex
	closed bool
	queue  chan string
	wg     sync.WaitGroup
}

func NewNotificationDispatcher(speaker notify.Speaker, messenger notify.Messenger, to string, queueSize int, pool *task.Pool, events Recorder, metrics *Metrics) *NotificationDispatcher {
	if queueSize <= 0 {
		queueSize = 8
	}
	return &NotificationDispatcher{
		Speaker:   speaker,
		Messenger: messenger,
		To:        to,
		pool:      pool,
		events:    events,
		metrics:   metrics,
		queue:     make(chan string, queueSize),
	}
}

// Start runs the voice worker until ctx is cancelled or Close is called.
func (n *NotificationDispatcher) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case text, ok := <-n.queue:
				if !ok {
					return
				}
				n.speak(ctx, text)
			}
		}
	}()
}

func (n *NotificationDispatcher) speak(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, speakTimeout)
	defer cancel()

	start := time.Now()
	err := n.Speaker.Speak(ctx, text)
	latency := time.Since(start)

	detail := ""
	if err != nil {
		detail = err.Error()
		log.Warn(fmt.Sprintf("TTS error: %v", err), log.Fields{"text": text})
	} else {
		log.Debug(fmt.Sprintf("spoke %q", text), log.Fields{"latency_ms": latency.Milliseconds()})
	}
	if n.metrics != nil {
		n.metrics.Voice(err == nil)
	}
	if n.events != nil {
		n.events.Record(store.NewEvent(store.KindVoice, text, err == nil, detail, latency))
	}
}

// Announce queues text for speaking and returns immediately.
func (n *NotificationDispatcher) Announce(text string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		log.Debug(fmt.Sprintf("voice queue closed, dropping %q", text))
		return
	}

	select {
	case n.queue <- text:
	default:
		if n.metrics != nil {
			n.metrics.VoiceDropped()
		}
		log.Warn(fmt.Sprintf("voice queue full, dropping %q", text), log.Fields{"text": text})
	}
}

// NotifyAccident announces the accident, sends the SMS and waits for the
// messaging result. When VoiceCall is set a call is placed in the
// background as well.
func (n *NotificationDispatcher) NotifyAccident(ctx context.Context, ev AccidentEvent) (string, error) {
	if n.metrics != nil {
		n.metrics.Accident()
	}
	n.Announce(accidentAnnouncement)

	if n.Messenger == nil {
		err := errors.New("no messaging channel configured")
		n.recordSMS(ev, "", err, 0)
		return "", err
	}

	start := time.Now()
	sid, err := n.Messenger.SendSMS(ctx, n.To, ev.Message())
	n.recordSMS(ev, sid, err, time.Since(start))
	if err != nil {
		log.Error(fmt.Sprintf("❌ Twilio send error: %v", err), log.Fields{"to": n.To})
		return "", err
	}
	log.Info(fmt.Sprintf("✅ SMS sent. SID: %s", sid), log.Fields{"to": n.To, "sid": sid})

	if n.VoiceCall {
		n.pool.Submit("accident-call", func(ctx context.Context) {
			n.call(ctx, ev)
		})
	}
	return sid, nil
}

func (n *NotificationDispatcher) recordSMS(ev AccidentEvent, sid string, err error, latency time.Duration) {
	if n.metrics != nil {
		n.metrics.SMS(err == nil)
	}
	if n.events == nil {
		return
	}
	detail := ev.MapURL()
	if err != nil {
		detail = err.Error()
	} else if sid != "" {
		detail = sid + " " + detail
	}
	n.events.Record(store.NewEvent(store.KindSMS, n.To, err == nil, detail, latency))
}

func (n *NotificationDispatcher) call(ctx context.Context, ev AccidentEvent) {
	say := fmt.Sprintf("Accident detected at latitude %.5f, longitude %.5f. A map link was sent by text message.", ev.Latitude, ev.Longitude)

	start := time.Now()
	sid, err := n.Messenger.Call(ctx, n.To, say)
	latency := time.Since(start)

	detail := sid
	if err != nil {
		detail = err.Error()
		log.Warn(fmt.Sprintf("accident call failed: %v", err), log.Fields{"to": n.To})
	} else {
		log.Info(fmt.Sprintf("accident call placed, SID: %s", sid), log.Fields{"to": n.To, "sid": sid})
	}
	if n.events != nil {
		n.events.Record(store.NewEvent(store.KindCall, n.To, err == nil, detail, latency))
	}
}

// Close stops accepting announcements and waits for the voice worker.
func (n *NotificationDispatcher) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}
