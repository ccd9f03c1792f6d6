package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"driver-hub/common/log"
	"driver-hub/common/store"
	"driver-hub/common/task"
	"driver-hub/detect"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Recorder receives journal events.
type Recorder interface {
	Record(e store.Event)
}

// CommandDispatcher sends actuator commands as GET {base}/{command}. Each
// command is one attempt with a short timeout; the outcome is logged and
// journaled, never returned to the caller of Dispatch.
type CommandDispatcher struct {
	BaseURL string
	Timeout time.Duration

	pool    *task.Pool
	events  Recorder
	metrics *Metrics
	client  *http.Client
}

func NewCommandDispatcher(baseURL string, timeout time.Duration, pool *task.Pool, events Recorder, metrics *Metrics) *CommandDispatcher {
	return &CommandDispatcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		pool:    pool,
		events:  events,
		metrics: metrics,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// Dispatch queues cmd on the task pool and returns immediately.
func (d *CommandDispatcher) Dispatch(cmd detect.Command) {
	d.pool.Submit("command:"+string(cmd), func(ctx context.Context) {
		d.Send(ctx, cmd)
	})
}

// Send performs the request synchronously, bounded by Timeout.
func (d *CommandDispatcher) Send(ctx context.Context, cmd detect.Command) error {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	start := time.Now()
	err := d.send(ctx, cmd)
	latency := time.Since(start)

	detail := "200"
	if err != nil {
		detail = err.Error()
		log.Warn(fmt.Sprintf("[ERR] /%s: %v", cmd, err), log.Fields{"command": string(cmd), "latency_ms": latency.Milliseconds()})
	} else {
		log.Info(fmt.Sprintf("[HTTP] /%s -> 200", cmd), log.Fields{"command": string(cmd), "latency_ms": latency.Milliseconds()})
	}

	if d.metrics != nil {
		d.metrics.Command(err == nil)
	}
	if d.events != nil {
		d.events.Record(store.NewEvent(store.KindCommand, string(cmd), err == nil, detail, latency))
	}
	return err
}

func (d *CommandDispatcher) send(ctx context.Context, cmd detect.Command) error {
	url := fmt.Sprintf("%s/%s", d.BaseURL, cmd)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
	req.Header.Set("Connection", "close")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("actuator returned status %d", resp.StatusCode)
	}
	return nil
}
