package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"driver-hub/common/store"
	"driver-hub/common/task"
	"driver-hub/detect"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []store.Event
}

func (l *eventLog) Record(e store.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []store.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.Event(nil), l.events...)
}

func TestCommandDispatcherSend(t *testing.T) {
	var gotPath, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotID = r.Header.Get("X-Request-ID")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	events := &eventLog{}
	metrics := NewMetrics()
	d := NewCommandDispatcher(srv.URL+"/", 600*time.Millisecond, task.NewPool(2), events, metrics)

	require.NoError(t, d.Send(context.Background(), detect.DrowsyOn))
	assert.Equal(t, "/drowsy_on", gotPath)
	assert.NotEmpty(t, gotID)

	got := events.all()
	require.Len(t, got, 1)
	assert.Equal(t, store.KindCommand, got[0].Kind)
	assert.Equal(t, "drowsy_on", got[0].Name)
	assert.True(t, got[0].OK)
	assert.Equal(t, int64(1), metrics.Snapshot().CommandsOK)
}

func TestCommandDispatcherNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	events := &eventLog{}
	d := NewCommandDispatcher(srv.URL, time.Second, task.NewPool(1), events, nil)

	err := d.Send(context.Background(), detect.SignStop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.False(t, events.all()[0].OK)
}

// An actuator that never answers costs the caller nothing and the task at
// most the timeout.
func TestCommandDispatcherUnreachable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(release)

	events := &eventLog{}
	pool := task.NewPool(4)
	d := NewCommandDispatcher(srv.URL, 600*time.Millisecond, pool, events, nil)

	start := time.Now()
	d.Dispatch(detect.SignSpeed50)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Dispatch must not wait")

	pool.Wait()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 550*time.Millisecond)
	assert.Less(t, elapsed, 1500*time.Millisecond)

	got := events.all()
	require.Len(t, got, 1)
	assert.False(t, got[0].OK)
}

func TestCommandDispatcherConnectionRefused(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	d := NewCommandDispatcher("http://"+addr, 600*time.Millisecond, task.NewPool(1), nil, nil)
	start := time.Now()
	assert.Error(t, d.Send(context.Background(), detect.DrowsyOff))
	assert.Less(t, time.Since(start), time.Second)
}
