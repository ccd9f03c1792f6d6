package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"driver-hub/common/log"
	"driver-hub/frame"

	"github.com/pkg/errors"
)

var (
	// ErrOpen is returned by Run when the stream cannot be opened at all.
	ErrOpen = errors.New("cannot open stream")
	// ErrStarted is returned by a second Run on the same source.
	ErrStarted = errors.New("source already started")
)

// Backend is one camera or stream handle.
type Backend interface {
	// Open acquires the handle. An error here is fatal for the source.
	Open(ctx context.Context) error
	// Read blocks until the next frame is available.
	Read() (*frame.Frame, error)
	Close() error
}

// Source pulls frames from a backend and publishes each one into its slot.
type Source struct {
	Name    string
	Backend Backend
	Slot    *frame.Slot

	// ErrorBackoff is slept after a failed read. Zero retries immediately.
	ErrorBackoff time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
	running bool
	failed  error
}

// NewSource wires a backend to a slot.
func NewSource(name string, backend Backend, slot *frame.Slot) *Source {
	return &Source{
		Name:         name,
		Backend:      backend,
		Slot:         slot,
		ErrorBackoff: 50 * time.Millisecond,
		done:         make(chan struct{}),
	}
}

// Start runs the capture loop in its own goroutine.
func (s *Source) Start(ctx context.Context) {
	go func() {
		if err := s.Run(ctx); errors.Is(err, ErrStarted) {
			log.Warn(fmt.Sprintf("%s source started twice", s.Name), log.Fields{"source": s.Name})
		}
	}()
}

// Run captures until ctx is cancelled or Stop is called. It returns ErrOpen
// if the stream could not be opened; read failures are logged and retried.
// A source runs at most once.
func (s *Source) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Wrap(ErrStarted, s.Name)
	}
	s.started = true
	s.cancel = cancel
	if s.stopped {
		cancel()
	}
	s.mu.Unlock()
	defer close(s.done)

	err := s.run(ctx)
	if err != nil {
		s.mu.Lock()
		s.failed = err
		s.mu.Unlock()
	}
	return err
}

func (s *Source) run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.Backend.Open(ctx); err != nil {
		log.Error(fmt.Sprintf("cannot open %s stream: %v", s.Name, err), log.Fields{"source": s.Name})
		return errors.Wrapf(ErrOpen, "%s: %v", s.Name, err)
	}
	log.Info(fmt.Sprintf("%s stream opened", s.Name), log.Fields{"source": s.Name})

	defer func() {
		if err := s.Backend.Close(); err != nil {
			log.Warn(fmt.Sprintf("failed to release %s stream: %v", s.Name, err), log.Fields{"source": s.Name})
		}
		log.Info(fmt.Sprintf("%s stream released", s.Name), log.Fields{"source": s.Name})
	}()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		f, err := s.Backend.Read()
		if err != nil {
			failures++
			// log the first failure of a streak, then every 100th
			if failures == 1 || failures%100 == 0 {
				log.Warn(fmt.Sprintf("%s capture failed (%d in a row): %v", s.Name, failures, err),
					log.Fields{"source": s.Name})
			}
			if s.ErrorBackoff > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(s.ErrorBackoff):
				}
			}
			continue
		}

		if failures > 0 {
			log.Info(fmt.Sprintf("%s capture recovered after %d failures", s.Name, failures), log.Fields{"source": s.Name})
			failures = 0
		}
		s.Slot.Publish(f)
	}
}

// Stop signals the capture loop to exit. It does not interrupt a Read
// already in progress. A Stop that lands before the loop starts still
// counts.
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the capture loop has returned.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Err reports why the source ended, nil for a normal stop.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Source) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
