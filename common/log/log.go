package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Fields carries structured attributes attached to a log entry.
type Fields map[string]interface{}

// entry is a single queued log record.
type entry struct {
	level     slog.Level
	message   string
	timestamp time.Time
	fields    Fields
}

// AsyncLogger hands log records to a background worker so callers on the
// frame path never wait on stdout.
type AsyncLogger struct {
	entries chan entry
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	level   *slog.LevelVar
	once    sync.Once
}

// NewAsyncLogger creates a logger writing JSON lines to w.
func NewAsyncLogger(w io.Writer, bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	al := &AsyncLogger{
		entries: make(chan entry, bufferSize),
		done:    make(chan struct{}),
		logger:  slog.New(handler),
		level:   level,
	}

	al.wg.Add(1)
	go al.worker()

	return al
}

func (al *AsyncLogger) worker() {
	defer al.wg.Done()

	batch := make([]entry, 0, 100)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case e := <-al.entries:
			batch = append(batch, e)
			if len(batch) >= 100 {
				al.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				al.flush(batch)
				batch = batch[:0]
			}

		case <-al.done:
			// drain whatever is still queued
			for {
				select {
				case e := <-al.entries:
					batch = append(batch, e)
				default:
					al.flush(batch)
					return
				}
			}
		}
	}
}

func (al *AsyncLogger) flush(batch []entry) {
	ctx := context.Background()
	for _, e := range batch {
		attrs := make([]slog.Attr, 0, len(e.fields)+1)
		attrs = append(attrs, slog.Time("ts", e.timestamp))
		for k, v := range e.fields {
			attrs = append(attrs, slog.Any(k, v))
		}
		al.logger.LogAttrs(ctx, e.level, e.message, attrs...)
	}
}

func (al *AsyncLogger) log(level slog.Level, msg string, fields []Fields) {
	if level < al.level.Level() {
		return
	}

	var f Fields
	if len(fields) > 0 {
		f = fields[0]
	}

	select {
	case <-al.done:
		return
	default:
	}

	select {
	case al.entries <- entry{level: level, message: msg, timestamp: time.Now(), fields: f}:
	default:
		fmt.Fprintf(os.Stderr, "async logger buffer full, dropping log: %s\n", msg)
	}
}

// SetLevel changes the minimum level that gets queued.
func (al *AsyncLogger) SetLevel(level slog.Level) {
	al.level.Set(level)
}

func (al *AsyncLogger) Debug(msg string, fields ...Fields) { al.log(slog.LevelDebug, msg, fields) }
func (al *AsyncLogger) Info(msg string, fields ...Fields)  { al.log(slog.LevelInfo, msg, fields) }
func (al *AsyncLogger) Warn(msg string, fields ...Fields)  { al.log(slog.LevelWarn, msg, fields) }
func (al *AsyncLogger) Error(msg string, fields ...Fields) { al.log(slog.LevelError, msg, fields) }

// Close flushes pending entries and stops the worker. Safe to call twice.
func (al *AsyncLogger) Close() {
	al.once.Do(func() {
		close(al.done)
	})
	al.wg.Wait()
}

var (
	global     *AsyncLogger
	globalOnce sync.Once
)

// Default returns the process-wide logger writing to stdout.
func Default() *AsyncLogger {
	globalOnce.Do(func() {
		global = NewAsyncLogger(os.Stdout, 2000)
	})
	return global
}

func Debug(msg string, fields ...Fields) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...Fields)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...Fields)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...Fields) { Default().Error(msg, fields...) }

// SetLevel parses debug|info|warn|error and applies it to the default logger.
// Unknown names leave the level unchanged.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		Default().SetLevel(slog.LevelDebug)
	case "info":
		Default().SetLevel(slog.LevelInfo)
	case "warn", "warning":
		Default().SetLevel(slog.LevelWarn)
	case "error":
		Default().SetLevel(slog.LevelError)
	}
}

// Close flushes the default logger.
func Close() {
	if global != nil {
		global.Close()
	}
}
