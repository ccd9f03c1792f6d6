package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"driver-hub/common/log"
	"driver-hub/frame"

	"github.com/pkg/errors"
)

// FFmpegBackend converts an unstable network stream into a steady raw rgb24
// frame stream by piping it through an ffmpeg subprocess.
type FFmpegBackend struct {
	URL       string
	Width     int
	Height    int
	FrameRate int
	// Binary defaults to "ffmpeg".
	Binary string

	mu            sync.Mutex
	parent        context.Context
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	stdout        io.ReadCloser
	bytesPerFrame int
	exited        chan struct{}
}

func NewFFmpegBackend(url string, width, height, frameRate int) *FFmpegBackend {
	return &FFmpegBackend{URL: url, Width: width, Height: height, FrameRate: frameRate}
}

// Args builds the ffmpeg command line for raw frame output.
func (b *FFmpegBackend) Args() []string {
	args := []string{"-v", "error"}
	if isRTSP(b.URL) {
		args = append(args, "-rtsp_transport", "tcp", "-timeout", "10000000")
	}
	args = append(args,
		"-i", b.URL,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", b.Width, b.Height),
	)
	if b.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(b.FrameRate))
	}
	return append(args, "-")
}

func isRTSP(url string) bool {
	return len(url) >= 7 && url[:7] == "rtsp://"
}

func (b *FFmpegBackend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parent = ctx
	return b.start()
}

// start launches the subprocess. Callers hold b.mu.
func (b *FFmpegBackend) start() error {
	ctx := b.parent
	if b.Width <= 0 || b.Height <= 0 {
		return errors.Errorf("ffmpeg backend needs an explicit size, got %dx%d", b.Width, b.Height)
	}

	binary := b.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return errors.Wrapf(err, "%s not found", binary)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binary, b.Args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return errors.Wrap(err, "failed to start ffmpeg")
	}

	exited := make(chan struct{})
	b.cmd = cmd
	b.cancel = cancel
	b.stdout = stdout
	b.bytesPerFrame = b.Width * b.Height * 3
	b.exited = exited

	go b.monitorErrors(stderr)
	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			log.Warn(fmt.Sprintf("ffmpeg exited: %v", err), log.Fields{"url": b.URL})
		}
		close(exited)
	}()

	return nil
}

// monitorErrors forwards ffmpeg stderr lines to the log.
func (b *FFmpegBackend) monitorErrors(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Warn(fmt.Sprintf("ffmpeg: %s", scanner.Text()), log.Fields{"url": b.URL})
	}
}

// Read blocks until one full frame has been read from the pipe. If ffmpeg
// has exited since the last read it is restarted first.
func (b *FFmpegBackend) Read() (*frame.Frame, error) {
	b.mu.Lock()
	if b.cmd == nil {
		b.mu.Unlock()
		return nil, errors.New("ffmpeg not started")
	}
	select {
	case <-b.exited:
		b.cancel()
		if err := b.start(); err != nil {
			b.mu.Unlock()
			return nil, errors.Wrap(err, "failed to restart ffmpeg")
		}
		log.Info("ffmpeg restarted", log.Fields{"url": b.URL})
	default:
	}
	stdout, size := b.stdout, b.bytesPerFrame
	b.mu.Unlock()

	buf := make([]byte, size)
	if _, err := io.ReadFull(stdout, buf); err != nil {
		return nil, errors.Wrap(err, "failed to read frame from ffmpeg")
	}

	return frame.New(buf, b.Width, b.Height, time.Now())
}

// Close stops the subprocess, killing it if it does not exit in time.
func (b *FFmpegBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil
	}

	b.cancel()
	select {
	case <-b.exited:
	case <-time.After(5 * time.Second):
		if b.cmd.Process != nil {
			b.cmd.Process.Kill()
		}
		<-b.exited
	}

	b.cmd = nil
	b.stdout = nil
	return nil
}
