package capture

import (
	"context"
	"image"
	"strconv"
	"time"

	"driver-hub/frame"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// OpenCVBackend captures from a local camera index or a network stream URL
// through OpenCV.
type OpenCVBackend struct {
	Device string
	Width  int // 0 keeps the native size
	Height int

	capture *gocv.VideoCapture
	raw     gocv.Mat
	rgb     gocv.Mat
	resized gocv.Mat
}

func NewOpenCVBackend(device string, width, height int) *OpenCVBackend {
	return &OpenCVBackend{Device: device, Width: width, Height: height}
}

// deviceArg turns "0" into a camera index and anything else into a URL/path.
func deviceArg(device string) interface{} {
	if id, err := strconv.Atoi(device); err == nil {
		return id
	}
	return device
}

func (b *OpenCVBackend) Open(_ context.Context) error {
	capture, err := gocv.OpenVideoCapture(deviceArg(b.Device))
	if err != nil {
		return errors.Wrapf(err, "failed to open video capture %s", b.Device)
	}
	if !capture.IsOpened() {
		capture.Close()
		return errors.Errorf("video capture %s is not opened", b.Device)
	}

	b.capture = capture
	b.raw = gocv.NewMat()
	b.rgb = gocv.NewMat()
	b.resized = gocv.NewMat()
	return nil
}

func (b *OpenCVBackend) Read() (*frame.Frame, error) {
	if b.capture == nil {
		return nil, errors.New("video capture not opened")
	}
	if ok := b.capture.Read(&b.raw); !ok || b.raw.Empty() {
		return nil, errors.Errorf("failed to read frame from %s", b.Device)
	}
	ts := time.Now()

	gocv.CvtColor(b.raw, &b.rgb, gocv.ColorBGRToRGB)

	src := b.rgb
	if b.Width > 0 && b.Height > 0 && (b.rgb.Cols() != b.Width || b.rgb.Rows() != b.Height) {
		gocv.Resize(b.rgb, &b.resized, image.Pt(b.Width, b.Height), 0, 0, gocv.InterpolationLinear)
		src = b.resized
	}

	// ToBytes copies out of the Mat, so the frame owns its data.
	return frame.New(src.ToBytes(), src.Cols(), src.Rows(), ts)
}

func (b *OpenCVBackend) Close() error {
	if b.capture == nil {
		return nil
	}
	b.raw.Close()
	b.rgb.Close()
	b.resized.Close()
	err := b.capture.Close()
	b.capture = nil
	return errors.Wrap(err, "failed to close video capture")
}
