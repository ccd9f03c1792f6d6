package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"driver-hub/common/log"
	"driver-hub/frame"

	"github.com/pkg/errors"
)

// jpegQuality for frames shipped to the inference server.
const jpegQuality = 85

// HTTPClient calls JSON inference endpoints.
type HTTPClient struct {
	LandmarkURL string
	DetectorURL string
	ModelType   string

	client *http.Client
}

// Request is the body posted to both endpoints.
type Request struct {
	Image      string  `json:"image"` // base64 JPEG
	ModelType  string  `json:"model_type,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Response is the envelope returned by both endpoints. errno 0 means success.
type Response struct {
	LogID     string     `json:"log_id"`
	Errno     int        `json:"errno"`
	ErrMsg    string     `json:"err_msg"`
	Landmarks []Landmark `json:"landmarks,omitempty"`
	Results   []Result   `json:"results,omitempty"`
}

// Result is a single detector output.
type Result struct {
	Label    string   `json:"label"`
	Score    float64  `json:"score"`
	Location Location `json:"location"`
}

func NewHTTPClient(landmarkURL, detectorURL, modelType string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		LandmarkURL: landmarkURL,
		DetectorURL: detectorURL,
		ModelType:   modelType,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Landmarks(ctx context.Context, f *frame.Frame) ([]Landmark, error) {
	resp, err := c.post(ctx, c.LandmarkURL, f, 0)
	if err != nil {
		return nil, err
	}
	return resp.Landmarks, nil
}

func (c *HTTPClient) Detect(ctx context.Context, f *frame.Frame, conf float64) ([]Detection, error) {
	resp, err := c.post(ctx, c.DetectorURL, f, conf)
	if err != nil {
		return nil, err
	}

	dets := make([]Detection, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Score <= 0 || r.Location.Left < 0 {
			continue
		}
		box, ok := r.Location.ToPixels(f.Width, f.Height)
		if !ok {
			log.Debug(fmt.Sprintf("skipping invalid box for %q: %+v", r.Label, r.Location))
			continue
		}
		dets = append(dets, Detection{Label: r.Label, Confidence: r.Score, Box: box})
	}
	return filter(dets, conf), nil
}

func (c *HTTPClient) post(ctx context.Context, url string, f *frame.Frame, conf float64) (*Response, error) {
	jpg, err := f.JPEG(jpegQuality)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(Request{
		Image:      base64.StdEncoding.EncodeToString(jpg),
		ModelType:  c.ModelType,
		Confidence: conf,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send request to inference server %s", url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if len(raw) > 0 && raw[0] == '<' {
		return nil, errors.Errorf("inference server returned HTML (status %d), check the service at %s", resp.StatusCode, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("inference server returned status %d: %s", resp.StatusCode, preview(raw))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "failed to parse response (%s)", preview(raw))
	}
	if out.Errno != 0 {
		return nil, errors.Errorf("inference failed: %s (errno: %d)", out.ErrMsg, out.Errno)
	}
	return &out, nil
}

func preview(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
