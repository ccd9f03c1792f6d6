package inference

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"driver-hub/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(w, h int) *frame.Frame {
	return &frame.Frame{Data: make([]byte, w*h*3), Width: w, Height: h, Timestamp: time.Now()}
}

func serveJSON(t *testing.T, check func(Request), resp interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPLandmarks(t *testing.T) {
	srv := serveJSON(t, func(req Request) {
		assert.NotEmpty(t, req.Image)
		assert.Equal(t, "face_mesh", req.ModelType)
	}, Response{Landmarks: []Landmark{{X: 0.1, Y: 0.2}, {X: 0.3, Y: 0.4}}})

	c := NewHTTPClient(srv.URL, "", "face_mesh", time.Second)
	lm, err := c.Landmarks(context.Background(), testFrame(8, 8))
	require.NoError(t, err)
	assert.Equal(t, []Landmark{{X: 0.1, Y: 0.2}, {X: 0.3, Y: 0.4}}, lm)
}

func TestHTTPLandmarksNoFace(t *testing.T) {
	srv := serveJSON(t, nil, Response{})
	c := NewHTTPClient(srv.URL, "", "", time.Second)

	lm, err := c.Landmarks(context.Background(), testFrame(8, 8))
	require.NoError(t, err)
	assert.Empty(t, lm)
}

func TestHTTPDetect(t *testing.T) {
	srv := serveJSON(t, func(req Request) {
		assert.Equal(t, 0.5, req.Confidence)
	}, Response{Results: []Result{
		{Label: "Stop Sign", Score: 0.9, Location: Location{Left: 0.1, Top: 0.1, Width: 0.5, Height: 0.5}},
		{Label: "Speed Limit 30", Score: 0.4, Location: Location{Left: 0.1, Top: 0.1, Width: 0.2, Height: 0.2}},
		{Label: "overflow", Score: 0.8, Location: Location{Left: 0.9, Top: 0.9, Width: 0.5, Height: 0.5}},
		{Label: "empty", Score: 0.8, Location: Location{Left: 0.5, Top: 0.5}},
		{Label: "missing", Score: 0, Location: Location{Left: -1}},
	}})

	c := NewHTTPClient("", srv.URL, "", time.Second)
	dets, err := c.Detect(context.Background(), testFrame(100, 100), 0.5)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, "Stop Sign", dets[0].Label)
	assert.Equal(t, image.Rect(10, 10, 60, 60), dets[0].Box)
	assert.Equal(t, "overflow", dets[1].Label)
	assert.Equal(t, image.Rect(90, 90, 100, 100), dets[1].Box, "clamped to the frame")
}

func TestHTTPErrno(t *testing.T) {
	srv := serveJSON(t, nil, Response{Errno: 3, ErrMsg: "model not loaded"})
	c := NewHTTPClient(srv.URL, srv.URL, "", time.Second)

	_, err := c.Landmarks(context.Background(), testFrame(4, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPStatusAndHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/html" {
			w.Write([]byte("<html>not found</html>"))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/html", srv.URL+"/fail", "", time.Second)

	_, err := c.Landmarks(context.Background(), testFrame(4, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTML")

	_, err = c.Detect(context.Background(), testFrame(4, 4), 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", 50*time.Millisecond)
	start := time.Now()
	_, err := c.Landmarks(context.Background(), testFrame(4, 4))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestLocationToPixels(t *testing.T) {
	box, ok := Location{Left: 0, Top: 0, Width: 1, Height: 1}.ToPixels(640, 480)
	assert.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 640, 480), box)

	_, ok = Location{Left: 1.2, Top: 0, Width: 0.1, Height: 0.1}.ToPixels(640, 480)
	assert.False(t, ok)
}
