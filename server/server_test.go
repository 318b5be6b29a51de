package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"gocv.io/x/gocv"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/preprocess"
)

// fakeDetector returns a canned result or error for every request
type fakeDetector struct {
	err error
}

func (f *fakeDetector) Detect(_ context.Context, img *preprocess.Image) (detserve.DetectionSet, error) {

	if f.err != nil {
		return detserve.DetectionSet{}, f.err
	}

	return detserve.DetectionSet{
		Source: img.Source(),
		Detections: []detserve.Detection{
			{
				ID:         1,
				ClassName:  "person",
				Confidence: 0.9,
				Box:        detserve.Box{XMin: 10, YMin: 10, XMax: 50, YMax: 90},
				Source:     img.Source(),
			},
		},
	}, nil
}

func (f *fakeDetector) DetectBatch(ctx context.Context, imgs []*preprocess.Image) ([]detserve.DetectionSet, error) {

	if f.err != nil {
		return nil, f.err
	}

	sets := make([]detserve.DetectionSet, len(imgs))

	for i, img := range imgs {
		sets[i], _ = f.Detect(ctx, img)
	}

	return sets, nil
}

func newTestServer(detector Detector) *Server {
	return New(detector, detserve.DefaultConfig().Server, zap.NewNop(), nil)
}

// testJPEG encodes a small image for upload bodies
func testJPEG(t *testing.T) []byte {

	t.Helper()

	mat := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer mat.Close()

	buf, err := gocv.IMEncode(".jpg", mat)

	if err != nil {
		t.Fatalf("encoding test image: %v", err)
	}

	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...)
}

func TestHandleDetectRaw(t *testing.T) {

	srv := newTestServer(&fakeDetector{})

	req := httptest.NewRequest("POST", "/detect", bytes.NewReader(testJPEG(t)))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, expected 200: %s", w.Code, w.Body.String())
	}

	var ds detserve.DetectionSet

	if err := json.Unmarshal(w.Body.Bytes(), &ds); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if len(ds.Detections) != 1 || ds.Detections[0].ClassName != "person" {
		t.Errorf("unexpected response: %+v", ds)
	}
}

func TestHandleDetectJSON(t *testing.T) {

	srv := newTestServer(&fakeDetector{})

	body, _ := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(testJPEG(t)),
	})

	req := httptest.NewRequest("POST", "/detect", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, expected 200: %s", w.Code, w.Body.String())
	}
}

func TestHandleDetectMultipart(t *testing.T) {

	srv := newTestServer(&fakeDetector{})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "test.jpg")

	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}

	part.Write(testJPEG(t))
	writer.Close()

	req := httptest.NewRequest("POST", "/detect", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, expected 200: %s", w.Code, w.Body.String())
	}
}

func TestHandleDetectRejectsGarbage(t *testing.T) {

	srv := newTestServer(&fakeDetector{})

	req := httptest.NewRequest("POST", "/detect", bytes.NewReader([]byte("not an image")))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, expected 400", w.Code)
	}

	var resp ErrorResponse

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}

	if resp.Code != "invalid_image" {
		t.Errorf("error code %q, expected invalid_image", resp.Code)
	}
}

func TestHandleDetectBatchJSON(t *testing.T) {

	srv := newTestServer(&fakeDetector{})

	jpeg := base64.StdEncoding.EncodeToString(testJPEG(t))
	body, _ := json.Marshal(map[string][]string{
		"images": {jpeg, jpeg},
	})

	req := httptest.NewRequest("POST", "/detect/batch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, expected 200: %s", w.Code, w.Body.String())
	}

	var resp batchResponse

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if len(resp.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(resp.Results))
	}
}

func TestHandleDetectBatchEmpty(t *testing.T) {

	srv := newTestServer(&fakeDetector{})

	body, _ := json.Marshal(map[string][]string{"images": {}})

	req := httptest.NewRequest("POST", "/detect/batch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, expected 400", w.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			"overloaded",
			&detserve.OverloadedError{Depth: 64, Limit: 64},
			http.StatusServiceUnavailable,
			"overloaded",
		},
		{
			"timeout",
			&detserve.TimeoutError{RequestID: "abc", Stage: detserve.StageQueued},
			http.StatusGatewayTimeout,
			"timeout",
		},
		{
			"model",
			&detserve.ModelError{RequestID: "abc"},
			http.StatusInternalServerError,
			"inference_error",
		},
	}

	for _, tc := range tests {
		srv := newTestServer(&fakeDetector{err: tc.err})

		req := httptest.NewRequest("POST", "/detect", bytes.NewReader(testJPEG(t)))
		w := httptest.NewRecorder()

		srv.Handler().ServeHTTP(w, req)

		if w.Code != tc.status {
			t.Errorf("%s: status %d, expected %d", tc.name, w.Code, tc.status)
		}

		var resp ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &resp)

		if resp.Code != tc.code {
			t.Errorf("%s: error code %q, expected %q", tc.name, resp.Code, tc.code)
		}

		if tc.name == "overloaded" && w.Header().Get("Retry-After") == "" {
			t.Errorf("overloaded response missing Retry-After header")
		}
	}
}

func TestHealthz(t *testing.T) {

	srv := newTestServer(&fakeDetector{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, expected 200", w.Code)
	}
}
