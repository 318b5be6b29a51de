package service

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/preprocess"
)

// fakeAdapter returns one fixed candidate per tensor, encoding the numeric
// suffix of the tensor source into the box position so tests can verify
// result ordering across batches
type fakeAdapter struct {
	calls  int
	err    error
	closed bool
}

func (f *fakeAdapter) Infer(batch []*detserve.Tensor) ([]detserve.RawPrediction, error) {

	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	preds := make([]detserve.RawPrediction, len(batch))

	for i, tensor := range batch {
		offset := float32(sourceIndex(tensor.Source))

		preds[i] = detserve.RawPrediction{
			Candidates: []detserve.Candidate{
				{
					Box:    [4]float32{30 + offset, 30, 20, 20},
					Scores: []float32{0.9},
				},
			},
		}
	}

	return preds, nil
}

func (f *fakeAdapter) InputSpec() detserve.InputSpec {
	return detserve.InputSpec{Width: 64, Height: 64, Channels: 3}
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

// sourceIndex extracts the trailing number of a source like "img-3"
func sourceIndex(source string) int {

	idx := strings.LastIndex(source, "-")

	if idx < 0 {
		return 0
	}

	n, _ := strconv.Atoi(source[idx+1:])

	return n
}

func testConfig() detserve.Config {

	cfg := detserve.DefaultConfig()
	cfg.Model.Labels = ""
	cfg.Model.TargetWidth = 64
	cfg.Model.TargetHeight = 64
	cfg.Pipeline.MaxBatchDelay = time.Millisecond

	return cfg
}

func testImage(t *testing.T, source string) *preprocess.Image {

	t.Helper()

	mat := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	img, err := preprocess.FromMat(mat, source)

	if err != nil {
		t.Fatalf("creating test image: %v", err)
	}

	return img
}

func newTestService(t *testing.T, adapter detserve.ModelAdapter) *Service {

	t.Helper()

	svc, err := New(testConfig(), adapter, Options{
		Labels: []string{"person"},
	})

	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	t.Cleanup(func() { svc.Close() })

	return svc
}

func TestDetect(t *testing.T) {

	svc := newTestService(t, &fakeAdapter{})

	img := testImage(t, "img-0")
	defer img.Close()

	ds, err := svc.Detect(context.Background(), img)

	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	if ds.Source != "img-0" {
		t.Errorf("source %q, expected img-0", ds.Source)
	}

	if len(ds.Detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(ds.Detections))
	}

	det := ds.Detections[0]

	if det.ClassName != "person" {
		t.Errorf("class %q, expected person", det.ClassName)
	}

	if det.Confidence != 0.9 {
		t.Errorf("confidence %f, expected 0.9", det.Confidence)
	}

	if det.Box.XMax <= det.Box.XMin || det.Box.YMax <= det.Box.YMin {
		t.Errorf("degenerate box (%f,%f)-(%f,%f)",
			det.Box.XMin, det.Box.YMin, det.Box.XMax, det.Box.YMax)
	}
}

func TestDetectBatchKeepsOrder(t *testing.T) {

	adapter := &fakeAdapter{}

	cfg := testConfig()
	cfg.Pipeline.MaxBatchSize = 2

	svc, err := New(cfg, adapter, Options{Labels: []string{"person"}})

	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	defer svc.Close()

	// five images force the scheduler to split the work across batches
	const n = 5
	imgs := make([]*preprocess.Image, n)

	for i := range imgs {
		imgs[i] = testImage(t, fmt.Sprintf("img-%d", i))
		defer imgs[i].Close()
	}

	sets, err := svc.DetectBatch(context.Background(), imgs)

	if err != nil {
		t.Fatalf("detect batch failed: %v", err)
	}

	if len(sets) != n {
		t.Fatalf("expected %d result sets, got %d", n, len(sets))
	}

	for i, ds := range sets {
		want := fmt.Sprintf("img-%d", i)

		if ds.Source != want {
			t.Errorf("result %d has source %q, expected %q", i, ds.Source, want)
		}

		if len(ds.Detections) != 1 {
			t.Fatalf("result %d has %d detections, expected 1", i, len(ds.Detections))
		}

		// the box offset encodes which image the prediction belongs to
		if got := ds.Detections[0].Box.XMin; got != float32(20+i) {
			t.Errorf("result %d has box xmin %f, expected %d, results misordered",
				i, got, 20+i)
		}
	}

	if adapter.calls < 2 {
		t.Errorf("expected multiple batches, adapter saw %d", adapter.calls)
	}
}

func TestDetectModelError(t *testing.T) {

	svc := newTestService(t, &fakeAdapter{err: errors.New("boom")})

	img := testImage(t, "img-0")
	defer img.Close()

	_, err := svc.Detect(context.Background(), img)

	var modelErr *detserve.ModelError

	if !errors.As(err, &modelErr) {
		t.Fatalf("expected ModelError, got %v", err)
	}
}

func TestDetectInvalidImage(t *testing.T) {

	svc := newTestService(t, &fakeAdapter{})

	// grayscale input does not match the 3 channel model spec
	mat := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC1)
	img, err := preprocess.FromMat(mat, "gray")

	if err != nil {
		t.Fatalf("creating test image: %v", err)
	}

	defer img.Close()

	_, err = svc.Detect(context.Background(), img)

	var invalidErr *detserve.InvalidImageError

	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidImageError, got %v", err)
	}
}

func TestDetectStream(t *testing.T) {

	svc := newTestService(t, &fakeAdapter{})

	imgs := []*preprocess.Image{
		testImage(t, "frame-1"),
		testImage(t, "frame-2"),
	}

	stream := svc.DetectStream(NewSliceSource(imgs), nil)
	defer stream.Close()

	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		ds, err := stream.Next(ctx)

		if err != nil {
			t.Fatalf("frame %d failed: %v", i, err)
		}

		want := fmt.Sprintf("frame-%d", i)

		if ds.Source != want {
			t.Errorf("frame %d has source %q, expected %q", i, ds.Source, want)
		}
	}

	if _, err := stream.Next(ctx); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}

	if stream.Frames() != 2 {
		t.Errorf("stream consumed %d frames, expected 2", stream.Frames())
	}
}

func TestNewRejectsUnknownClass(t *testing.T) {

	cfg := testConfig()
	cfg.Pipeline.Classes = []string{"unicorn"}

	_, err := New(cfg, &fakeAdapter{}, Options{Labels: []string{"person"}})

	if err == nil {
		t.Fatalf("expected error for unknown class name")
	}
}

func TestCloseShutsDownAdapter(t *testing.T) {

	adapter := &fakeAdapter{}

	svc, err := New(testConfig(), adapter, Options{Labels: []string{"person"}})

	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if !adapter.closed {
		t.Errorf("adapter not closed")
	}
}
