package preprocess

import (
	"image/color"
	"testing"

	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
)

func testSpec() detserve.InputSpec {
	return detserve.InputSpec{Width: 640, Height: 640, Channels: 3}
}

func absDiff(a, b float32) float32 {
	if a > b {
		return a - b
	}
	return b - a
}

var (
	black = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

func TestLetterBox(t *testing.T) {

	tests := []struct {
		srcWidth      int
		srcHeight     int
		resizeWidth   int
		resizeHeight  int
		expectedXPad  int
		expectedYPad  int
		expectedScale float32
	}{
		{1280, 720, 640, 640, 0, 140, 0.50},
		{800, 1000, 640, 640, 64, 0, 0.64},
		{800, 800, 640, 640, 0, 0, 0.8},
	}

	for _, tc := range tests {
		img := gocv.NewMatWithSize(tc.srcHeight, tc.srcWidth, gocv.MatTypeCV8UC3)

		resizedImg := gocv.NewMat()

		resizer, err := NewResizer(tc.srcWidth, tc.srcHeight, tc.resizeWidth, tc.resizeHeight)

		if err != nil {
			t.Fatalf("Test failed for src (%d, %d): %v", tc.srcWidth, tc.srcHeight, err)
		}

		resizer.LetterBox(img, &resizedImg, black)

		if resizedImg.Cols() != tc.resizeWidth || resizedImg.Rows() != tc.resizeHeight {
			t.Errorf("Test failed for src (%d, %d): result size is (%d, %d), expected (%d, %d)",
				tc.srcWidth, tc.srcHeight, resizedImg.Cols(), resizedImg.Rows(),
				tc.resizeWidth, tc.resizeHeight)
		}

		if resizer.XPad() != tc.expectedXPad || resizer.YPad() != tc.expectedYPad {
			t.Errorf("Test failed for src (%d, %d): Padding values wrong, expected XPad=%d, YPad=%d, got xPad=%d, yPad=%d",
				tc.srcWidth, tc.srcHeight, tc.expectedXPad, tc.expectedYPad, resizer.XPad(), resizer.YPad())
		}

		if resizer.ScaleFactor() != tc.expectedScale {
			t.Errorf("Test failed for src (%d, %d): Scalefactor incorrect, expected %f, got %f",
				tc.srcWidth, tc.srcHeight, tc.expectedScale, resizer.ScaleFactor())
		}

		img.Close()
		resizedImg.Close()
		resizer.Close()
	}
}

func TestNewResizerZeroSource(t *testing.T) {

	if _, err := NewResizer(0, 720, 640, 640); err == nil {
		t.Errorf("expected error for zero source width")
	}

	if _, err := NewResizer(1280, 0, 640, 640); err == nil {
		t.Errorf("expected error for zero source height")
	}
}

func TestTransformInvert(t *testing.T) {

	// 1280x720 letterboxed to 640x640, scale 0.5 with 140px top padding
	tf := Transform{Scale: 0.5, XPad: 0, YPad: 140, SrcWidth: 1280, SrcHeight: 720}

	box := tf.Invert(100, 240, 300, 440)

	if box.XMin != 200 || box.YMin != 200 || box.XMax != 600 || box.YMax != 600 {
		t.Errorf("inverted box incorrect, got (%f,%f)-(%f,%f)",
			box.XMin, box.YMin, box.XMax, box.YMax)
	}
}

func TestTransformInvertClamps(t *testing.T) {

	tf := Transform{Scale: 0.5, XPad: 0, YPad: 140, SrcWidth: 1280, SrcHeight: 720}

	// extends past every edge in model space
	box := tf.Invert(-20, 100, 700, 620)

	if box.XMin != 0 || box.YMin != 0 {
		t.Errorf("box not clamped to origin, got (%f,%f)", box.XMin, box.YMin)
	}

	if box.XMax != 1280 || box.YMax != 720 {
		t.Errorf("box not clamped to image bounds, got (%f,%f)", box.XMax, box.YMax)
	}
}

func TestTransformRoundTrip(t *testing.T) {

	tests := []struct {
		srcWidth  int
		srcHeight int
	}{
		{1280, 720},
		{800, 1000},
		{640, 640},
	}

	for _, tc := range tests {
		resizer, err := NewResizer(tc.srcWidth, tc.srcHeight, 640, 640)

		if err != nil {
			t.Fatalf("NewResizer failed: %v", err)
		}

		tf := resizer.Transform()

		orig := detserve.Box{
			XMin: float32(tc.srcWidth) * 0.25,
			YMin: float32(tc.srcHeight) * 0.25,
			XMax: float32(tc.srcWidth) * 0.75,
			YMax: float32(tc.srcHeight) * 0.75,
		}

		x1, y1, x2, y2 := tf.Apply(orig)
		back := tf.Invert(x1, y1, x2, y2)

		const eps = 1e-3

		if absDiff(back.XMin, orig.XMin) > eps || absDiff(back.YMin, orig.YMin) > eps ||
			absDiff(back.XMax, orig.XMax) > eps || absDiff(back.YMax, orig.YMax) > eps {
			t.Errorf("round trip for src (%d, %d) drifted: got (%f,%f)-(%f,%f), expected (%f,%f)-(%f,%f)",
				tc.srcWidth, tc.srcHeight,
				back.XMin, back.YMin, back.XMax, back.YMax,
				orig.XMin, orig.YMin, orig.XMax, orig.YMax)
		}

		resizer.Close()
	}
}

func TestPrepareTensor(t *testing.T) {

	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0),
		720, 1280, gocv.MatTypeCV8UC3)

	img, err := FromMat(mat, "test")

	if err != nil {
		t.Fatalf("FromMat failed: %v", err)
	}

	defer img.Close()

	spec := testSpec()

	tensor, tf, err := Prepare(img, spec)

	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if len(tensor.Data) != spec.Size() {
		t.Errorf("tensor has %d values, expected %d", len(tensor.Data), spec.Size())
	}

	if tf.Scale != 0.5 || tf.YPad != 140 {
		t.Errorf("transform incorrect, got scale=%f yPad=%d", tf.Scale, tf.YPad)
	}

	// the mat is blue in BGR, so after RGB conversion the blue plane holds
	// the image value and the red plane only pad
	planeSize := spec.Width * spec.Height
	center := spec.Height/2*spec.Width + spec.Width/2

	if got := tensor.Data[2*planeSize+center]; got != 1.0 {
		t.Errorf("blue plane center is %f, expected 1.0", got)
	}

	if got := tensor.Data[center]; got != 0.0 {
		t.Errorf("red plane center is %f, expected 0.0", got)
	}

	// padded rows hold the normalized pad color on every plane
	pad := float32(114) / 255.0

	if got := tensor.Data[0]; got != pad {
		t.Errorf("pad region is %f, expected %f", got, pad)
	}
}

func TestPrepareRejectsEmpty(t *testing.T) {

	if _, _, err := Prepare(nil, testSpec()); err == nil {
		t.Errorf("expected error for nil image")
	}
}
