package preprocess

import (
	"fmt"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
)

// letterbox borders are filled with mid grey, the value YOLO models are
// trained against
var padColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Prepare converts an input image into the model input tensor format and
// returns the coordinate transform needed to invert detections back to the
// original image.  The tensor is letterboxed to the spec dimensions, color
// converted BGR to RGB and normalized to float32 [0,1] in CHW order.
func Prepare(img *Image, spec detserve.InputSpec) (*detserve.Tensor, Transform, error) {

	if img == nil || img.Mat().Empty() {
		return nil, Transform{}, &detserve.InvalidImageError{Reason: "empty image"}
	}

	if img.Width() <= 0 || img.Height() <= 0 {
		return nil, Transform{}, &detserve.InvalidImageError{
			Source: img.Source(),
			Reason: "zero dimensions",
		}
	}

	if img.Channels() != spec.Channels {
		return nil, Transform{}, &detserve.InvalidImageError{
			Source: img.Source(),
			Reason: fmt.Sprintf("unsupported channel count %d, want %d",
				img.Channels(), spec.Channels),
		}
	}

	resizer, err := NewResizer(img.Width(), img.Height(), spec.Width, spec.Height)

	if err != nil {
		return nil, Transform{}, err
	}

	defer resizer.Close()

	boxed := gocv.NewMat()
	defer boxed.Close()

	resizer.LetterBox(img.Mat(), &boxed, padColor)

	rgb := gocv.NewMat()
	defer rgb.Close()

	gocv.CvtColor(boxed, &rgb, gocv.ColorBGRToRGB)

	data, err := matToCHW(rgb, spec)

	if err != nil {
		return nil, Transform{}, &detserve.InvalidImageError{
			Source: img.Source(),
			Reason: err.Error(),
		}
	}

	tensor := &detserve.Tensor{
		Data:     data,
		Width:    spec.Width,
		Height:   spec.Height,
		Channels: spec.Channels,
		Source:   img.Source(),
	}

	return tensor, resizer.Transform(), nil
}

// matToCHW converts an HWC uint8 Mat into normalized CHW float32 data
func matToCHW(mat gocv.Mat, spec detserve.InputSpec) ([]float32, error) {

	if !mat.IsContinuous() {
		mat = mat.Clone()
		defer mat.Close()
	}

	src, err := mat.DataPtrUint8()

	if err != nil {
		return nil, fmt.Errorf("error accessing pixel data: %w", err)
	}

	if len(src) != spec.Size() {
		return nil, fmt.Errorf("pixel data size %d does not match input spec %d",
			len(src), spec.Size())
	}

	planeSize := spec.Width * spec.Height
	data := make([]float32, spec.Size())

	for i := 0; i < planeSize; i++ {
		offset := i * spec.Channels

		for c := 0; c < spec.Channels; c++ {
			data[c*planeSize+i] = float32(src[offset+c]) / 255.0
		}
	}

	return data, nil
}
