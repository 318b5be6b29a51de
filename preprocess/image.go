// Package preprocess converts arbitrary input images into the fixed size
// normalized tensor format the model adapter requires, recording the
// transform needed to map detections back to original image coordinates.
package preprocess

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
)

// Image is a raw input image.  It owns a BGR gocv Mat and is immutable once
// ingested.
type Image struct {
	mat    gocv.Mat
	source string
}

// LoadImage reads an image from a file
func LoadImage(path string) (*Image, error) {

	mat := gocv.IMRead(path, gocv.IMReadColor)

	if mat.Empty() {
		return nil, &detserve.InvalidImageError{Source: path, Reason: "file unreadable or not an image"}
	}

	return &Image{mat: mat, source: path}, nil
}

// DecodeImage decodes an encoded image (JPEG, PNG) from bytes
func DecodeImage(data []byte, source string) (*Image, error) {

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)

	if err != nil || mat.Empty() {
		return nil, &detserve.InvalidImageError{Source: source, Reason: "undecodable image data"}
	}

	return &Image{mat: mat, source: source}, nil
}

// FromImage converts a decoded stdlib image.  The image is cloned to NRGBA
// first so any source color model is accepted.
func FromImage(img image.Image, source string) (*Image, error) {

	if img == nil || img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, &detserve.InvalidImageError{Source: source, Reason: "empty image"}
	}

	rgba := imaging.Clone(img)

	mat, err := gocv.ImageToMatRGBA(&image.RGBA{
		Pix:    rgba.Pix,
		Stride: rgba.Stride,
		Rect:   rgba.Rect,
	})

	if err != nil {
		return nil, &detserve.InvalidImageError{Source: source, Reason: fmt.Sprintf("conversion failed: %v", err)}
	}

	bgr := gocv.NewMat()
	gocv.CvtColor(mat, &bgr, gocv.ColorRGBAToBGR)
	_ = mat.Close()

	return &Image{mat: bgr, source: source}, nil
}

// FromMat wraps an existing BGR Mat, used for video frames.  The Image takes
// ownership of the Mat.
func FromMat(mat gocv.Mat, source string) (*Image, error) {

	if mat.Empty() {
		return nil, &detserve.InvalidImageError{Source: source, Reason: "empty frame"}
	}

	return &Image{mat: mat, source: source}, nil
}

// Width returns the image width in pixels
func (i *Image) Width() int {
	return i.mat.Cols()
}

// Height returns the image height in pixels
func (i *Image) Height() int {
	return i.mat.Rows()
}

// Channels returns the number of color channels
func (i *Image) Channels() int {
	return i.mat.Channels()
}

// Source returns the input identifier, a filename or frame reference
func (i *Image) Source() string {
	return i.source
}

// Mat returns the underlying BGR Mat.  Callers must not modify or close it.
func (i *Image) Mat() gocv.Mat {
	return i.mat
}

// Close frees the underlying pixel buffer
func (i *Image) Close() error {
	return i.mat.Close()
}
