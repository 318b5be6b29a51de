package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/preprocess"
)

// VideoSource reads frames from a video file or capture device.  Each frame
// gets a source identifier of the form "name#<frame number>".
type VideoSource struct {
	cap   *gocv.VideoCapture
	name  string
	frame int
}

// OpenVideo opens a video file as a frame source
func OpenVideo(path string) (*VideoSource, error) {

	cap, err := gocv.VideoCaptureFile(path)

	if err != nil {
		return nil, &detserve.InvalidImageError{Source: path, Reason: "cannot open video"}
	}

	return &VideoSource{cap: cap, name: filepath.Base(path)}, nil
}

// OpenCamera opens a capture device by index as a frame source
func OpenCamera(device int) (*VideoSource, error) {

	cap, err := gocv.VideoCaptureDevice(device)

	if err != nil {
		return nil, &detserve.InvalidImageError{
			Source: fmt.Sprintf("camera:%d", device),
			Reason: "cannot open capture device",
		}
	}

	return &VideoSource{cap: cap, name: fmt.Sprintf("camera:%d", device)}, nil
}

// FPS returns the source frame rate, zero when unknown
func (v *VideoSource) FPS() float64 {
	return v.cap.Get(gocv.VideoCaptureFPS)
}

// Next reads the next frame, returning io.EOF at end of stream
func (v *VideoSource) Next(ctx context.Context) (*preprocess.Image, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat := gocv.NewMat()

	if ok := v.cap.Read(&mat); !ok || mat.Empty() {
		_ = mat.Close()
		return nil, io.EOF
	}

	v.frame++

	return preprocess.FromMat(mat, fmt.Sprintf("%s#%d", v.name, v.frame))
}

// Close releases the capture device
func (v *VideoSource) Close() error {
	return v.cap.Close()
}
