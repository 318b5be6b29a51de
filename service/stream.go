package service

import (
	"context"
	"io"

	"go.uber.org/multierr"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/preprocess"
	"github.com/cortexvision/detserve/track"
)

// FrameSource produces the frames of a video or image sequence.  Next returns
// io.EOF when the source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (*preprocess.Image, error)
	Close() error
}

// Stream yields one detection set per source frame on demand.  It is not
// safe for concurrent use.
type Stream struct {
	svc     *Service
	src     FrameSource
	tracker *track.Tracker
	frames  int
	done    bool
}

// Next pulls the next frame, runs detection on it and returns the result.
// It returns io.EOF once the source is exhausted.  The stream owns the
// frames it consumes and closes them after detection.
func (st *Stream) Next(ctx context.Context) (detserve.DetectionSet, error) {

	if st.done {
		return detserve.DetectionSet{}, io.EOF
	}

	img, err := st.src.Next(ctx)

	if err != nil {
		if err == io.EOF {
			st.done = true
		}

		return detserve.DetectionSet{}, err
	}

	defer img.Close()

	ds, err := st.svc.Detect(ctx, img)

	if err != nil {
		return detserve.DetectionSet{}, err
	}

	if st.tracker != nil {
		ds = st.tracker.Update(ds)
	}

	st.frames++

	return ds, nil
}

// Frames returns the number of frames consumed so far
func (st *Stream) Frames() int {
	return st.frames
}

// Close releases the underlying frame source
func (st *Stream) Close() error {
	st.done = true
	return st.src.Close()
}

// SliceSource serves a fixed set of already loaded images as a frame source
type SliceSource struct {
	imgs []*preprocess.Image
	idx  int
}

// NewSliceSource returns a frame source over imgs.  Ownership of the images
// passes to the consuming stream.
func NewSliceSource(imgs []*preprocess.Image) *SliceSource {
	return &SliceSource{imgs: imgs}
}

// Next returns the next image or io.EOF
func (s *SliceSource) Next(ctx context.Context) (*preprocess.Image, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.idx >= len(s.imgs) {
		return nil, io.EOF
	}

	img := s.imgs[s.idx]
	s.idx++

	return img, nil
}

// Close frees any images not yet consumed
func (s *SliceSource) Close() error {

	var err error

	for ; s.idx < len(s.imgs); s.idx++ {
		err = multierr.Append(err, s.imgs[s.idx].Close())
	}

	return err
}
