package server

import (
	"context"
	"io"

	"gocv.io/x/gocv"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/render"
	"github.com/cortexvision/detserve/service"
	"github.com/cortexvision/detserve/track"
)

// StreamObserver receives every detection set produced by a running stream
type StreamObserver func(detserve.DetectionSet)

// trailPruneInterval is how often, in frames, stale track trails are dropped
const trailPruneInterval = 120

// RunStream pumps frames from src through detection and publishes the
// annotated result on the MJPEG endpoint.  It blocks until the source is
// exhausted or the context is cancelled.  Frame failures are logged and
// skipped so one bad frame does not end the stream.
func (s *Server) RunStream(ctx context.Context, svc *service.Service,
	src service.FrameSource, tracker *track.Tracker,
	observers ...StreamObserver) error {

	defer src.Close()

	font := render.DefaultFont()
	trail := render.NewTrail(0)
	frames := 0

	for {
		img, err := src.Next(ctx)

		if err == io.EOF {
			return nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.Warn("frame read failed", zap.Error(err))
			continue
		}

		ds, err := svc.Detect(ctx, img)

		if err != nil {
			s.logger.Warn("frame detection failed",
				zap.String("source", img.Source()),
				zap.Error(err))
			img.Close()
			continue
		}

		frames++

		if tracker != nil {
			ds = tracker.Update(ds)
			trail.Push(ds)

			// drop trails of stale tracks so long streams stay bounded
			if frames%trailPruneInterval == 0 {
				trail.Forget(ds)
			}
		}

		for _, observe := range observers {
			observe(ds)
		}

		annotated := img.Mat().Clone()
		img.Close()

		render.DetectionBoxes(&annotated, ds.Detections, font, 2)

		if tracker != nil {
			trail.Draw(&annotated, ds, render.DefaultTrailStyle())
		}

		buf, err := gocv.IMEncode(".jpg", annotated)
		annotated.Close()

		if err != nil {
			s.logger.Warn("frame encode failed", zap.Error(err))
			continue
		}

		s.view.UpdateJPEG(buf.GetBytes())
		buf.Close()
	}
}
