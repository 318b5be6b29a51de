package render

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
)

// TrailStyle defines the parameters used for rendering the trail style
type TrailStyle struct {
	// LineSame defines if the color of the trail line should be the
	// same color as that of the bounding box.  If set to false then use
	// the color specified at LineColor
	LineSame      bool
	LineColor     color.RGBA
	LineThickness int
	// CircleSame defines if the color of the midpoint circle should be the
	// same color as that of the bounding box.  If set to false then use
	// the color specified at CircleColor
	CircleSame   bool
	CircleColor  color.RGBA
	CircleRadius int
}

// DefaultTrailStyle returns default trail style settings
func DefaultTrailStyle() TrailStyle {
	return TrailStyle{
		LineSame:      false,
		LineColor:     Yellow,
		LineThickness: 1,
		CircleSame:    true,
		CircleColor:   Pink,
		CircleRadius:  3,
	}
}

// Trail accumulates the recent positions of tracked objects across frames
type Trail struct {
	points map[int64][]image.Point
	limit  int
}

// NewTrail returns a Trail keeping up to limit points per track
func NewTrail(limit int) *Trail {

	if limit <= 0 {
		limit = 60
	}

	return &Trail{
		points: make(map[int64][]image.Point),
		limit:  limit,
	}
}

// Push records the bottom center of every tracked detection in the set
func (t *Trail) Push(ds detserve.DetectionSet) {

	for _, det := range ds.Detections {
		if det.TrackID == 0 {
			continue
		}

		x, y := det.Box.BottomCenter()
		pts := append(t.points[det.TrackID], image.Pt(int(x), int(y)))

		if len(pts) > t.limit {
			pts = pts[len(pts)-t.limit:]
		}

		t.points[det.TrackID] = pts
	}
}

// Forget drops the history of tracks not present in the given set, keeping
// the map from growing over long streams
func (t *Trail) Forget(ds detserve.DetectionSet) {

	live := make(map[int64]bool, len(ds.Detections))

	for _, det := range ds.Detections {
		live[det.TrackID] = true
	}

	for id := range t.points {
		if !live[id] {
			delete(t.points, id)
		}
	}
}

// Draw renders the trail lines of the set's tracked detections
func (t *Trail) Draw(img *gocv.Mat, ds detserve.DetectionSet, style TrailStyle) {

	for _, det := range ds.Detections {
		if det.TrackID == 0 {
			continue
		}

		objClr := trackColor(det.TrackID)

		// determine style colors to use
		lineClr := objClr
		circleClr := objClr

		if !style.LineSame {
			lineClr = style.LineColor
		}

		if !style.CircleSame {
			circleClr = style.CircleColor
		}

		points := t.points[det.TrackID]

		if len(points) > 2 {
			for i := 1; i < len(points); i++ {
				// draw line segment of trail
				gocv.Line(img, points[i-1], points[i],
					lineClr, style.LineThickness)

				if i == len(points)-1 {
					// draw center point circle on the current position
					gocv.Circle(img, points[i],
						style.CircleRadius, circleClr, -1)
				}
			}
		}
	}
}
