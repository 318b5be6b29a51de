package render

import (
	"image"
	"testing"

	"github.com/cortexvision/detserve"
)

// trackedSet builds a single frame set of tracked detections, one per track
// ID, with the bottom center of each box at (id*10, id*10)
func trackedSet(ids ...int64) detserve.DetectionSet {

	ds := detserve.DetectionSet{Source: "frame"}

	for _, id := range ids {
		c := float32(id * 10)

		ds.Detections = append(ds.Detections, detserve.Detection{
			ID:      id,
			TrackID: id,
			Box:     detserve.Box{XMin: c - 5, YMin: c - 10, XMax: c + 5, YMax: c},
		})
	}

	return ds
}

func TestTrailPushCapsHistory(t *testing.T) {

	trail := NewTrail(5)

	for i := 0; i < 12; i++ {
		c := float32(i)

		trail.Push(detserve.DetectionSet{
			Detections: []detserve.Detection{{
				TrackID: 1,
				Box:     detserve.Box{XMin: c - 5, YMin: c - 10, XMax: c + 5, YMax: c},
			}},
		})
	}

	pts := trail.points[1]

	if len(pts) != 5 {
		t.Fatalf("trail holds %d points, expected cap of 5", len(pts))
	}

	// the most recent position survives the cap
	if pts[len(pts)-1] != image.Pt(11, 11) {
		t.Errorf("newest point %v, expected (11,11)", pts[len(pts)-1])
	}
}

func TestTrailPushSkipsUntracked(t *testing.T) {

	trail := NewTrail(0)

	trail.Push(detserve.DetectionSet{
		Detections: []detserve.Detection{{
			Box: detserve.Box{XMin: 0, YMin: 0, XMax: 10, YMax: 10},
		}},
	})

	if len(trail.points) != 0 {
		t.Errorf("untracked detection left %d trails", len(trail.points))
	}
}

func TestTrailForgetDropsStaleTracks(t *testing.T) {

	trail := NewTrail(0)
	trail.Push(trackedSet(1, 2))

	// track 2 has left the scene
	trail.Forget(trackedSet(1))

	if _, ok := trail.points[1]; !ok {
		t.Errorf("live track 1 was forgotten")
	}

	if _, ok := trail.points[2]; ok {
		t.Errorf("stale track 2 was kept")
	}
}
