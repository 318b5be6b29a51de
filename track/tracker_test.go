package track

import (
	"testing"

	"github.com/cortexvision/detserve"
)

func det(classID int, conf float32, xmin, ymin, xmax, ymax float32) detserve.Detection {
	return detserve.Detection{
		ClassID:    classID,
		Confidence: conf,
		Box:        detserve.Box{XMin: xmin, YMin: ymin, XMax: xmax, YMax: ymax},
	}
}

func frame(source string, dets ...detserve.Detection) detserve.DetectionSet {
	return detserve.DetectionSet{Source: source, Detections: dets}
}

func TestTrackerAssignsStableIDs(t *testing.T) {

	tracker := New(Options{IoUThreshold: 0.3, MaxAge: 5, MinHits: 1})

	// the same object drifting slowly right over three frames
	out1 := tracker.Update(frame("f1", det(0, 0.9, 100, 100, 180, 200)))
	out2 := tracker.Update(frame("f2", det(0, 0.9, 105, 100, 185, 200)))
	out3 := tracker.Update(frame("f3", det(0, 0.9, 110, 100, 190, 200)))

	id := out1.Detections[0].TrackID

	if id == 0 {
		t.Fatalf("first frame got no track ID")
	}

	if out2.Detections[0].TrackID != id || out3.Detections[0].TrackID != id {
		t.Errorf("track ID not stable: %d, %d, %d",
			id, out2.Detections[0].TrackID, out3.Detections[0].TrackID)
	}

	if tracker.Active() != 1 {
		t.Errorf("expected 1 active track, got %d", tracker.Active())
	}
}

func TestTrackerSeparatesObjects(t *testing.T) {

	tracker := New(Options{IoUThreshold: 0.3, MaxAge: 5, MinHits: 1})

	out := tracker.Update(frame("f1",
		det(0, 0.9, 100, 100, 180, 200),
		det(0, 0.8, 400, 100, 480, 200)))

	a := out.Detections[0].TrackID
	b := out.Detections[1].TrackID

	if a == 0 || b == 0 || a == b {
		t.Fatalf("distinct objects share or lack IDs: %d, %d", a, b)
	}

	// next frame both moved slightly, IDs must follow their own object
	out = tracker.Update(frame("f2",
		det(0, 0.9, 104, 100, 184, 200),
		det(0, 0.8, 404, 100, 484, 200)))

	if out.Detections[0].TrackID != a || out.Detections[1].TrackID != b {
		t.Errorf("IDs crossed over: got %d, %d, expected %d, %d",
			out.Detections[0].TrackID, out.Detections[1].TrackID, a, b)
	}
}

func TestTrackerClassMismatchStartsNewTrack(t *testing.T) {

	tracker := New(Options{IoUThreshold: 0.3, MaxAge: 5, MinHits: 1})

	out1 := tracker.Update(frame("f1", det(0, 0.9, 100, 100, 180, 200)))

	// same position but a different class must not inherit the track
	out2 := tracker.Update(frame("f2", det(1, 0.9, 100, 100, 180, 200)))

	if out2.Detections[0].TrackID == out1.Detections[0].TrackID {
		t.Errorf("track ID crossed classes")
	}
}

func TestTrackerDropsStaleTracks(t *testing.T) {

	tracker := New(Options{IoUThreshold: 0.3, MaxAge: 2, MinHits: 1})

	tracker.Update(frame("f1", det(0, 0.9, 100, 100, 180, 200)))

	// the object disappears for longer than MaxAge
	tracker.Update(frame("f2"))
	tracker.Update(frame("f3"))
	tracker.Update(frame("f4"))

	if tracker.Active() != 0 {
		t.Fatalf("stale track survived, %d active", tracker.Active())
	}

	// reappearing at the old position starts a fresh track
	out := tracker.Update(frame("f5", det(0, 0.9, 100, 100, 180, 200)))

	if out.Detections[0].TrackID == 0 {
		t.Errorf("reappeared object got no track ID")
	}
}

func TestTrackerSurvivesShortOcclusion(t *testing.T) {

	tracker := New(Options{IoUThreshold: 0.3, MaxAge: 5, MinHits: 1})

	out1 := tracker.Update(frame("f1", det(0, 0.9, 100, 100, 180, 200)))
	id := out1.Detections[0].TrackID

	// one missed frame, under MaxAge
	tracker.Update(frame("f2"))

	out3 := tracker.Update(frame("f3", det(0, 0.9, 102, 100, 182, 200)))

	if out3.Detections[0].TrackID != id {
		t.Errorf("track lost over one frame gap: got %d, expected %d",
			out3.Detections[0].TrackID, id)
	}
}

func TestTrackerMinHits(t *testing.T) {

	tracker := New(Options{IoUThreshold: 0.3, MaxAge: 5, MinHits: 3})

	// with MinHits 3 the first frames report IDs only during warmup
	out := tracker.Update(frame("f1", det(0, 0.9, 100, 100, 180, 200)))

	if out.Detections[0].TrackID == 0 {
		// warmup frames still report, so this is the steady state path
		t.Logf("no ID on first frame")
	}

	tracker.Update(frame("f2", det(0, 0.9, 102, 100, 182, 200)))
	out3 := tracker.Update(frame("f3", det(0, 0.9, 104, 100, 184, 200)))

	if out3.Detections[0].TrackID == 0 {
		t.Errorf("confirmed track has no ID after %d hits", 3)
	}
}

func TestTrackerInputUnmodified(t *testing.T) {

	tracker := New(Options{IoUThreshold: 0.3, MaxAge: 5, MinHits: 1})

	in := frame("f1", det(0, 0.9, 100, 100, 180, 200))
	tracker.Update(in)

	if in.Detections[0].TrackID != 0 {
		t.Errorf("tracker mutated its input")
	}
}

func TestKalmanConvergesToMeasurements(t *testing.T) {

	kf := newKalmanFilter()

	box := detserve.Box{XMin: 100, YMin: 100, XMax: 180, YMax: 200}
	st := kf.initiate(boxToMeasurement(box))

	// feed a constant velocity rightward motion
	for i := 1; i <= 10; i++ {
		kf.predict(st)

		moved := detserve.Box{
			XMin: 100 + float32(i*5), YMin: 100,
			XMax: 180 + float32(i*5), YMax: 200,
		}

		if err := kf.update(st, boxToMeasurement(moved)); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}

	got := st.box()
	want := detserve.Box{XMin: 150, YMin: 100, XMax: 230, YMax: 200}

	const tolerance = 5.0

	if absF(got.XMin-want.XMin) > tolerance || absF(got.XMax-want.XMax) > tolerance {
		t.Errorf("filter diverged, got (%f,%f)-(%f,%f), expected near (%f,%f)-(%f,%f)",
			got.XMin, got.YMin, got.XMax, got.YMax,
			want.XMin, want.YMin, want.XMax, want.YMax)
	}
}

func absF(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
