// Package track assigns stable IDs to detections across consecutive video
// frames.  Matching is greedy IoU between incoming detections and the
// Kalman predicted positions of existing tracks.
package track

import (
	"sort"

	"github.com/cortexvision/detserve"
)

// Options configure the tracker
type Options struct {
	// IoUThreshold is the minimum overlap between a detection and a
	// predicted track box for the two to match
	IoUThreshold float32
	// MaxAge is how many consecutive unmatched frames a track survives
	// before it is dropped
	MaxAge int
	// MinHits is how many matches a track needs before its ID is reported,
	// suppressing IDs for one frame flickers
	MinHits int
}

// DefaultOptions returns tracker settings suited to 25-30 fps video
func DefaultOptions() Options {
	return Options{
		IoUThreshold: 0.3,
		MaxAge:       30,
		MinHits:      3,
	}
}

// trackState is one tracked object
type trackState struct {
	id      int64
	classID int
	state   *kalmanState
	// age counts consecutive frames without a match
	age  int
	hits int
}

// Tracker carries tracks across frames.  It is not safe for concurrent use,
// one tracker serves one stream.
type Tracker struct {
	opts   Options
	kf     *kalmanFilter
	tracks []*trackState
	nextID int64
	frames int
}

// New returns a Tracker with the given options
func New(opts Options) *Tracker {

	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = 0.3
	}

	if opts.MaxAge <= 0 {
		opts.MaxAge = 30
	}

	return &Tracker{
		opts: opts,
		kf:   newKalmanFilter(),
	}
}

// Active returns the number of live tracks
func (t *Tracker) Active() int {
	return len(t.tracks)
}

// Update advances all tracks one frame, matches the frame's detections
// against them and returns the detections with TrackID populated.  Unmatched
// detections start new tracks, tracks unmatched for longer than MaxAge are
// dropped.
func (t *Tracker) Update(ds detserve.DetectionSet) detserve.DetectionSet {

	t.frames++

	for _, tr := range t.tracks {
		t.kf.predict(tr.state)
	}

	// match highest confidence detections first
	order := make([]int, len(ds.Detections))

	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return ds.Detections[order[a]].Confidence > ds.Detections[order[b]].Confidence
	})

	taken := make(map[*trackState]bool, len(t.tracks))
	out := ds
	out.Detections = append([]detserve.Detection(nil), ds.Detections...)

	for _, i := range order {
		det := &out.Detections[i]
		best := t.bestMatch(det, taken)

		if best == nil {
			t.nextID++

			tr := &trackState{
				id:      t.nextID,
				classID: det.ClassID,
				state:   t.kf.initiate(boxToMeasurement(det.Box)),
				hits:    1,
			}

			t.tracks = append(t.tracks, tr)
			taken[tr] = true

			if t.opts.MinHits <= 1 {
				det.TrackID = tr.id
			}

			continue
		}

		taken[best] = true
		best.age = 0
		best.hits++

		if err := t.kf.update(best.state, boxToMeasurement(det.Box)); err != nil {
			// degenerate covariance, restart the state from the observation
			best.state = t.kf.initiate(boxToMeasurement(det.Box))
		}

		if best.hits >= t.opts.MinHits || t.frames <= t.opts.MinHits {
			det.TrackID = best.id
		}
	}

	// age out tracks that went unmatched this frame
	live := t.tracks[:0]

	for _, tr := range t.tracks {
		if !taken[tr] {
			tr.age++
		}

		if tr.age <= t.opts.MaxAge {
			live = append(live, tr)
		}
	}

	t.tracks = live

	return out
}

// bestMatch finds the free track of the detection's class with the highest
// IoU above the threshold
func (t *Tracker) bestMatch(det *detserve.Detection, taken map[*trackState]bool) *trackState {

	var best *trackState
	bestIoU := t.opts.IoUThreshold

	for _, tr := range t.tracks {
		if taken[tr] || tr.classID != det.ClassID {
			continue
		}

		overlap := det.Box.IoU(tr.state.box())

		if overlap >= bestIoU {
			best = tr
			bestIoU = overlap
		}
	}

	return best
}
