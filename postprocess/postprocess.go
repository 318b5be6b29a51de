// Package postprocess turns raw model output into final detections by
// applying confidence thresholding, class filtering, non-maximum suppression
// and coordinate inversion into original image space.
package postprocess

import (
	"sort"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/preprocess"
)

// Params are the postprocessing parameters
type Params struct {
	// ConfidenceThreshold is the minimum top class score required for a
	// candidate box to be kept
	ConfidenceThreshold float32
	// IoUThreshold is the maximum allowed Intersection over Union between
	// two kept boxes before the lower confidence one is suppressed
	IoUThreshold float32
	// ClassFilter is an allow-list of class IDs, empty keeps all classes
	ClassFilter []int
	// ClassAgnostic suppresses across classes when true, within a class
	// when false
	ClassAgnostic bool
	// MaxDetections caps the number of detections returned
	MaxDetections int
	// Labels resolve class IDs to names
	Labels []string
}

// DefaultParams returns parameters for a COCO trained model
func DefaultParams() Params {
	return Params{
		ConfidenceThreshold: 0.5,
		IoUThreshold:        0.45,
		MaxDetections:       64,
	}
}

// Processor applies Params to raw predictions.  Finalize is deterministic
// for fixed input and thresholds.
type Processor struct {
	params  Params
	allowed map[int]bool
	idGen   *detserve.IDGenerator
}

// New returns a Processor for the given parameters
func New(p Params) *Processor {

	var allowed map[int]bool

	if len(p.ClassFilter) > 0 {
		allowed = make(map[int]bool, len(p.ClassFilter))

		for _, id := range p.ClassFilter {
			allowed[id] = true
		}
	}

	return &Processor{
		params:  p,
		allowed: allowed,
		idGen:   detserve.NewIDGenerator(),
	}
}

// Params returns the processor parameters
func (p *Processor) Params() Params {
	return p.params
}

// candidate is a surviving box proposal, in model space until the transform
// inversion and in source image space after it
type candidate struct {
	box     boxCorners
	classID int
	score   float32
	// order is the candidate's position in the raw input, used as the
	// stable tie break on equal confidence
	order int
}

// Finalize applies confidence thresholding, class filtering, non-maximum
// suppression and coordinate inversion to one raw prediction, producing the
// final detections for the source image
func (p *Processor) Finalize(raw detserve.RawPrediction, tf preprocess.Transform,
	source string) detserve.DetectionSet {

	// confidence and class filter
	kept := make([]candidate, 0, len(raw.Candidates))

	for i, c := range raw.Candidates {
		classID, score := c.TopClass()

		if classID < 0 || score < p.params.ConfidenceThreshold {
			continue
		}

		if p.allowed != nil && !p.allowed[classID] {
			continue
		}

		kept = append(kept, candidate{
			box:     cornersFromCenter(c.Box),
			classID: classID,
			score:   score,
			order:   i,
		})
	}

	// sort by confidence descending, earlier input order wins ties
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].score > kept[j].score
	})

	// invert into original image coordinates before suppression, clamping
	// at the image bounds changes the overlap of boxes cut off at the edge
	for i, c := range kept {
		b := tf.Invert(c.box.xmin, c.box.ymin, c.box.xmax, c.box.ymax)
		kept[i].box = boxCorners{xmin: b.XMin, ymin: b.YMin, xmax: b.XMax, ymax: b.YMax}
	}

	accepted := suppress(kept, p.params.IoUThreshold, p.params.ClassAgnostic)

	group := make([]detserve.Detection, 0, len(accepted))

	for _, c := range accepted {
		if p.params.MaxDetections > 0 && len(group) >= p.params.MaxDetections {
			break
		}

		group = append(group, detserve.Detection{
			ID:         p.idGen.Next(),
			ClassID:    c.classID,
			ClassName:  detserve.ClassName(p.params.Labels, c.classID),
			Confidence: c.score,
			Box: detserve.Box{
				XMin: c.box.xmin,
				YMin: c.box.ymin,
				XMax: c.box.xmax,
				YMax: c.box.ymax,
			},
			Source: source,
		})
	}

	return detserve.DetectionSet{
		Source:     source,
		Detections: group,
	}
}
