package postprocess

// boxCorners is a box as corner coordinates
type boxCorners struct {
	xmin, ymin, xmax, ymax float32
}

// cornersFromCenter converts a (center x, center y, width, height) raw box
// into corner coordinates
func cornersFromCenter(b [4]float32) boxCorners {
	return boxCorners{
		xmin: b[0] - b[2]/2,
		ymin: b[1] - b[3]/2,
		xmax: b[0] + b[2]/2,
		ymax: b[1] + b[3]/2,
	}
}

// iou calculates the Intersection over Union of two boxes
func iou(a, b boxCorners) float32 {

	iw := minF(a.xmax, b.xmax) - maxF(a.xmin, b.xmin)
	ih := minF(a.ymax, b.ymax) - maxF(a.ymin, b.ymin)

	if iw <= 0 || ih <= 0 {
		return 0
	}

	intersection := iw * ih
	areaA := (a.xmax - a.xmin) * (a.ymax - a.ymin)
	areaB := (b.xmax - b.xmin) * (b.ymax - b.ymin)
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// suppress implements greedy non-maximum suppression over candidates sorted
// by confidence descending.  A candidate is accepted unless its IoU with an
// already accepted box of the same class (or any class in agnostic mode)
// exceeds the threshold.
func suppress(sorted []candidate, threshold float32, classAgnostic bool) []candidate {

	accepted := make([]candidate, 0, len(sorted))

	for _, c := range sorted {
		keep := true

		for _, a := range accepted {
			if !classAgnostic && a.classID != c.classID {
				continue
			}

			if iou(c.box, a.box) > threshold {
				keep = false
				break
			}
		}

		if keep {
			accepted = append(accepted, c)
		}
	}

	return accepted
}

func minF(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
