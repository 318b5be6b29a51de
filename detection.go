package detserve

// Box is an axis aligned bounding box in original image pixel coordinates
type Box struct {
	XMin float32 `json:"x_min"`
	YMin float32 `json:"y_min"`
	XMax float32 `json:"x_max"`
	YMax float32 `json:"y_max"`
}

// Width returns the box width
func (b Box) Width() float32 {
	return b.XMax - b.XMin
}

// Height returns the box height
func (b Box) Height() float32 {
	return b.YMax - b.YMin
}

// Area returns the box area
func (b Box) Area() float32 {
	w := b.Width()
	h := b.Height()

	if w <= 0 || h <= 0 {
		return 0
	}

	return w * h
}

// BottomCenter returns the point where the object touches the ground, used
// for projecting detections onto a ground plane
func (b Box) BottomCenter() (float32, float32) {
	return (b.XMin + b.XMax) / 2, b.YMax
}

// IoU calculates the Intersection over Union between two boxes
func (b Box) IoU(other Box) float32 {

	ix := minF(b.XMax, other.XMax) - maxF(b.XMin, other.XMin)
	iy := minF(b.YMax, other.YMax) - maxF(b.YMin, other.YMin)

	if ix <= 0 || iy <= 0 {
		return 0
	}

	intersection := ix * iy
	union := b.Area() + other.Area() - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// Detection is a single object detected in a source image.  It is an
// immutable value and the unit returned to callers.
type Detection struct {
	// ID is a unique incremental ID assigned to the detection
	ID int64 `json:"id"`
	// ClassID is the class index the model was trained with
	ClassID int `json:"class_id"`
	// ClassName is the label for ClassID
	ClassName string `json:"class_name"`
	// Confidence is the top class score in the range [0,1]
	Confidence float32 `json:"confidence"`
	// Box is the bounding box in original image pixel coordinates
	Box Box `json:"box"`
	// Source identifies the input the detection came from, a filename or
	// video frame reference
	Source string `json:"source"`
	// TrackID is a stable ID across video frames, zero when the detection
	// was not produced by a tracking stream
	TrackID int64 `json:"track_id,omitempty"`
}

// DetectionSet is the ordered detections for one input image
type DetectionSet struct {
	Source     string      `json:"source"`
	Detections []Detection `json:"detections"`
}

// Len returns the number of detections in the set
func (d DetectionSet) Len() int {
	return len(d.Detections)
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
