package detserve

// InputSpec describes the fixed input tensor format a model expects
type InputSpec struct {
	// Width and Height are the input tensor spatial dimensions
	Width  int
	Height int
	// Channels is the number of color channels, typically 3
	Channels int
}

// Size returns the number of elements in a single input tensor
func (s InputSpec) Size() int {
	return s.Width * s.Height * s.Channels
}

// Tensor is a preprocessed image in NCHW float32 layout with values
// normalized to [0,1].  It is owned by the pipeline for the lifetime of one
// inference call and not retained afterwards.
type Tensor struct {
	// Data is the pixel data in CHW order, length Width*Height*Channels
	Data []float32
	// Width and Height are the tensor spatial dimensions
	Width  int
	Height int
	// Channels is the number of color channels
	Channels int
	// Source identifies the input image the tensor was prepared from
	Source string
}

// Candidate is one raw box proposal from the model for a single tensor
type Candidate struct {
	// Box is the proposal as (center x, center y, width, height) in model
	// input space
	Box [4]float32
	// Scores holds the per class scores in [0,1]
	Scores []float32
}

// TopClass returns the class index with the highest score and that score
func (c Candidate) TopClass() (int, float32) {

	best := -1
	bestScore := float32(0)

	for i, s := range c.Scores {
		if s > bestScore {
			bestScore = s
			best = i
		}
	}

	return best, bestScore
}

// RawPrediction is the model output for one tensor, an ordered sequence of
// box proposals.  It is opaque beyond this shape and produced only by a
// ModelAdapter.
type RawPrediction struct {
	Candidates []Candidate
}

// ModelAdapter wraps the external detection model behind a synchronous
// batched inference capability.  Implementations are not required to be
// reentrant, the batch scheduler owns the adapter exclusively and never
// invokes Infer concurrently with itself.
type ModelAdapter interface {
	// Infer runs the model on a batch of tensors and returns one raw
	// prediction per input tensor in the same order.  Failures are
	// reported as a *ModelError.
	Infer(batch []*Tensor) ([]RawPrediction, error)
	// InputSpec returns the tensor format the model expects
	InputSpec() InputSpec
	// Close releases the model resources
	Close() error
}
