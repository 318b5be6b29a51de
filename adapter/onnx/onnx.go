// Package onnx runs object detection models through the ONNX Runtime.  It
// accepts preprocessed tensors and decodes the model's raw output grid into
// candidate boxes with per class scores.
package onnx

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
)

// ortInit guards the process wide runtime environment
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime initializes the ONNX Runtime environment once per process
func initRuntime(library string) error {

	ortInitOnce.Do(func() {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}

		ortInitErr = ort.InitializeEnvironment()
	})

	return ortInitErr
}

// Options configure the adapter
type Options struct {
	// Weights is the path to the ONNX model file
	Weights string
	// Library is the path to the ONNX Runtime shared library, empty uses
	// the platform default
	Library string
	// Spec is the input geometry the model was exported with
	Spec detserve.InputSpec
	// NumClasses the model predicts, zero derives it from the output shape
	NumClasses int
	// HalfPrecision marks models whose output tensor is float16
	HalfPrecision bool
	// InputName and OutputName are the graph tensor names
	InputName  string
	OutputName string
	// MinScore drops candidate boxes below this score during decoding,
	// before postprocessing sees them
	MinScore float32
	// Logger defaults to a no-op logger
	Logger *zap.Logger
}

// Adapter runs a detection model via a dynamic ONNX Runtime session, so one
// session serves any batch size.  Infer is not safe for concurrent use, the
// batch scheduler serializes calls to it.
type Adapter struct {
	session    *ort.DynamicAdvancedSession
	opts       Options
	spec       detserve.InputSpec
	numClasses int
	logger     *zap.Logger
}

// New loads the model and creates an inference session
func New(opts Options) (*Adapter, error) {

	if opts.Weights == "" {
		return nil, errors.New("model weights path is required")
	}

	if opts.Spec.Width <= 0 || opts.Spec.Height <= 0 {
		return nil, errors.New("model input dimensions are required")
	}

	if opts.Spec.Channels == 0 {
		opts.Spec.Channels = 3
	}

	if opts.InputName == "" {
		opts.InputName = "images"
	}

	if opts.OutputName == "" {
		opts.OutputName = "output0"
	}

	if opts.MinScore <= 0 {
		opts.MinScore = 0.05
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := initRuntime(opts.Library); err != nil {
		return nil, errors.Wrap(err, "initializing onnx runtime")
	}

	session, err := ort.NewDynamicAdvancedSession(opts.Weights,
		[]string{opts.InputName}, []string{opts.OutputName}, nil)

	if err != nil {
		return nil, errors.Wrap(err, "creating inference session")
	}

	opts.Logger.Info("model loaded",
		zap.String("weights", opts.Weights),
		zap.Int("input_width", opts.Spec.Width),
		zap.Int("input_height", opts.Spec.Height),
		zap.Bool("half_precision", opts.HalfPrecision))

	return &Adapter{
		session:    session,
		opts:       opts,
		spec:       opts.Spec,
		numClasses: opts.NumClasses,
		logger:     opts.Logger,
	}, nil
}

// InputSpec returns the tensor geometry the model requires
func (a *Adapter) InputSpec() detserve.InputSpec {
	return a.spec
}

// Infer runs one forward pass over the batch and returns one raw prediction
// per input tensor, in input order
func (a *Adapter) Infer(batch []*detserve.Tensor) ([]detserve.RawPrediction, error) {

	if len(batch) == 0 {
		return nil, errors.New("empty batch")
	}

	size := a.spec.Size()
	input := make([]float32, 0, len(batch)*size)

	for i, t := range batch {
		if len(t.Data) != size {
			return nil, errors.Errorf("tensor %d has %d values, model expects %d",
				i, len(t.Data), size)
		}

		input = append(input, t.Data...)
	}

	shape := ort.NewShape(int64(len(batch)), int64(a.spec.Channels),
		int64(a.spec.Height), int64(a.spec.Width))

	inputTensor, err := ort.NewTensor(shape, input)

	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}

	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}

	if err := a.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, errors.Wrap(err, "running inference")
	}

	defer outputs[0].Destroy()

	data, err := a.outputData(outputs[0])

	if err != nil {
		return nil, err
	}

	return a.decode(data, outputs[0].GetShape(), len(batch))
}

// outputData extracts the output buffer as float32, converting from float16
// for half precision models
func (a *Adapter) outputData(out ort.Value) ([]float32, error) {

	if a.opts.HalfPrecision {
		t, ok := out.(*ort.CustomDataTensor)

		if !ok {
			return nil, errors.Errorf("expected float16 output, got %T", out)
		}

		return halfToFloat32(t.GetData()), nil
	}

	t, ok := out.(*ort.Tensor[float32])

	if !ok {
		return nil, errors.Errorf("expected float32 output, got %T", out)
	}

	return t.GetData(), nil
}

// decode splits the [batch, 4+classes, anchors] output grid into per image
// candidate boxes.  Rows 0-3 are the box center, width and height, the
// remaining rows hold one score per class.
func (a *Adapter) decode(data []float32, shape ort.Shape, batchSize int) ([]detserve.RawPrediction, error) {

	if len(shape) != 3 || int(shape[0]) != batchSize {
		return nil, errors.Errorf("unexpected output shape %v for batch of %d",
			shape, batchSize)
	}

	attrs := int(shape[1])
	anchors := int(shape[2])
	numClasses := a.numClasses

	if numClasses == 0 {
		numClasses = attrs - 4
	}

	if attrs != numClasses+4 {
		return nil, errors.Errorf("output has %d attributes, expected %d",
			attrs, numClasses+4)
	}

	preds := make([]detserve.RawPrediction, batchSize)
	stride := attrs * anchors

	for n := 0; n < batchSize; n++ {
		grid := data[n*stride : (n+1)*stride]
		candidates := make([]detserve.Candidate, 0, 64)

		for i := 0; i < anchors; i++ {
			// cheap prefilter so postprocessing only sees plausible boxes
			best := float32(0)

			for c := 0; c < numClasses; c++ {
				if s := grid[(4+c)*anchors+i]; s > best {
					best = s
				}
			}

			if best < a.opts.MinScore {
				continue
			}

			scores := make([]float32, numClasses)

			for c := 0; c < numClasses; c++ {
				scores[c] = grid[(4+c)*anchors+i]
			}

			candidates = append(candidates, detserve.Candidate{
				Box: [4]float32{
					grid[0*anchors+i],
					grid[1*anchors+i],
					grid[2*anchors+i],
					grid[3*anchors+i],
				},
				Scores: scores,
			})
		}

		preds[n] = detserve.RawPrediction{Candidates: candidates}
	}

	return preds, nil
}

// Close releases the inference session.  The runtime environment stays
// initialized for other adapters in the process.
func (a *Adapter) Close() error {
	return a.session.Destroy()
}
