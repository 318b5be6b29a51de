package detserve

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig configures the model adapter
type ModelConfig struct {
	// Weights is the path to the ONNX model file
	Weights string `yaml:"weights"`
	// Labels is the path to the class labels file, one label per line
	Labels string `yaml:"labels"`
	// Library is an optional path to the ONNX Runtime shared library
	Library string `yaml:"library"`
	// TargetWidth and TargetHeight are the model input tensor dimensions
	TargetWidth  int `yaml:"target_width"`
	TargetHeight int `yaml:"target_height"`
	// NumClasses is the number of classes the model was trained with
	NumClasses int `yaml:"num_classes"`
	// HalfPrecision indicates the model emits float16 output tensors
	HalfPrecision bool `yaml:"half_precision"`
}

// PipelineConfig configures postprocessing and batching
type PipelineConfig struct {
	// ConfidenceThreshold discards candidates whose top class score is
	// below it
	ConfidenceThreshold float32 `yaml:"confidence_threshold"`
	// IoUThreshold is the maximum allowed overlap between two kept boxes
	IoUThreshold float32 `yaml:"iou_threshold"`
	// Classes is an optional allow-list of class names, empty keeps all
	Classes []string `yaml:"classes"`
	// Suppression selects NMS mode, "class_aware" or "class_agnostic"
	Suppression string `yaml:"suppression"`
	// MaxDetections caps the number of detections returned per image
	MaxDetections int `yaml:"max_detections"`
	// MaxBatchSize flushes a batch once this many tensors are pending
	MaxBatchSize int `yaml:"max_batch_size"`
	// MaxBatchDelay flushes a batch once the oldest pending request has
	// waited this long
	MaxBatchDelay time.Duration `yaml:"max_batch_delay"`
	// MaxQueueDepth fails new submissions once this many requests are
	// pending
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// RequestTimeout fails a request still unflushed after this long
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ServerConfig configures the REST front end
type ServerConfig struct {
	// Listen is the address the HTTP server binds to
	Listen string `yaml:"listen"`
	// ReadTimeout and WriteTimeout bound request handling
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// StreamSource is an optional video file or camera index serving the
	// live dashboard feed
	StreamSource string `yaml:"stream_source"`
}

// MQTTConfig configures the optional detection event publisher.  Publishing
// is disabled when Broker is empty.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// Config is the top level configuration consumed by the pipeline and the
// front ends
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Server   ServerConfig   `yaml:"server"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	// LogLevel is the zap logging level, one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// Suppression modes
const (
	SuppressionClassAware    = "class_aware"
	SuppressionClassAgnostic = "class_agnostic"
)

// DefaultConfig returns a Config with default values for a COCO trained
// YOLOv8 model at 640x640
func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			Weights:      "models/yolov8n.onnx",
			Labels:       "models/labels.txt",
			TargetWidth:  640,
			TargetHeight: 640,
			NumClasses:   80,
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold: 0.5,
			IoUThreshold:        0.45,
			Suppression:         SuppressionClassAware,
			MaxDetections:       64,
			MaxBatchSize:        8,
			MaxBatchDelay:       15 * time.Millisecond,
			MaxQueueDepth:       64,
			RequestTimeout:      2 * time.Second,
		},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8080",
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "detserve",
			Topic:    "detserve/detections",
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(path string) (Config, error) {

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)

	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (c Config) Validate() error {

	if c.Model.TargetWidth <= 0 || c.Model.TargetHeight <= 0 {
		return fmt.Errorf("config: target size %dx%d is not positive",
			c.Model.TargetWidth, c.Model.TargetHeight)
	}

	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence_threshold %f outside [0,1]",
			c.Pipeline.ConfidenceThreshold)
	}

	if c.Pipeline.IoUThreshold < 0 || c.Pipeline.IoUThreshold > 1 {
		return fmt.Errorf("config: iou_threshold %f outside [0,1]",
			c.Pipeline.IoUThreshold)
	}

	switch c.Pipeline.Suppression {
	case SuppressionClassAware, SuppressionClassAgnostic:
	default:
		return fmt.Errorf("config: unknown suppression mode %q", c.Pipeline.Suppression)
	}

	if c.Pipeline.MaxBatchSize <= 0 {
		return fmt.Errorf("config: max_batch_size must be positive")
	}

	if c.Pipeline.MaxQueueDepth < c.Pipeline.MaxBatchSize {
		return fmt.Errorf("config: max_queue_depth %d smaller than max_batch_size %d",
			c.Pipeline.MaxQueueDepth, c.Pipeline.MaxBatchSize)
	}

	if c.Pipeline.MaxBatchDelay <= 0 || c.Pipeline.RequestTimeout <= 0 {
		return fmt.Errorf("config: max_batch_delay and request_timeout must be positive")
	}

	return nil
}

// InputSpec returns the tensor format described by the model configuration
func (c ModelConfig) InputSpec() InputSpec {
	return InputSpec{
		Width:    c.TargetWidth,
		Height:   c.TargetHeight,
		Channels: 3,
	}
}
