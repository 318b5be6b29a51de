/*
detserve packages a pretrained object detection model behind a CLI, a REST
API and a live dashboard stream.

The core is the inference request processing pipeline: a raw image or video
frame is letterboxed and normalized into a model input tensor, pending
requests are micro-batched onto a single shared model resource, and the raw
model output is confidence filtered, class filtered and run through
non-maximum suppression to produce final detections in original image
coordinates.

The model itself is an opaque capability behind the ModelAdapter interface.
An ONNX Runtime implementation for YOLOv8 style models lives in adapter/onnx.

See the cmd subdirectory for the CLI and server front ends.
*/
package detserve
