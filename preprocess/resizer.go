package preprocess

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
)

// Transform records the letterbox scale factor and padding offsets applied
// during preprocessing, and inverts detections back into the original
// image's coordinate space
type Transform struct {
	// Scale is the factor source pixels were multiplied by
	Scale float32
	// XPad and YPad are the letterbox padding offsets in model space
	XPad int
	YPad int
	// SrcWidth and SrcHeight are the original image dimensions
	SrcWidth  int
	SrcHeight int
}

// Invert maps a box in model input space back into the original image's
// pixel space, undoing the padding offset, dividing by the scale factor and
// clamping to the image bounds
func (t Transform) Invert(xmin, ymin, xmax, ymax float32) detserve.Box {

	x1 := (xmin - float32(t.XPad)) / t.Scale
	y1 := (ymin - float32(t.YPad)) / t.Scale
	x2 := (xmax - float32(t.XPad)) / t.Scale
	y2 := (ymax - float32(t.YPad)) / t.Scale

	return detserve.Box{
		XMin: clamp(x1, 0, float32(t.SrcWidth)),
		YMin: clamp(y1, 0, float32(t.SrcHeight)),
		XMax: clamp(x2, 0, float32(t.SrcWidth)),
		YMax: clamp(y2, 0, float32(t.SrcHeight)),
	}
}

// Apply maps a box in original image space into model input space, the
// forward direction of Invert
func (t Transform) Apply(box detserve.Box) (float32, float32, float32, float32) {
	return box.XMin*t.Scale + float32(t.XPad),
		box.YMin*t.Scale + float32(t.YPad),
		box.XMax*t.Scale + float32(t.XPad),
		box.YMax*t.Scale + float32(t.YPad)
}

// Resizer scales images to the model input tensor size using the letterbox
// strategy, preserving aspect ratio with centered constant color padding
type Resizer struct {
	srcWidth   int
	srcHeight  int
	destWidth  int
	destHeight int
	// tempMat holds the intermediate resize result
	tempMat gocv.Mat
	// letterbox parameters
	xPad  int
	yPad  int
	scale float32
	// dimensions of the aspect preserved resize
	resizeW int
	resizeH int
}

// NewResizer returns a resizer scaling srcWidth x srcHeight images to the
// destWidth x destHeight input tensor size
func NewResizer(srcWidth, srcHeight, destWidth, destHeight int) (*Resizer, error) {

	if srcWidth <= 0 || srcHeight <= 0 {
		return nil, &detserve.InvalidImageError{
			Reason: "zero source dimensions",
		}
	}

	r := &Resizer{
		srcWidth:   srcWidth,
		srcHeight:  srcHeight,
		destWidth:  destWidth,
		destHeight: destHeight,
		tempMat:    gocv.NewMat(),
	}

	r.preCalc()

	return r, nil
}

// preCalc the scale factor and padding for the letterbox resize
func (r *Resizer) preCalc() {

	r.resizeW = r.destWidth
	r.resizeH = r.destHeight

	scaleW := float32(r.destWidth) / float32(r.srcWidth)
	scaleH := float32(r.destHeight) / float32(r.srcHeight)
	r.scale = scaleH

	if scaleW < scaleH {
		r.scale = scaleW
		r.resizeH = int(float32(r.srcHeight) * r.scale)
	} else {
		r.resizeW = int(float32(r.srcWidth) * r.scale)
	}

	// center the padding
	r.yPad = (r.destHeight - r.resizeH) / 2
	r.xPad = (r.destWidth - r.resizeW) / 2
}

// LetterBox resizes src into dest at the input tensor size whilst
// maintaining the image aspect.  The pad color fills the letterbox borders.
func (r *Resizer) LetterBox(src gocv.Mat, dest *gocv.Mat, pad color.RGBA) {

	gocv.Resize(src, &r.tempMat, image.Pt(r.resizeW, r.resizeH),
		0, 0, gocv.InterpolationArea)

	gocv.CopyMakeBorder(r.tempMat, dest, r.yPad, r.destHeight-r.resizeH-r.yPad,
		r.xPad, r.destWidth-r.resizeW-r.xPad, gocv.BorderConstant, pad)
}

// Transform returns the coordinate transform recorded by the resize
func (r *Resizer) Transform() Transform {
	return Transform{
		Scale:     r.scale,
		XPad:      r.xPad,
		YPad:      r.yPad,
		SrcWidth:  r.srcWidth,
		SrcHeight: r.srcHeight,
	}
}

// ScaleFactor returns the scale factor used in the letterbox resize
func (r *Resizer) ScaleFactor() float32 {
	return r.scale
}

// XPad returns the x padding used in the letterbox resize
func (r *Resizer) XPad() int {
	return r.xPad
}

// YPad returns the y padding used in the letterbox resize
func (r *Resizer) YPad() int {
	return r.yPad
}

// Close frees memory allocated during the resize process
func (r *Resizer) Close() error {
	return r.tempMat.Close()
}

func clamp(val, min, max float32) float32 {

	if val < min {
		return min
	}

	if val > max {
		return max
	}

	return val
}
