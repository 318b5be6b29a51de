// Package render draws detection results onto video frames for annotated
// output files and the MJPEG dashboard.
package render

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/cortexvision/detserve"
)

// boxLabel holds the precalculated label rendering details for one box
type boxLabel struct {
	rect    image.Rectangle
	clr     color.RGBA
	text    string
	textPos image.Point
}

// DetectionBoxes renders the bounding boxes around the detected objects.
// Tracked detections are colored and labeled by track ID so an object keeps
// its color across frames, untracked ones by class with the confidence.
func DetectionBoxes(img *gocv.Mat, dets []detserve.Detection, font Font,
	lineThickness int) {

	// keep a record of all box labels for later rendering
	boxLabels := make([]boxLabel, 0, len(dets))

	for _, det := range dets {

		boxLeft := int(det.Box.XMin)
		boxTop := int(det.Box.YMin)
		boxRight := int(det.Box.XMax)
		boxBottom := int(det.Box.YMax)

		var useClr color.RGBA
		var text string

		if det.TrackID > 0 {
			useClr = trackColor(det.TrackID)
			text = fmt.Sprintf("%s #%d", det.ClassName, det.TrackID)
		} else {
			useClr = classColor(det.ClassID)
			text = fmt.Sprintf("%s %.2f", det.ClassName, det.Confidence)
		}

		// draw rectangle around detected object
		rect := image.Rect(boxLeft, boxTop, boxRight, boxBottom)
		gocv.Rectangle(img, rect, useClr, lineThickness)

		textSize := gocv.GetTextSize(text, font.Face, font.Scale, font.Thickness)

		// Calculate the alignment of text label
		var centerX int

		switch font.Alignment {
		case Center:
			centerX = (boxLeft + boxRight) / 2

		case Right:
			centerX = boxRight - (textSize.X / 2) - font.RightPad + (lineThickness / 2)

		case Left:
			fallthrough
		default:
			centerX = boxLeft + (textSize.X / 2) + font.LeftPad - (lineThickness / 2)
		}

		// Adjust the label position so the text is centered horizontally
		labelPosition := image.Pt(centerX-textSize.X/2, boxTop-font.BottomPad)

		// create box for placing text on
		bRect := image.Rect(centerX-textSize.X/2-font.LeftPad,
			boxTop-textSize.Y-font.TopPad-font.BottomPad,
			centerX+textSize.X/2+font.RightPad, boxTop)

		boxLabels = append(boxLabels, boxLabel{
			rect:    bRect,
			clr:     useClr,
			text:    text,
			textPos: labelPosition,
		})
	}

	// draw all precalculated box labels so they are the top most layer on
	// the image and don't get overlapped by neighboring boxes
	for _, box := range boxLabels {
		// draw box text gets written on
		gocv.Rectangle(img, box.rect, box.clr, -1)

		// Draw the label over box
		gocv.PutTextWithParams(img, box.text, box.textPos,
			font.Face, font.Scale, font.Color, font.Thickness,
			font.LineType, false)
	}
}

// WorldPositions writes the projected ground plane coordinates under each
// detection, positions keyed by detection ID
func WorldPositions(img *gocv.Mat, dets []detserve.Detection,
	positions map[int64][2]float64, font Font) {

	for _, det := range dets {
		pos, ok := positions[det.ID]

		if !ok {
			continue
		}

		text := fmt.Sprintf("(%.1f, %.1f)", pos[0], pos[1])
		x, y := det.Box.BottomCenter()

		textSize := gocv.GetTextSize(text, font.Face, font.Scale, font.Thickness)

		gocv.PutTextWithParams(img, text,
			image.Pt(int(x)-textSize.X/2, int(y)+textSize.Y+font.TopPad),
			font.Face, font.Scale, font.Color, font.Thickness,
			font.LineType, false)
	}
}
