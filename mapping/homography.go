// Package mapping projects detections from image pixel coordinates onto a
// calibrated ground plane, records object trajectories and evaluates
// polygonal zones of interest in world space.
package mapping

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Point is a 2D point, in pixels or world units depending on context
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Correspondence pairs an image pixel location with its known position on
// the ground plane
type Correspondence struct {
	Image Point `json:"image"`
	World Point `json:"world"`
}

// Homography is a 3x3 projective transform from image coordinates to ground
// plane coordinates
type Homography struct {
	h [9]float64
}

// NewHomography estimates the transform from at least four point
// correspondences using the direct linear transform
func NewHomography(pairs []Correspondence) (*Homography, error) {

	if len(pairs) < 4 {
		return nil, errors.Errorf("homography needs at least 4 correspondences, got %d", len(pairs))
	}

	// each correspondence contributes two rows to the DLT system A h = 0
	a := mat.NewDense(2*len(pairs), 9, nil)

	for i, p := range pairs {
		x, y := p.Image.X, p.Image.Y
		u, v := p.World.X, p.World.Y

		a.SetRow(2*i, []float64{
			-x, -y, -1, 0, 0, 0, u * x, u * y, u,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0, -x, -y, -1, v * x, v * y, v,
		})
	}

	// h is the right singular vector for the smallest singular value.  The
	// factorization must be full: with the minimum 4 correspondences A is
	// 8x9 and the thin V has no column for the null space.
	var svd mat.SVD

	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("homography estimation failed to converge")
	}

	var v mat.Dense
	svd.VTo(&v)

	hom := &Homography{}

	for i := 0; i < 9; i++ {
		hom.h[i] = v.At(i, 8)
	}

	if math.Abs(hom.h[8]) < 1e-12 {
		return nil, errors.New("degenerate homography, correspondences may be collinear")
	}

	// normalize so the bottom right element is 1
	for i := range hom.h {
		hom.h[i] /= hom.h[8]
	}

	return hom, nil
}

// LoadHomography reads correspondences from a JSON calibration file and
// estimates the transform.  The file holds an array of
// {"image": {"x","y"}, "world": {"x","y"}} objects.
func LoadHomography(path string) (*Homography, error) {

	data, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrap(err, "reading calibration file")
	}

	var pairs []Correspondence

	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, errors.Wrap(err, "parsing calibration file")
	}

	return NewHomography(pairs)
}

// Project maps an image point onto the ground plane
func (h *Homography) Project(p Point) Point {

	w := h.h[6]*p.X + h.h[7]*p.Y + h.h[8]

	if w == 0 {
		w = 1e-12
	}

	return Point{
		X: (h.h[0]*p.X + h.h[1]*p.Y + h.h[2]) / w,
		Y: (h.h[3]*p.X + h.h[4]*p.Y + h.h[5]) / w,
	}
}

// ReprojectionError returns the per correspondence distance between the
// projected image points and their known world positions, a calibration
// quality measure
func (h *Homography) ReprojectionError(pairs []Correspondence) []float64 {

	errs := make([]float64, len(pairs))

	for i, p := range pairs {
		proj := h.Project(p.Image)
		dx := proj.X - p.World.X
		dy := proj.Y - p.World.Y
		errs[i] = math.Hypot(dx, dy)
	}

	return errs
}

// Matrix returns the transform as a row major 3x3 matrix
func (h *Homography) Matrix() [9]float64 {
	return h.h
}
