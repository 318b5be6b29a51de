package track

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/cortexvision/detserve"
)

// measurement is a box observation in (center x, center y, aspect ratio,
// height) form, the parameterization the motion model operates on
type measurement [4]float64

// boxToMeasurement converts a detection box to measurement space
func boxToMeasurement(b detserve.Box) measurement {

	w := float64(b.Width())
	h := float64(b.Height())

	if h <= 0 {
		h = 1
	}

	return measurement{
		float64(b.XMin) + w/2,
		float64(b.YMin) + h/2,
		w / h,
		h,
	}
}

// kalmanState is the 8 dimensional state of one track, the measurement
// components plus their velocities
type kalmanState struct {
	mean *mat.VecDense
	cov  *mat.Dense
}

// box converts the state estimate back to a detection box
func (st *kalmanState) box() detserve.Box {

	cx := st.mean.AtVec(0)
	cy := st.mean.AtVec(1)
	h := st.mean.AtVec(3)
	w := st.mean.AtVec(2) * h

	return detserve.Box{
		XMin: float32(cx - w/2),
		YMin: float32(cy - h/2),
		XMax: float32(cx + w/2),
		YMax: float32(cy + h/2),
	}
}

// kalmanFilter is a constant velocity Kalman filter over box measurements.
// Noise scales with the object height so large and small objects are
// tracked with comparable relative uncertainty.
type kalmanFilter struct {
	posWeight float64
	velWeight float64
	motion    *mat.Dense
	observe   *mat.Dense
}

func newKalmanFilter() *kalmanFilter {

	// constant velocity motion model, dt folded into the velocity terms
	motion := mat.NewDense(8, 8, nil)

	for i := 0; i < 8; i++ {
		motion.Set(i, i, 1)
	}

	for i := 0; i < 4; i++ {
		motion.Set(i, 4+i, 1)
	}

	// observation extracts the position components
	observe := mat.NewDense(4, 8, nil)

	for i := 0; i < 4; i++ {
		observe.Set(i, i, 1)
	}

	return &kalmanFilter{
		posWeight: 1.0 / 20,
		velWeight: 1.0 / 160,
		motion:    motion,
		observe:   observe,
	}
}

// initiate creates track state from a first observation with zero velocity
func (kf *kalmanFilter) initiate(m measurement) *kalmanState {

	mean := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		mean.SetVec(i, m[i])
	}

	std := [8]float64{
		2 * kf.posWeight * m[3],
		2 * kf.posWeight * m[3],
		1e-2,
		2 * kf.posWeight * m[3],
		10 * kf.velWeight * m[3],
		10 * kf.velWeight * m[3],
		1e-5,
		10 * kf.velWeight * m[3],
	}

	cov := mat.NewDense(8, 8, nil)

	for i, v := range std {
		cov.Set(i, i, v*v)
	}

	return &kalmanState{mean: mean, cov: cov}
}

// predict advances the state one frame under the motion model
func (kf *kalmanFilter) predict(st *kalmanState) {

	h := st.mean.AtVec(3)

	std := [8]float64{
		kf.posWeight * h,
		kf.posWeight * h,
		1e-2,
		kf.posWeight * h,
		kf.velWeight * h,
		kf.velWeight * h,
		1e-5,
		kf.velWeight * h,
	}

	motionCov := mat.NewDense(8, 8, nil)

	for i, v := range std {
		motionCov.Set(i, i, v*v)
	}

	next := mat.NewVecDense(8, nil)
	next.MulVec(kf.motion, st.mean)
	st.mean = next

	var cov mat.Dense
	cov.Mul(kf.motion, st.cov)
	cov.Mul(&cov, kf.motion.T())
	cov.Add(&cov, motionCov)
	st.cov = &cov
}

// project maps the state estimate into measurement space
func (kf *kalmanFilter) project(st *kalmanState) (*mat.VecDense, *mat.SymDense) {

	h := st.mean.AtVec(3)

	std := [4]float64{
		kf.posWeight * h,
		kf.posWeight * h,
		1e-1,
		kf.posWeight * h,
	}

	mean := mat.NewVecDense(4, nil)
	mean.MulVec(kf.observe, st.mean)

	// the two products have different shapes, each needs its own matrix
	var oc mat.Dense
	oc.Mul(kf.observe, st.cov)

	var temp mat.Dense
	temp.Mul(&oc, kf.observe.T())

	cov := mat.NewSymDense(4, nil)

	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			v := (temp.At(i, j) + temp.At(j, i)) / 2

			if i == j {
				v += std[i] * std[i]
			}

			cov.SetSym(i, j, v)
		}
	}

	return mean, cov
}

// update corrects the state with a new observation
func (kf *kalmanFilter) update(st *kalmanState, m measurement) error {

	projMean, projCov := kf.project(st)

	var chol mat.Cholesky

	if ok := chol.Factorize(projCov); !ok {
		return errors.New("projected covariance not positive definite")
	}

	var b mat.Dense
	b.Mul(st.cov, kf.observe.T())

	var gain mat.Dense

	if err := chol.SolveTo(&gain, b.T()); err != nil {
		return err
	}

	innovation := mat.NewVecDense(4, nil)

	for i := 0; i < 4; i++ {
		innovation.SetVec(i, m[i]-projMean.AtVec(i))
	}

	var delta mat.VecDense
	delta.MulVec(gain.T(), innovation)
	st.mean.AddVec(st.mean, &delta)

	var kp mat.Dense
	kp.Mul(gain.T(), projCov)

	var temp mat.Dense
	temp.Mul(&kp, &gain)

	var cov mat.Dense
	cov.Sub(st.cov, &temp)
	st.cov = &cov

	return nil
}
