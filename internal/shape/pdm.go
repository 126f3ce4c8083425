// Package shape provides a 2D point distribution model used to render
// landmark locations from shape parameters.
package shape

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"face-align/internal/expert"
	"face-align/pkg/geometry"
)

// PDM is a PCA point distribution model over 2D landmarks: a mean shape plus
// a linear basis of non-rigid deformation modes, posed by a global
// similarity transform.
type PDM struct {
	// mean holds the mean shape, x coordinates then y coordinates.
	mean []float64
	// basis is 2n x k, one column per deformation mode.
	basis *mat.Dense
	n     int
}

// NewPDM builds a model from a mean shape (length 2n, x block then y block)
// and an optional deformation basis with 2n rows.
func NewPDM(mean []float64, basis *mat.Dense) (*PDM, error) {
	if len(mean) == 0 || len(mean)%2 != 0 {
		return nil, fmt.Errorf("mean shape length %d is not an even positive number", len(mean))
	}
	if basis != nil {
		if r, _ := basis.Dims(); r != len(mean) {
			return nil, fmt.Errorf("basis has %d rows, mean shape has %d entries", r, len(mean))
		}
	}
	return &PDM{mean: mean, basis: basis, n: len(mean) / 2}, nil
}

// NumPoints returns the landmark count.
func (p *PDM) NumPoints() int {
	return p.n
}

// NumModes returns the number of non-rigid deformation modes.
func (p *PDM) NumModes() int {
	if p.basis == nil {
		return 0
	}
	_, k := p.basis.Dims()
	return k
}

// CalcShape2D renders the landmark positions for the given local parameters
// under a global pose. Only the in-plane rotation component (Rot[2]) affects
// 2D placement; yaw and pitch select the trained view elsewhere.
func (p *PDM) CalcShape2D(local []float64, pose expert.GlobalPose) []geometry.Point2D {
	shape := make([]float64, 2*p.n)
	copy(shape, p.mean)

	if p.basis != nil && len(local) > 0 {
		_, k := p.basis.Dims()
		for m := 0; m < k && m < len(local); m++ {
			if local[m] == 0 {
				continue
			}
			for i := 0; i < 2*p.n; i++ {
				shape[i] += p.basis.At(i, m) * local[m]
			}
		}
	}

	s := pose.Scale
	cos := math.Cos(pose.Rot[2])
	sin := math.Sin(pose.Rot[2])

	out := make([]geometry.Point2D, p.n)
	for i := 0; i < p.n; i++ {
		x := shape[i]
		y := shape[i+p.n]
		out[i] = geometry.Point2D{
			X: s*(cos*x-sin*y) + pose.Tx,
			Y: s*(sin*x+cos*y) + pose.Ty,
		}
	}
	return out
}
