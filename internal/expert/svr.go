package expert

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SVR is a single support-vector-regression patch expert: a weight patch
// correlated against the normalized image window and squashed through a
// logistic function.
type SVR struct {
	Type       int
	Confidence float64
	Scaling    float64
	Bias       float64
	// Weights is the height x width template patch.
	Weights *mat.Dense
}

// response evaluates the logistic regressor on one normalized window laid
// out as a height x width matrix.
func (s *SVR) response(win *mat.Dense) float64 {
	h, w := s.Weights.Dims()
	var dot float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dot += s.Weights.At(y, x) * win.At(y, x)
		}
	}
	return 1.0 / (1.0 + math.Exp(-(dot*s.Scaling + s.Bias)))
}

// MultiSVR is the per-landmark SVR record: one regressor per trained
// modality, combined by confidence-weighted averaging.
type MultiSVR struct {
	Width, Height int
	Experts       []SVR
}

// PatchSize returns the expert support size.
func (m *MultiSVR) PatchSize() (int, int) {
	return m.Width, m.Height
}

// Empty reports whether the record holds no regressors.
func (m *MultiSVR) Empty() bool {
	return len(m.Experts) == 0
}

// Response slides the regressors over the area of interest and returns a
// windowSize x windowSize response map. The area of interest must be
// windowSize + patch - 1 on each side.
func (m *MultiSVR) Response(aoi *mat.Dense, windowSize int) *mat.Dense {
	resp := mat.NewDense(windowSize, windowSize, nil)

	win := mat.NewDense(m.Height, m.Width, nil)
	for y := 0; y < windowSize; y++ {
		for x := 0; x < windowSize; x++ {
			normalizeWindow(aoi, x, y, m.Width, m.Height, win)

			var sum, conf float64
			for i := range m.Experts {
				e := &m.Experts[i]
				sum += e.Confidence * e.response(win)
				conf += e.Confidence
			}
			if conf > 0 {
				sum /= conf
			}
			resp.Set(y, x, sum)
		}
	}
	return resp
}

// normalizeWindow copies the w x h window of aoi at offset (x0, y0) into dst,
// subtracting the mean and dividing by the L2 norm. A flat window comes out
// all zero.
func normalizeWindow(aoi *mat.Dense, x0, y0, w, h int, dst *mat.Dense) {
	var sum float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum += aoi.At(y0+y, x0+x)
		}
	}
	mean := sum / float64(w*h)

	var norm float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := aoi.At(y0+y, x0+x) - mean
			dst.Set(y, x, v)
			norm += v * v
		}
	}
	if norm < 1e-12 {
		return
	}
	norm = math.Sqrt(norm)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(y, x, dst.At(y, x)/norm)
		}
	}
}
