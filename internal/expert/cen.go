package expert

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Activation codes for CEN layers.
const (
	cenSigmoid = iota
	cenTanh
	cenReLU
	cenLinear
)

// CENLayer is one fully connected layer of a convolutional expert network.
type CENLayer struct {
	Activation int
	// Weights is out x in.
	Weights *mat.Dense
	Biases  []float64
}

// CEN is a convolutional expert network patch expert. A CEN record with no
// layers is an empty mirror slot: its response is produced jointly with its
// mirror partner, or by the mirror view's expert.
type CEN struct {
	Width, Height int
	Layers        []CENLayer
	Confidence    float64
}

// PatchSize returns the expert support size.
func (e *CEN) PatchSize() (int, int) {
	return e.Width, e.Height
}

// Empty reports whether the slot holds no trained layers.
func (e *CEN) Empty() bool {
	return len(e.Layers) == 0
}

// gridCoords returns the sparse evaluation offsets for n response pixels:
// every second offset, always including the last.
func gridCoords(n int) []int {
	if n <= 0 {
		return nil
	}
	var g []int
	for x := 0; x < n; x += 2 {
		g = append(g, x)
	}
	if g[len(g)-1] != n-1 {
		g = append(g, n-1)
	}
	return g
}

// InterpolationMatrix builds the dense bilinear interpolation operator that
// recovers a full respW x respH response map from evaluations on the sparse
// grid returned by gridCoords. Rows are full pixels (row-major), columns are
// grid points (row-major).
func InterpolationMatrix(respW, respH int) *mat.Dense {
	gx := gridCoords(respW)
	gy := gridCoords(respH)

	m := mat.NewDense(respW*respH, len(gx)*len(gy), nil)

	for y := 0; y < respH; y++ {
		yi, yw := interpWeight(gy, y)
		for x := 0; x < respW; x++ {
			xi, xw := interpWeight(gx, x)
			row := y*respW + x

			m.Set(row, yi*len(gx)+xi, yw*xw)
			if xw < 1 {
				m.Set(row, yi*len(gx)+xi+1, yw*(1-xw))
			}
			if yw < 1 {
				m.Set(row, (yi+1)*len(gx)+xi, (1-yw)*xw)
				if xw < 1 {
					m.Set(row, (yi+1)*len(gx)+xi+1, (1-yw)*(1-xw))
				}
			}
		}
	}
	return m
}

// interpWeight locates coordinate v in the sorted grid and returns the index
// of the lower grid point and its linear weight. A weight of 1 means v sits
// exactly on grid[i].
func interpWeight(grid []int, v int) (int, float64) {
	for i := len(grid) - 1; i >= 0; i-- {
		if grid[i] == v {
			return i, 1
		}
		if grid[i] < v {
			span := float64(grid[i+1] - grid[i])
			return i, 1 - float64(v-grid[i])/span
		}
	}
	return 0, 1
}

// windowsAt builds the contrast normalized input rows for the sparse grid
// offsets of the area of interest.
func (e *CEN) windowsAt(aoi *mat.Dense, gx, gy []int) *mat.Dense {
	win := mat.NewDense(e.Height, e.Width, nil)
	X := mat.NewDense(len(gx)*len(gy), e.Width*e.Height, nil)

	for yi, y := range gy {
		for xi, x := range gx {
			normalizeWindow(aoi, x, y, e.Width, e.Height, win)
			row := yi*len(gx) + xi
			for wy := 0; wy < e.Height; wy++ {
				for wx := 0; wx < e.Width; wx++ {
					X.Set(row, wy*e.Width+wx, win.At(wy, wx))
				}
			}
		}
	}
	return X
}

// forward runs the layer stack over a batch of input rows and returns one
// score per row.
func (e *CEN) forward(X *mat.Dense) *mat.VecDense {
	cur := X
	for li := range e.Layers {
		l := &e.Layers[li]
		out, _ := l.Weights.Dims()
		rows, _ := cur.Dims()

		next := mat.NewDense(rows, out, nil)
		next.Mul(cur, l.Weights.T())
		for r := 0; r < rows; r++ {
			for c := 0; c < out; c++ {
				next.Set(r, c, activate(l.Activation, next.At(r, c)+l.Biases[c]))
			}
		}
		cur = next
	}

	rows, _ := cur.Dims()
	out := mat.NewVecDense(rows, nil)
	for r := 0; r < rows; r++ {
		out.SetVec(r, cur.At(r, 0))
	}
	return out
}

func activate(kind int, v float64) float64 {
	switch kind {
	case cenSigmoid:
		return 1.0 / (1.0 + math.Exp(-v))
	case cenTanh:
		return math.Tanh(v)
	case cenReLU:
		if v < 0 {
			return 0
		}
		return v
	}
	return v
}

// ResponseSparse evaluates the expert on the sparse grid of the area of
// interest and interpolates back to the full response size with the shared
// interpolation matrix.
func (e *CEN) ResponseSparse(aoi, interp *mat.Dense) *mat.Dense {
	aoiH, aoiW := aoi.Dims()
	respW := aoiW - e.Width + 1
	respH := aoiH - e.Height + 1

	gx := gridCoords(respW)
	gy := gridCoords(respH)

	sparse := e.forward(e.windowsAt(aoi, gx, gy))
	return e.interpolate(sparse, interp, respW, respH)
}

// ResponseSparseMirrorJoint evaluates the expert and its mirror partner in a
// single forward pass: the partner's area of interest is evaluated flipped,
// and its response flipped back. Returns the expert's response followed by
// the partner's.
func (e *CEN) ResponseSparseMirrorJoint(aoi, aoiMirror, interp *mat.Dense) (*mat.Dense, *mat.Dense) {
	aoiH, aoiW := aoi.Dims()
	respW := aoiW - e.Width + 1
	respH := aoiH - e.Height + 1

	gx := gridCoords(respW)
	gy := gridCoords(respH)

	own := e.windowsAt(aoi, gx, gy)
	mirr := e.windowsAt(flipColumns(aoiMirror), gx, gy)

	rows, cols := own.Dims()
	joint := mat.NewDense(2*rows, cols, nil)
	joint.Slice(0, rows, 0, cols).(*mat.Dense).Copy(own)
	joint.Slice(rows, 2*rows, 0, cols).(*mat.Dense).Copy(mirr)

	scores := e.forward(joint)

	sparse := mat.NewVecDense(rows, nil)
	sparseMirr := mat.NewVecDense(rows, nil)
	for r := 0; r < rows; r++ {
		sparse.SetVec(r, scores.AtVec(r))
		sparseMirr.SetVec(r, scores.AtVec(rows+r))
	}

	resp := e.interpolate(sparse, interp, respW, respH)
	respMirror := flipColumns(e.interpolate(sparseMirr, interp, respW, respH))
	return resp, respMirror
}

// ResponseSparseMirror evaluates a mirrored landmark with this (mirror view)
// expert, flipping the input into the expert's frame and the response back
// out of it.
func (e *CEN) ResponseSparseMirror(aoi, interp *mat.Dense) *mat.Dense {
	return flipColumns(e.ResponseSparse(flipColumns(aoi), interp))
}

// interpolate expands the sparse score vector to the full response map,
// using the shared interpolation matrix when its shape matches and building
// a local one otherwise.
func (e *CEN) interpolate(sparse *mat.VecDense, interp *mat.Dense, respW, respH int) *mat.Dense {
	if interp == nil {
		interp = InterpolationMatrix(respW, respH)
	} else if r, c := interp.Dims(); r != respW*respH || c != sparse.Len() {
		interp = InterpolationMatrix(respW, respH)
	}

	var full mat.VecDense
	full.MulVec(interp, sparse)

	resp := mat.NewDense(respH, respW, nil)
	for i := 0; i < respW*respH; i++ {
		resp.Set(i/respW, i%respW, full.AtVec(i))
	}
	return resp
}

// flipColumns returns a left-right mirrored copy of a matrix.
func flipColumns(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for y := 0; y < r; y++ {
		for x := 0; x < c; x++ {
			out.Set(y, c-1-x, m.At(y, x))
		}
	}
	return out
}
