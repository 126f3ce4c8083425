package expert

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"face-align/internal/imgproc"
	"face-align/pkg/geometry"
)

// stubModel is a minimal shape model: base landmark positions posed by
// uniform scale and translation only.
type stubModel struct {
	base []geometry.Point2D
}

func (s *stubModel) NumPoints() int {
	return len(s.base)
}

func (s *stubModel) CalcShape2D(local []float64, pose GlobalPose) []geometry.Point2D {
	out := make([]geometry.Point2D, len(s.base))
	for i, p := range s.base {
		out[i] = geometry.Point2D{
			X: p.X*pose.Scale + pose.Tx,
			Y: p.Y*pose.Scale + pose.Ty,
		}
	}
	return out
}

func testPlane(w, h int) *imgproc.Plane {
	p := imgproc.NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Non-flat texture so normalized windows are well defined.
			p.Pix[y*w+x] = float64((x*7+y*13)%31) + 0.5*float64(x%5)
		}
	}
	return p
}

func requireDims(t *testing.T, m *mat.Dense, rows, cols int) {
	t.Helper()
	require.NotNil(t, m)
	r, c := m.Dims()
	require.Equal(t, rows, r)
	require.Equal(t, cols, c)
}

func TestResponse_SVRPopulatesAllVisible(t *testing.T) {
	b := &Bank{
		family: FamilySVR,
		levels: []scaleLevel{{
			scale:      1,
			centers:    [][3]float64{{0, 0, 0}},
			visibility: [][]int{{1, 1, 1}},
			experts:    [][]PatchExpert{svrRow(3, 11, 11)},
		}},
	}

	model := &stubModel{base: []geometry.Point2D{
		{X: 30, Y: 30}, {X: 50, Y: 40}, {X: 40, Y: 55},
	}}
	img := testPlane(100, 100)

	responses := make([]*mat.Dense, 3)
	refToImg, imgToRef, err := b.Response(responses, img, model,
		GlobalPose{Scale: 1}, nil, 11, 0)
	require.NoError(t, err)

	for i := range responses {
		requireDims(t, responses[i], 11, 11)
	}

	// Identity pose against a unit reference scale: the similarity bridge
	// is the identity block both ways.
	assert.InDelta(t, 1.0, refToImg.A, 1e-9)
	assert.InDelta(t, 0.0, refToImg.B, 1e-9)
	assert.InDelta(t, 1.0, imgToRef.A, 1e-9)
}

func TestResponse_LeavesInvisibleLandmarksUntouched(t *testing.T) {
	b := &Bank{
		family: FamilySVR,
		levels: []scaleLevel{{
			scale:      1,
			centers:    [][3]float64{{0, 0, 0}},
			visibility: [][]int{{1, 0, 1}},
			experts:    [][]PatchExpert{svrRow(3, 5, 5)},
		}},
	}

	model := &stubModel{base: []geometry.Point2D{
		{X: 20, Y: 20}, {X: 30, Y: 30}, {X: 40, Y: 40},
	}}

	responses := make([]*mat.Dense, 3)
	_, _, err := b.Response(responses, testPlane(64, 64), model,
		GlobalPose{Scale: 1}, nil, 7, 0)
	require.NoError(t, err)

	assert.NotNil(t, responses[0])
	assert.Nil(t, responses[1])
	assert.NotNil(t, responses[2])
}

func testCEN(w, h int) *CEN {
	in := w * h
	weights := mat.NewDense(1, in, nil)
	for i := 0; i < in; i++ {
		weights.Set(0, i, float64(i%3)-1)
	}
	return &CEN{
		Width:  w,
		Height: h,
		Layers: []CENLayer{{
			Activation: cenSigmoid,
			Weights:    weights,
			Biases:     []float64{0.1},
		}},
		Confidence: 1,
	}
}

func TestResponse_CENJointMirrorPopulatesBothSlots(t *testing.T) {
	full := testCEN(3, 3)
	empty := &CEN{Width: 3, Height: 3}

	b := &Bank{
		family: FamilyCEN,
		mirror: NewMirrorMap([]int{1, 0}, []int{0}),
		levels: []scaleLevel{{
			scale:      1,
			centers:    [][3]float64{{0, 0, 0}},
			visibility: [][]int{{1, 1}},
			experts:    [][]PatchExpert{{full, empty}},
		}},
	}

	model := &stubModel{base: []geometry.Point2D{
		{X: 25, Y: 30}, {X: 45, Y: 30},
	}}

	responses := make([]*mat.Dense, 2)
	_, _, err := b.Response(responses, testPlane(80, 80), model,
		GlobalPose{Scale: 1}, nil, 7, 0)
	require.NoError(t, err)

	// Landmark 1 has no trained record: the single joint evaluation
	// triggered by landmark 0 must fill both maps.
	requireDims(t, responses[0], 7, 7)
	requireDims(t, responses[1], 7, 7)
}

func TestResponse_CENSelfMirrorStandalone(t *testing.T) {
	b := &Bank{
		family: FamilyCEN,
		mirror: NewMirrorMap([]int{0}, []int{0}),
		levels: []scaleLevel{{
			scale:      1,
			centers:    [][3]float64{{0, 0, 0}},
			visibility: [][]int{{1}},
			experts:    [][]PatchExpert{{testCEN(3, 3)}},
		}},
	}

	model := &stubModel{base: []geometry.Point2D{{X: 30, Y: 30}}}

	responses := make([]*mat.Dense, 1)
	_, _, err := b.Response(responses, testPlane(64, 64), model,
		GlobalPose{Scale: 1}, nil, 5, 0)
	require.NoError(t, err)
	requireDims(t, responses[0], 5, 5)
}

func TestResponse_CENNonFrontalUsesMirrorExpert(t *testing.T) {
	full := testCEN(3, 3)
	empty := &CEN{Width: 3, Height: 3}

	// View 1 has the trained slot only for landmark 0; landmark 1 must fall
	// back to view 2's expert for its mirror landmark.
	b := &Bank{
		family: FamilyCEN,
		mirror: NewMirrorMap([]int{1, 0}, []int{0, 2, 1}),
		levels: []scaleLevel{{
			scale: 1,
			centers: [][3]float64{
				{0, 0, 0},
				{0.5, 0, 0},
				{-0.5, 0, 0},
			},
			visibility: [][]int{
				{1, 1},
				{1, 1},
				{1, 1},
			},
			experts: [][]PatchExpert{
				{full, full},
				{full, empty},
				{full, empty},
			},
		}},
	}

	model := &stubModel{base: []geometry.Point2D{
		{X: 25, Y: 30}, {X: 45, Y: 30},
	}}

	responses := make([]*mat.Dense, 2)
	_, _, err := b.Response(responses, testPlane(80, 80), model,
		GlobalPose{Scale: 1, Rot: [3]float64{0.5, 0, 0}}, nil, 5, 0)
	require.NoError(t, err)

	requireDims(t, responses[0], 5, 5)
	requireDims(t, responses[1], 5, 5)
}

func testCCNF(w, h, windowSize int) (*CCNF, []*mat.Dense) {
	c := &CCNF{
		Width:  w,
		Height: h,
		Neurons: []CCNFNeuron{
			{NormWeights: 1, Bias: 0, Alpha: 0.5, Weights: onesPatch(w, h)},
		},
		Betas:           []float64{0.25},
		PatchConfidence: 1,
	}

	n := windowSize * windowSize
	comp := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		comp.Set(i, i, 1)
	}
	return c, []*mat.Dense{comp}
}

func TestResponse_CCNFSigmaMemoization(t *testing.T) {
	const windowSize = 5

	c, comps := testCCNF(3, 3, windowSize)

	var computed atomic.Int32
	c.sigmaComputed = func(int) {
		computed.Add(1)
	}

	b := &Bank{
		family:          FamilyCCNF,
		sigmaWindows:    []int{windowSize},
		sigmaComponents: [][]*mat.Dense{comps},
		levels: []scaleLevel{{
			scale:      1,
			centers:    [][3]float64{{0, 0, 0}},
			visibility: [][]int{{1}},
			experts:    [][]PatchExpert{{c}},
		}},
	}

	model := &stubModel{base: []geometry.Point2D{{X: 30, Y: 30}}}
	img := testPlane(64, 64)

	responses := make([]*mat.Dense, 1)
	_, _, err := b.Response(responses, img, model, GlobalPose{Scale: 1}, nil, windowSize, 0)
	require.NoError(t, err)
	requireDims(t, responses[0], windowSize, windowSize)
	require.Equal(t, int32(1), computed.Load())

	// A second call with the same window size reuses the memoized sigma.
	responses = make([]*mat.Dense, 1)
	_, _, err = b.Response(responses, img, model, GlobalPose{Scale: 1}, nil, windowSize, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), computed.Load())
}

func TestResponse_BadArguments(t *testing.T) {
	b := &Bank{
		family: FamilySVR,
		levels: []scaleLevel{{
			scale:      1,
			centers:    [][3]float64{{0, 0, 0}},
			visibility: [][]int{{1}},
			experts:    [][]PatchExpert{svrRow(1, 3, 3)},
		}},
	}
	model := &stubModel{base: []geometry.Point2D{{X: 10, Y: 10}}}
	img := testPlane(32, 32)

	_, _, err := b.Response(make([]*mat.Dense, 2), img, model, GlobalPose{Scale: 1}, nil, 5, 0)
	assert.Error(t, err)

	_, _, err = b.Response(make([]*mat.Dense, 1), img, model, GlobalPose{Scale: 1}, nil, 5, 3)
	assert.Error(t, err)
}
