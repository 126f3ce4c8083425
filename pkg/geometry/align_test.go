package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAlignSimilarity_RecoversRotationAndScale checks that a known
// rotation+scale applied to a point set is recovered by the solver.
func TestAlignSimilarity_RecoversRotationAndScale(t *testing.T) {
	src := []Point2D{
		{X: 0, Y: 0},
		{X: 10, Y: 0},
		{X: 10, Y: 10},
		{X: 0, Y: 10},
		{X: 5, Y: 3},
	}

	theta := 0.3
	scale := 1.7
	want := Similarity{A: scale * math.Cos(theta), B: scale * math.Sin(theta)}

	dst := make([]Point2D, len(src))
	for i, p := range src {
		dst[i] = want.Apply(p).Add(Point2D{X: 42, Y: -17})
	}

	got := AlignSimilarity(src, dst)
	assert.InDelta(t, want.A, got.A, 1e-9)
	assert.InDelta(t, want.B, got.B, 1e-9)
	assert.InDelta(t, scale, got.Scale(), 1e-9)
	assert.InDelta(t, theta, got.Angle(), 1e-9)
}

func TestAlignSimilarity_Identity(t *testing.T) {
	pts := []Point2D{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: -1, Y: 0}}
	got := AlignSimilarity(pts, pts)
	assert.InDelta(t, 1.0, got.A, 1e-12)
	assert.InDelta(t, 0.0, got.B, 1e-12)
}

func TestAlignSimilarity_Degenerate(t *testing.T) {
	// Mismatched or empty inputs fall back to identity.
	got := AlignSimilarity(nil, nil)
	assert.Equal(t, Similarity{A: 1}, got)

	got = AlignSimilarity([]Point2D{{}}, []Point2D{{}, {}})
	assert.Equal(t, Similarity{A: 1}, got)
}

func TestSimilarity_InvertRoundTrip(t *testing.T) {
	s := Similarity{A: 1.2, B: -0.4}
	inv := s.Invert()

	p := Point2D{X: 3.5, Y: -2.25}
	back := inv.Apply(s.Apply(p))
	require.InDelta(t, p.X, back.X, 1e-12)
	require.InDelta(t, p.Y, back.Y, 1e-12)

	// Compose should give the identity block.
	id := s.Compose(inv)
	assert.InDelta(t, 1.0, id.A, 1e-12)
	assert.InDelta(t, 0.0, id.B, 1e-12)
}

func TestAffineTransform_InverseRoundTrip(t *testing.T) {
	tf := Rotation(0.5).Compose(Translation(3, -7))
	inv, ok := tf.Inverse()
	require.True(t, ok)

	p := Point2D{X: 11, Y: 4}
	back := inv.Apply(tf.Apply(p))
	assert.InDelta(t, p.X, back.X, 1e-9)
	assert.InDelta(t, p.Y, back.Y, 1e-9)
}
