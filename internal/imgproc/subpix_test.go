package imgproc

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"face-align/pkg/geometry"
)

func gradientPlane(w, h int) *Plane {
	p := NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p.Pix[y*w+x] = float64(x + 10*y)
		}
	}
	return p
}

func TestQuadrangleSubPix_IdentityCrop(t *testing.T) {
	p := gradientPlane(20, 20)

	// Axis-aligned crop centered at (10, 10).
	tf := geometry.Translation(10, 10)
	patch := QuadrangleSubPix(p, 5, 5, tf)

	rows, cols := patch.Dims()
	require.Equal(t, 5, rows)
	require.Equal(t, 5, cols)

	// Patch pixel (0,0) maps to image (8,8).
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			assert.InDelta(t, p.At(8+x, 8+y), patch.At(y, x), 1e-12)
		}
	}
}

func TestQuadrangleSubPix_SubPixelTranslation(t *testing.T) {
	p := gradientPlane(20, 20)

	// Half-pixel shift on a linear ramp interpolates exactly.
	tf := geometry.Translation(10.5, 10.5)
	patch := QuadrangleSubPix(p, 3, 3, tf)

	assert.InDelta(t, p.At(10, 10)+0.5+5.0, patch.At(1, 1), 1e-12)
}

func TestQuadrangleSubPix_BorderReplication(t *testing.T) {
	p := gradientPlane(4, 4)

	// Crop centered outside the image clamps to the nearest edge pixels.
	tf := geometry.Translation(-10, -10)
	patch := QuadrangleSubPix(p, 3, 3, tf)
	assert.InDelta(t, p.At(0, 0), patch.At(0, 0), 1e-12)
	assert.InDelta(t, p.At(0, 0), patch.At(2, 2), 1e-12)
}

func TestQuadrangleSubPix_Rotation(t *testing.T) {
	p := gradientPlane(30, 30)

	// A 90 degree rotation swaps the gradient axes: stepping along patch x
	// must follow the image y gradient.
	tf := geometry.Rotation(math.Pi / 2)
	tf.TX, tf.TY = 15, 15
	patch := QuadrangleSubPix(p, 5, 5, tf)

	dx := patch.At(2, 3) - patch.At(2, 2)
	assert.InDelta(t, 10.0, dx, 1e-9)
}

func TestFromGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.Pix = []byte{1, 2, 3, 4, 5, 6}

	p := FromGray(img)
	require.Equal(t, 3, p.Width)
	require.Equal(t, 2, p.Height)
	assert.Equal(t, 6.0, p.At(2, 1))
}

func TestFromBytes_SizeMismatch(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3}, 2, 2)
	assert.Error(t, err)
}
