package imgproc

import (
	"gonum.org/v1/gonum/mat"

	"face-align/pkg/geometry"
)

// QuadrangleSubPix extracts an oriented, scaled rectangular patch from the
// plane with sub-pixel accuracy. The transform maps patch coordinates,
// measured from the patch center, into image coordinates:
//
//	imgX = a*px + b*py + tx
//	imgY = c*px + d*py + ty
//
// Pixels sampled outside the plane replicate the border. The result is a
// height x width dense matrix.
func QuadrangleSubPix(p *Plane, width, height int, tf geometry.AffineTransform) *mat.Dense {
	out := mat.NewDense(height, width, nil)

	cx := float64(width-1) / 2
	cy := float64(height-1) / 2

	for y := 0; y < height; y++ {
		py := float64(y) - cy
		for x := 0; x < width; x++ {
			px := float64(x) - cx
			sx := tf.A*px + tf.B*py + tf.TX
			sy := tf.C*px + tf.D*py + tf.TY
			out.Set(y, x, p.Bilinear(sx, sy))
		}
	}
	return out
}
