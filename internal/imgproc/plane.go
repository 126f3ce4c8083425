// Package imgproc provides grayscale pixel planes and the sub-pixel patch
// extraction used to cut oriented areas of interest out of an image.
package imgproc

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Plane is a single-channel float64 image, row-major.
type Plane struct {
	Width  int
	Height int
	Pix    []float64
}

// NewPlane allocates a zeroed plane of the given size.
func NewPlane(width, height int) *Plane {
	return &Plane{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
	}
}

// FromGray converts a stdlib grayscale image into a plane.
func FromGray(img *image.Gray) *Plane {
	b := img.Bounds()
	p := NewPlane(b.Dx(), b.Dy())
	for y := 0; y < p.Height; y++ {
		row := img.Pix[(y+b.Min.Y-img.Rect.Min.Y)*img.Stride:]
		for x := 0; x < p.Width; x++ {
			p.Pix[y*p.Width+x] = float64(row[x+b.Min.X-img.Rect.Min.X])
		}
	}
	return p
}

// FromBytes wraps raw row-major 8-bit pixels as a plane.
func FromBytes(pix []byte, width, height int) (*Plane, error) {
	if len(pix) != width*height {
		return nil, fmt.Errorf("pixel buffer size %d does not match %dx%d", len(pix), width, height)
	}
	p := NewPlane(width, height)
	for i, v := range pix {
		p.Pix[i] = float64(v)
	}
	return p, nil
}

// At returns the pixel value at (x, y), clamping coordinates to the plane
// bounds (border replication).
func (p *Plane) At(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= p.Width {
		x = p.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.Height {
		y = p.Height - 1
	}
	return p.Pix[y*p.Width+x]
}

// Bilinear samples the plane at a fractional position with bilinear
// interpolation and replicated borders.
func (p *Plane) Bilinear(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	v00 := p.At(x0, y0)
	v10 := p.At(x0+1, y0)
	v01 := p.At(x0, y0+1)
	v11 := p.At(x0+1, y0+1)

	top := v00 + fx*(v10-v00)
	bot := v01 + fx*(v11-v01)
	return top + fy*(bot-top)
}

// Mat copies the plane into a dense matrix (rows = height).
func (p *Plane) Mat() *mat.Dense {
	m := mat.NewDense(p.Height, p.Width, nil)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			m.Set(y, x, p.Pix[y*p.Width+x])
		}
	}
	return m
}
