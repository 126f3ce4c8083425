package expert

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCCNF_ComputeSigmasMemoizes(t *testing.T) {
	c, comps := testCCNF(3, 3, 5)

	var calls int
	c.sigmaComputed = func(ws int) {
		calls++
		assert.Equal(t, 5, ws)
	}

	c.ComputeSigmas(comps, 5)
	c.ComputeSigmas(comps, 5)
	c.ComputeSigmas(comps, 5)
	assert.Equal(t, 1, calls)
	require.NotNil(t, c.sigma(5))
}

func TestCCNF_ComputeSigmasEmptyComponents(t *testing.T) {
	c, _ := testCCNF(3, 3, 5)

	// No matching component group: the expert stays without coupling.
	c.ComputeSigmas(nil, 5)
	assert.Nil(t, c.sigma(5))
}

func TestCCNF_ComputeSigmasConcurrent(t *testing.T) {
	c, comps := testCCNF(3, 3, 5)

	var mu sync.Mutex
	calls := 0
	c.sigmaComputed = func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ComputeSigmas(comps, 5)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
}

func TestCCNF_ResponseDims(t *testing.T) {
	c, comps := testCCNF(3, 3, 5)
	c.ComputeSigmas(comps, 5)

	aoi := mat.NewDense(7, 7, nil)
	for y := 0; y < 7; y++ {
		for x := 0; x < 7; x++ {
			aoi.Set(y, x, float64((x+2*y)%5))
		}
	}

	resp := c.Response(aoi, 5)
	r, cDim := resp.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 5, cDim)
	assert.GreaterOrEqual(t, mat.Min(resp), 0.0)
}
