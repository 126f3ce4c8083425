package expert

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// CCNFNeuron is one vertex feature of a CCNF patch expert.
type CCNFNeuron struct {
	Type        int
	NormWeights float64
	Bias        float64
	Alpha       float64
	// Weights is the height x width template patch.
	Weights *mat.Dense
}

// excitation evaluates the neuron gate on one normalized window.
func (n *CCNFNeuron) excitation(win *mat.Dense) float64 {
	h, w := n.Weights.Dims()
	var dot float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dot += n.Weights.At(y, x) * win.At(y, x)
		}
	}
	return 2.0 * n.Alpha / (1.0 + math.Exp(-(dot*n.NormWeights + n.Bias)))
}

// CCNF is a continuous conditional neural field patch expert. The sigma
// matrices that couple neighbouring response pixels are derived from shared
// per-window-size components and memoized on first use; the memoized state
// is the only mutable data on the expert and is guarded for concurrent
// Response calls.
type CCNF struct {
	Width, Height   int
	Neurons         []CCNFNeuron
	Betas           []float64
	PatchConfidence float64

	mu     sync.Mutex
	sigmas map[int]*mat.Dense

	// sigmaComputed, when set, observes each actual sigma computation.
	// Used by tests to verify memoization.
	sigmaComputed func(windowSize int)
}

// PatchSize returns the expert support size.
func (c *CCNF) PatchSize() (int, int) {
	return c.Width, c.Height
}

// Empty reports whether the expert holds no neurons.
func (c *CCNF) Empty() bool {
	return len(c.Neurons) == 0
}

// ComputeSigmas ensures the sigma matrix for the given window size is
// available, deriving it from the shared component set. The computation runs
// at most once per window size for the lifetime of the expert. An empty
// component set leaves the expert without a sigma for that window size.
func (c *CCNF) ComputeSigmas(components []*mat.Dense, windowSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sigmas[windowSize]; ok {
		return
	}
	if len(components) == 0 {
		return
	}

	n := windowSize * windowSize

	// SigmaInv = 2 * (sum_k alpha_k) * I + 2 * sum_q beta_q * S_q
	var alphaSum float64
	for i := range c.Neurons {
		alphaSum += c.Neurons[i].Alpha
	}

	sigmaInv := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		sigmaInv.Set(i, i, 2.0*alphaSum)
	}
	for q, comp := range components {
		if q >= len(c.Betas) {
			break
		}
		beta := c.Betas[q]
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				sigmaInv.Set(i, j, sigmaInv.At(i, j)+2.0*beta*comp.At(i, j))
			}
		}
	}

	var sigma mat.Dense
	if err := sigma.Inverse(sigmaInv); err != nil {
		return
	}

	if c.sigmas == nil {
		c.sigmas = make(map[int]*mat.Dense)
	}
	c.sigmas[windowSize] = &sigma

	if c.sigmaComputed != nil {
		c.sigmaComputed(windowSize)
	}
}

// sigma returns the memoized sigma matrix for a window size, or nil.
func (c *CCNF) sigma(windowSize int) *mat.Dense {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sigmas[windowSize]
}

// Response evaluates the expert over the area of interest, returning a
// windowSize x windowSize response map. Without a sigma for this window size
// the raw neuron excitations are returned uncoupled.
func (c *CCNF) Response(aoi *mat.Dense, windowSize int) *mat.Dense {
	n := windowSize * windowSize
	excite := mat.NewVecDense(n, nil)

	win := mat.NewDense(c.Height, c.Width, nil)
	for y := 0; y < windowSize; y++ {
		for x := 0; x < windowSize; x++ {
			normalizeWindow(aoi, x, y, c.Width, c.Height, win)

			var sum float64
			for i := range c.Neurons {
				sum += c.Neurons[i].excitation(win)
			}
			excite.SetVec(y*windowSize+x, sum)
		}
	}

	resp := mat.NewDense(windowSize, windowSize, nil)
	if sig := c.sigma(windowSize); sig != nil {
		var coupled mat.VecDense
		coupled.MulVec(sig, excite)
		for i := 0; i < n; i++ {
			resp.Set(i/windowSize, i%windowSize, coupled.AtVec(i))
		}
	} else {
		for i := 0; i < n; i++ {
			resp.Set(i/windowSize, i%windowSize, excite.AtVec(i))
		}
	}

	// Shift the map to non-negative scores.
	shiftToNonNegative(resp)
	return resp
}

// shiftToNonNegative subtracts the minimum from every element.
func shiftToNonNegative(m *mat.Dense) {
	min := mat.Min(m)
	if min >= 0 {
		return
	}
	r, c := m.Dims()
	for y := 0; y < r; y++ {
		for x := 0; x < c; x++ {
			m.Set(y, x, m.At(y, x)-min)
		}
	}
}
