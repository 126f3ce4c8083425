package expert

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Option configures bank loading.
type Option func(*Bank)

// WithLogger sets the logger used during loading and response computation.
func WithLogger(log *zap.Logger) Option {
	return func(b *Bank) {
		b.log = log
	}
}

// Load reads trained patch expert banks from disk. Each path list holds one
// file per scale level; empty lists leave that family unused. Families are
// loaded in SVR, CCNF, CEN order and each later family replaces the scale,
// view and visibility tables of the earlier ones, so the last non-empty list
// decides the bank's active family.
//
// A file that cannot be opened or parsed fails the load for its family; the
// bank built so far is returned alongside the error so the caller can decide
// whether to continue without that modality.
func Load(svrPaths, ccnfPaths, cenPaths []string, earlyTermPath string, opts ...Option) (*Bank, error) {
	b := &Bank{log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	if len(svrPaths) > 0 {
		b.family = FamilySVR
		b.levels = make([]scaleLevel, len(svrPaths))
		for scale, path := range svrPaths {
			b.log.Info("loading SVR patch experts", zap.Int("scale", scale), zap.String("path", path))
			lvl, err := loadSVRFile(path)
			if err != nil {
				return b, fmt.Errorf("svr scale %d: %w", scale, err)
			}
			b.levels[scale] = lvl
		}
	}

	if len(ccnfPaths) > 0 {
		b.family = FamilyCCNF
		b.levels = make([]scaleLevel, len(ccnfPaths))
		for scale, path := range ccnfPaths {
			b.log.Info("loading CCNF patch experts", zap.Int("scale", scale), zap.String("path", path))
			lvl, windows, components, err := loadCCNFFile(path)
			if err != nil {
				return b, fmt.Errorf("ccnf scale %d: %w", scale, err)
			}
			b.levels[scale] = lvl
			b.sigmaWindows = windows
			b.sigmaComponents = components
		}
	}

	if len(cenPaths) > 0 {
		b.family = FamilyCEN
		b.levels = make([]scaleLevel, len(cenPaths))
		for scale, path := range cenPaths {
			b.log.Info("loading CEN patch experts", zap.Int("scale", scale), zap.String("path", path))
			lvl, mirror, err := loadCENFile(path)
			if err != nil {
				return b, fmt.Errorf("cen scale %d: %w", scale, err)
			}
			b.levels[scale] = lvl
			b.mirror = mirror
		}
	}

	if earlyTermPath != "" {
		if err := b.loadEarlyTermination(earlyTermPath); err != nil {
			return b, fmt.Errorf("early termination parameters: %w", err)
		}
	}

	if err := b.validate(); err != nil {
		return b, err
	}
	return b, nil
}

// loadEarlyTermination reads the optional weights, biases and cutoffs for
// the landmarks of scale level 0, in that fixed order.
func (b *Bank) loadEarlyTermination(path string) error {
	if len(b.levels) == 0 || len(b.levels[0].visibility) == 0 {
		return fmt.Errorf("no loaded scale levels to size parameters against")
	}
	n := len(b.levels[0].visibility[0])

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := newTextReader(f)
	read := func() ([]float64, error) {
		out := make([]float64, n)
		for i := range out {
			v, err := r.readFloat()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if b.earlyTerm.Weights, err = read(); err != nil {
		return err
	}
	if b.earlyTerm.Biases, err = read(); err != nil {
		return err
	}
	if b.earlyTerm.Cutoffs, err = read(); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// SVR text format

// textReader tokenizes a whitespace separated text stream, skipping comment
// lines that start with '#'.
type textReader struct {
	scanner *bufio.Scanner
	tokens  []string
}

func newTextReader(r io.Reader) *textReader {
	return &textReader{scanner: bufio.NewScanner(r)}
}

func (t *textReader) next() (string, error) {
	for len(t.tokens) == 0 {
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		line := strings.TrimSpace(t.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t.tokens = strings.Fields(line)
	}
	tok := t.tokens[0]
	t.tokens = t.tokens[1:]
	return tok, nil
}

func (t *textReader) readInt() (int, error) {
	tok, err := t.next()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(tok)
}

func (t *textReader) readFloat() (float64, error) {
	tok, err := t.next()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(tok, 64)
}

// readMat reads a rows cols header followed by rows*cols values.
func (t *textReader) readMat() (*mat.Dense, error) {
	rows, err := t.readInt()
	if err != nil {
		return nil, err
	}
	cols, err := t.readInt()
	if err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("bad matrix size %dx%d", rows, cols)
	}
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v, err := t.readFloat()
			if err != nil {
				return nil, err
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}

func loadSVRFile(path string) (scaleLevel, error) {
	f, err := os.Open(path)
	if err != nil {
		return scaleLevel{}, err
	}
	defer f.Close()

	r := newTextReader(f)
	var lvl scaleLevel

	if lvl.scale, err = r.readFloat(); err != nil {
		return lvl, fmt.Errorf("scale: %w", err)
	}
	numViews, err := r.readInt()
	if err != nil {
		return lvl, fmt.Errorf("view count: %w", err)
	}

	lvl.centers = make([][3]float64, numViews)
	for i := range lvl.centers {
		c, err := r.readMat()
		if err != nil {
			return lvl, fmt.Errorf("view %d center: %w", i, err)
		}
		lvl.centers[i] = centerToRadians(c)
	}

	lvl.visibility = make([][]int, numViews)
	for i := range lvl.visibility {
		v, err := r.readMat()
		if err != nil {
			return lvl, fmt.Errorf("view %d visibility: %w", i, err)
		}
		lvl.visibility[i] = matToIntColumn(v)
	}

	numPoints := len(lvl.visibility[0])
	lvl.experts = make([][]PatchExpert, numViews)
	for i := range lvl.experts {
		lvl.experts[i] = make([]PatchExpert, numPoints)
		for j := 0; j < numPoints; j++ {
			e, err := readMultiSVR(r)
			if err != nil {
				return lvl, fmt.Errorf("view %d landmark %d: %w", i, j, err)
			}
			lvl.experts[i][j] = e
		}
	}
	return lvl, nil
}

// readMultiSVR reads one per-landmark SVR record: patch type, support size,
// modality count, then per modality its regressor parameters and weights.
func readMultiSVR(r *textReader) (*MultiSVR, error) {
	if _, err := r.readInt(); err != nil { // patch type, unused
		return nil, err
	}
	width, err := r.readInt()
	if err != nil {
		return nil, err
	}
	height, err := r.readInt()
	if err != nil {
		return nil, err
	}
	numModalities, err := r.readInt()
	if err != nil {
		return nil, err
	}

	m := &MultiSVR{Width: width, Height: height, Experts: make([]SVR, numModalities)}
	for i := range m.Experts {
		e := &m.Experts[i]
		if e.Type, err = r.readInt(); err != nil {
			return nil, err
		}
		if e.Confidence, err = r.readFloat(); err != nil {
			return nil, err
		}
		if e.Scaling, err = r.readFloat(); err != nil {
			return nil, err
		}
		if e.Bias, err = r.readFloat(); err != nil {
			return nil, err
		}
		if e.Weights, err = r.readMat(); err != nil {
			return nil, err
		}
		if wr, wc := e.Weights.Dims(); wr != height || wc != width {
			return nil, fmt.Errorf("weights %dx%d do not match patch %dx%d", wr, wc, height, width)
		}
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Binary formats (CCNF, CEN); little-endian, fixed width fields.

// Element type codes of the binary matrix encoding, matching OpenCV depth
// codes.
const (
	matInt32   = 4
	matFloat32 = 5
	matFloat64 = 6
)

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readFloat64(r io.Reader) (float64, error) {
	var v float64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// readMatBin reads the binary matrix encoding: int32 rows, cols, element
// type, then the row-major elements.
func readMatBin(r io.Reader) (*mat.Dense, error) {
	rows, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	cols, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	elem, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("bad matrix size %dx%d", rows, cols)
	}

	m := mat.NewDense(int(rows), int(cols), nil)
	for i := 0; i < int(rows); i++ {
		for j := 0; j < int(cols); j++ {
			var v float64
			switch elem {
			case matInt32:
				iv, err := readInt32(r)
				if err != nil {
					return nil, err
				}
				v = float64(iv)
			case matFloat32:
				var fv float32
				if err := binary.Read(r, binary.LittleEndian, &fv); err != nil {
					return nil, err
				}
				v = float64(fv)
			case matFloat64:
				if v, err = readFloat64(r); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("unknown matrix element type %d", elem)
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// readBinHeader reads the shared binary preamble: scale, view count, then
// per-view orientation centers (degrees, converted here) and visibility
// matrices.
func readBinHeader(r io.Reader, lvl *scaleLevel) error {
	var err error
	if lvl.scale, err = readFloat64(r); err != nil {
		return fmt.Errorf("scale: %w", err)
	}
	numViews, err := readInt32(r)
	if err != nil {
		return fmt.Errorf("view count: %w", err)
	}
	if numViews <= 0 {
		return fmt.Errorf("bad view count %d", numViews)
	}

	lvl.centers = make([][3]float64, numViews)
	for i := range lvl.centers {
		c, err := readMatBin(r)
		if err != nil {
			return fmt.Errorf("view %d center: %w", i, err)
		}
		lvl.centers[i] = centerToRadians(c)
	}

	lvl.visibility = make([][]int, numViews)
	for i := range lvl.visibility {
		v, err := readMatBin(r)
		if err != nil {
			return fmt.Errorf("view %d visibility: %w", i, err)
		}
		lvl.visibility[i] = matToIntColumn(v)
	}
	return nil
}

func loadCCNFFile(path string) (scaleLevel, []int, [][]*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return scaleLevel{}, nil, nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var lvl scaleLevel
	if err := readBinHeader(r, &lvl); err != nil {
		return lvl, nil, nil, err
	}
	numPoints := len(lvl.visibility[0])

	numWindows, err := readInt32(r)
	if err != nil {
		return lvl, nil, nil, fmt.Errorf("window size group count: %w", err)
	}
	windows := make([]int, numWindows)
	components := make([][]*mat.Dense, numWindows)
	for w := range windows {
		ws, err := readInt32(r)
		if err != nil {
			return lvl, nil, nil, err
		}
		windows[w] = int(ws)

		numComp, err := readInt32(r)
		if err != nil {
			return lvl, nil, nil, err
		}
		components[w] = make([]*mat.Dense, numComp)
		for s := range components[w] {
			if components[w][s], err = readMatBin(r); err != nil {
				return lvl, nil, nil, fmt.Errorf("sigma component %d/%d: %w", w, s, err)
			}
		}
	}

	lvl.experts = make([][]PatchExpert, len(lvl.centers))
	for i := range lvl.experts {
		lvl.experts[i] = make([]PatchExpert, numPoints)
		for j := 0; j < numPoints; j++ {
			e, err := readCCNF(r)
			if err != nil {
				return lvl, nil, nil, fmt.Errorf("view %d landmark %d: %w", i, j, err)
			}
			lvl.experts[i][j] = e
		}
	}
	return lvl, windows, components, nil
}

// readCCNF reads one CCNF expert record: support size, neuron bank, betas
// and patch confidence.
func readCCNF(r io.Reader) (*CCNF, error) {
	width, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	height, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	numNeurons, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	c := &CCNF{Width: int(width), Height: int(height), Neurons: make([]CCNFNeuron, numNeurons)}
	for i := range c.Neurons {
		n := &c.Neurons[i]
		nt, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		n.Type = int(nt)
		if n.NormWeights, err = readFloat64(r); err != nil {
			return nil, err
		}
		if n.Bias, err = readFloat64(r); err != nil {
			return nil, err
		}
		if n.Alpha, err = readFloat64(r); err != nil {
			return nil, err
		}
		if n.Weights, err = readMatBin(r); err != nil {
			return nil, err
		}
	}

	numBetas, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	c.Betas = make([]float64, numBetas)
	for i := range c.Betas {
		if c.Betas[i], err = readFloat64(r); err != nil {
			return nil, err
		}
	}

	if c.PatchConfidence, err = readFloat64(r); err != nil {
		return nil, err
	}
	return c, nil
}

func loadCENFile(path string) (scaleLevel, MirrorMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return scaleLevel{}, MirrorMap{}, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var lvl scaleLevel
	if err := readBinHeader(r, &lvl); err != nil {
		return lvl, MirrorMap{}, err
	}
	numPoints := len(lvl.visibility[0])

	mirrorInds, err := readMatBin(r)
	if err != nil {
		return lvl, MirrorMap{}, fmt.Errorf("mirror landmark indices: %w", err)
	}
	mirrorViews, err := readMatBin(r)
	if err != nil {
		return lvl, MirrorMap{}, fmt.Errorf("mirror view indices: %w", err)
	}
	mirror := NewMirrorMap(matToIntColumn(mirrorInds), matToIntColumn(mirrorViews))

	lvl.experts = make([][]PatchExpert, len(lvl.centers))
	for i := range lvl.experts {
		lvl.experts[i] = make([]PatchExpert, numPoints)
		for j := 0; j < numPoints; j++ {
			e, err := readCEN(r)
			if err != nil {
				return lvl, mirror, fmt.Errorf("view %d landmark %d: %w", i, j, err)
			}
			lvl.experts[i][j] = e
		}
	}
	return lvl, mirror, nil
}

// readCEN reads one CEN expert record. A record with zero layers is an empty
// mirror slot.
func readCEN(r io.Reader) (*CEN, error) {
	width, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	height, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	numLayers, err := readInt32(r)
	if err != nil {
		return nil, err
	}

	e := &CEN{Width: int(width), Height: int(height)}
	if numLayers > 0 {
		e.Layers = make([]CENLayer, numLayers)
		for i := range e.Layers {
			l := &e.Layers[i]
			act, err := readInt32(r)
			if err != nil {
				return nil, err
			}
			l.Activation = int(act)
			if l.Weights, err = readMatBin(r); err != nil {
				return nil, err
			}
			biases, err := readMatBin(r)
			if err != nil {
				return nil, err
			}
			l.Biases = matToFloatColumn(biases)
			if out, _ := l.Weights.Dims(); out != len(l.Biases) {
				return nil, fmt.Errorf("layer %d: %d biases for %d outputs", i, len(l.Biases), out)
			}
		}
	}

	if e.Confidence, err = readFloat64(r); err != nil {
		return nil, err
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// Shared helpers

// centerToRadians converts a 3x1 orientation triple stored in degrees.
func centerToRadians(c *mat.Dense) [3]float64 {
	var out [3]float64
	rows, cols := c.Dims()
	for i := 0; i < 3 && i < rows*cols; i++ {
		var v float64
		if cols == 1 {
			v = c.At(i, 0)
		} else {
			v = c.At(0, i)
		}
		out[i] = v * math.Pi / 180.0
	}
	return out
}

// matToIntColumn flattens a column (or row) matrix into an int slice.
func matToIntColumn(m *mat.Dense) []int {
	rows, cols := m.Dims()
	out := make([]int, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = int(m.At(i, j))
		}
	}
	return out
}

// matToFloatColumn flattens a column (or row) matrix into a float slice.
func matToFloatColumn(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	return out
}
