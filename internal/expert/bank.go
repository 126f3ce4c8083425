// Package expert holds the multi-scale, multi-view patch expert bank and the
// response computation around it. A bank is loaded once from trained model
// files and is immutable afterwards, apart from lazily memoized per-expert
// state.
package expert

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"face-align/pkg/geometry"
)

// Family identifies which patch expert family a bank holds.
type Family int

const (
	// FamilyNone marks an empty bank.
	FamilyNone Family = iota
	// FamilySVR holds support-vector-regression patch experts.
	FamilySVR
	// FamilyCCNF holds continuous conditional neural field patch experts.
	FamilyCCNF
	// FamilyCEN holds convolutional expert network patch experts.
	FamilyCEN
)

func (f Family) String() string {
	switch f {
	case FamilySVR:
		return "svr"
	case FamilyCCNF:
		return "ccnf"
	case FamilyCEN:
		return "cen"
	}
	return "none"
}

// ErrMissingExpert indicates a required (scale, view, landmark) slot has no
// trained model. This is a corrupt or mismatched model bank, not a
// recoverable runtime condition.
var ErrMissingExpert = errors.New("no patch expert for required landmark")

// GlobalPose carries the global (rigid) parameters of the current shape
// estimate: uniform scale, three rotation angles in radians, and an in-plane
// translation.
type GlobalPose struct {
	Scale float64
	Rot   [3]float64
	Tx    float64
	Ty    float64
}

// ShapeModel is the capability the response engine needs from the external
// point distribution model: rendering 2D landmark positions for a set of
// local shape parameters under a global pose.
type ShapeModel interface {
	NumPoints() int
	CalcShape2D(local []float64, pose GlobalPose) []geometry.Point2D
}

// PatchExpert is one trained appearance model slot in the bank. The concrete
// type is determined by the bank's family tag.
type PatchExpert interface {
	// PatchSize returns the support width and height of the expert.
	PatchSize() (w, h int)
	// Empty reports whether the slot holds no trained parameters. Only CEN
	// banks contain empty slots (mirror targets of the frontal view).
	Empty() bool
}

// MirrorMap records the left/right symmetry structure of a CEN bank. The
// identity case (Landmark(i) == i, View(v) == v) means "no mirror".
type MirrorMap struct {
	landmarks []int
	views     []int
}

// NewMirrorMap builds a mirror map from raw index tables.
func NewMirrorMap(landmarks, views []int) MirrorMap {
	return MirrorMap{landmarks: landmarks, views: views}
}

// Landmark returns the mirror-symmetric partner of landmark i.
func (m MirrorMap) Landmark(i int) int {
	if i < 0 || i >= len(m.landmarks) {
		return i
	}
	return m.landmarks[i]
}

// View returns the mirror-symmetric counterpart of view v.
func (m MirrorMap) View(v int) int {
	if v < 0 || v >= len(m.views) {
		return v
	}
	return m.views[v]
}

// EarlyTermination holds the optional per-landmark early termination
// parameters consumed by an outer fitting loop. They are loaded in the fixed
// order weights, biases, cutoffs; no semantics are attached here.
type EarlyTermination struct {
	Weights []float64
	Biases  []float64
	Cutoffs []float64
}

// scaleLevel is the per-scale slice of the bank.
type scaleLevel struct {
	// scale is the isotropic reference shape scaling for this level.
	scale float64
	// centers holds one (yaw, pitch, roll) triple per view, in radians.
	centers [][3]float64
	// visibility holds one per-landmark mask per view.
	visibility [][]int
	// experts is the [view][landmark] model table.
	experts [][]PatchExpert
}

// Bank is the multi-scale, multi-view patch expert container. It holds
// exactly one expert family; loading a higher priority family replaces the
// scale, view and visibility tables entirely.
type Bank struct {
	family Family
	levels []scaleLevel

	// CCNF only: shared covariance components grouped by window size,
	// referenced by every CCNF expert during sigma computation.
	sigmaWindows    []int
	sigmaComponents [][]*mat.Dense

	// CEN only.
	mirror MirrorMap

	earlyTerm EarlyTermination

	log *zap.Logger
}

// Family returns the active expert family of the bank.
func (b *Bank) Family() Family {
	return b.family
}

// NumScales returns the number of scale levels.
func (b *Bank) NumScales() int {
	return len(b.levels)
}

// NumViews returns the number of trained views at a scale level.
func (b *Bank) NumViews(scale int) int {
	if scale < 0 || scale >= len(b.levels) {
		return 0
	}
	return len(b.levels[scale].centers)
}

// ReferenceScale returns the canonical reference shape scaling for a level.
func (b *Bank) ReferenceScale(scale int) float64 {
	return b.levels[scale].scale
}

// ViewCenter returns the (yaw, pitch, roll) center of a view in radians.
func (b *Bank) ViewCenter(scale, view int) [3]float64 {
	return b.levels[scale].centers[view]
}

// Mirror returns the bank's mirror map (identity for non-CEN banks).
func (b *Bank) Mirror() MirrorMap {
	return b.mirror
}

// EarlyTermination returns the optional early termination parameters.
func (b *Bank) EarlyTermination() EarlyTermination {
	return b.earlyTerm
}

// SelectView returns the index of the trained view nearest to the pose
// orientation at the given scale, by squared Euclidean distance over the
// rotation triple. Ties resolve to the lowest index.
func (b *Bank) SelectView(pose GlobalPose, scale int) int {
	lvl := b.levels[scale]

	idx := 0
	var dbest float64
	for i, c := range lvl.centers {
		v1 := pose.Rot[0] - c[0]
		v2 := pose.Rot[1] - c[1]
		v3 := pose.Rot[2] - c[2]
		d := v1*v1 + v2*v2 + v3*v3

		if i == 0 || d < dbest {
			dbest = d
			idx = i
		}
	}
	return idx
}

// collectVisible returns the landmark indices requiring response computation
// at (scale, view), for a model with n landmarks. A visibility row whose
// length does not match n yields no landmarks. For CEN banks at the frontal
// view, landmarks whose own slot is empty are skipped: they are mirror
// targets filled in as a side effect of their partner's evaluation.
func (b *Bank) collectVisible(scale, view, n int) []int {
	lvl := b.levels[scale]
	if view < 0 || view >= len(lvl.visibility) {
		return nil
	}
	row := lvl.visibility[view]
	if len(row) != n {
		return nil
	}

	var vis []int
	for i := 0; i < n; i++ {
		if row[i] == 0 {
			continue
		}
		if b.family == FamilyCEN && view == 0 && lvl.experts[view][i].Empty() {
			continue
		}
		vis = append(vis, i)
	}
	return vis
}

// expertAt returns the expert slot at (scale, view, landmark), or nil if the
// table does not cover it.
func (b *Bank) expertAt(scale, view, landmark int) PatchExpert {
	if scale < 0 || scale >= len(b.levels) {
		return nil
	}
	lvl := b.levels[scale]
	if view < 0 || view >= len(lvl.experts) {
		return nil
	}
	if landmark < 0 || landmark >= len(lvl.experts[view]) {
		return nil
	}
	return lvl.experts[view][landmark]
}

// validate checks the per-scale table shape invariants after loading.
func (b *Bank) validate() error {
	for s, lvl := range b.levels {
		if len(lvl.experts) != len(lvl.centers) || len(lvl.visibility) != len(lvl.centers) {
			return fmt.Errorf("scale %d: views mismatch: %d experts, %d centers, %d visibility rows",
				s, len(lvl.experts), len(lvl.centers), len(lvl.visibility))
		}
		for v, row := range lvl.experts {
			for i, e := range row {
				if e == nil {
					return fmt.Errorf("scale %d view %d landmark %d: %w", s, v, i, ErrMissingExpert)
				}
			}
		}
	}
	return nil
}
