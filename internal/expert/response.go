package expert

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"face-align/internal/imgproc"
	"face-align/pkg/geometry"
)

// cenSupportRegion is the fixed support margin assumed for CEN experts when
// sizing the shared interpolation matrix: the area of interest is
// windowSize + cenSupportRegion - 1 per side and the response recovers to
// windowSize.
const cenSupportRegion = 11

// responseCall is the transient per-invocation state shared by all landmark
// work items of one Response call.
type responseCall struct {
	view       int
	windowSize int
	scale      int

	current   []geometry.Point2D
	refToImg  geometry.Similarity
	imgToRef  geometry.Similarity
	interpMat *mat.Dense
}

// Response computes per-landmark response maps for the current shape
// estimate. responses must be pre-sized to the model's landmark count;
// entries for landmarks that are not visible at the selected view are left
// untouched. The returned transforms map the canonical reference frame to
// image space and back.
func (b *Bank) Response(responses []*mat.Dense, img *imgproc.Plane, model ShapeModel,
	pose GlobalPose, local []float64, windowSize, scale int) (refToImg, imgToRef geometry.Similarity, err error) {

	n := model.NumPoints()
	if len(responses) != n {
		return geometry.Similarity{}, geometry.Similarity{},
			fmt.Errorf("responses length %d does not match %d landmarks", len(responses), n)
	}
	if scale < 0 || scale >= len(b.levels) {
		return geometry.Similarity{}, geometry.Similarity{},
			fmt.Errorf("scale %d out of range (have %d)", scale, len(b.levels))
	}

	call := &responseCall{
		view:       b.SelectView(pose, scale),
		windowSize: windowSize,
		scale:      scale,
	}

	// Current landmark locations in image space, and the same local shape
	// rendered at the canonical pose. Their least-squares alignment bridges
	// image and reference coordinates.
	call.current = model.CalcShape2D(local, pose)
	reference := model.CalcShape2D(local, GlobalPose{Scale: b.levels[scale].scale})

	call.imgToRef = geometry.AlignSimilarity(call.current, reference)
	call.refToImg = call.imgToRef.Invert()

	switch b.family {
	case FamilyCCNF:
		b.primeSigmas(call, n)
	case FamilyCEN:
		aoiSide := windowSize + cenSupportRegion - 1
		respSize := aoiSide - cenSupportRegion + 1
		call.interpMat = InterpolationMatrix(respSize, respSize)
	}

	vis := b.collectVisible(scale, call.view, n)
	if len(vis) == 0 && b.log != nil {
		b.log.Warn("no visible landmarks for view",
			zap.Int("scale", scale), zap.Int("view", call.view))
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, ind := range vis {
		ind := ind
		g.Go(func() error {
			return b.respondAt(responses, img, call, ind)
		})
	}
	if err := g.Wait(); err != nil {
		return call.refToImg, call.imgToRef, err
	}

	return call.refToImg, call.imgToRef, nil
}

// primeSigmas makes sure every visible CCNF expert at the selected view has
// its sigma matrix for this window size, using the component group whose
// dimension matches windowSize^2. No matching group leaves the experts
// without coupling for this call.
func (b *Bank) primeSigmas(call *responseCall, n int) {
	var components []*mat.Dense
	for _, group := range b.sigmaComponents {
		if len(group) == 0 {
			continue
		}
		if r, _ := group[0].Dims(); r == call.windowSize*call.windowSize {
			components = group
		}
	}

	lvl := b.levels[call.scale]
	if call.view >= len(lvl.visibility) {
		return
	}
	row := lvl.visibility[call.view]
	for i := 0; i < n && i < len(row); i++ {
		if row[i] == 0 {
			continue
		}
		if c, ok := lvl.experts[call.view][i].(*CCNF); ok {
			c.ComputeSigmas(components, call.windowSize)
		}
	}
}

// respondAt computes the response map for one landmark work item. For the
// CEN frontal joint-mirror case the item also writes the mirror partner's
// slot; the visibility filter guarantees no other item covers it.
func (b *Bank) respondAt(responses []*mat.Dense, img *imgproc.Plane, call *responseCall, ind int) error {
	exp := b.expertAt(call.scale, call.view, ind)
	if exp == nil {
		return fmt.Errorf("scale %d view %d landmark %d: %w", call.scale, call.view, ind, ErrMissingExpert)
	}

	pw, ph := exp.PatchSize()
	aoiW := call.windowSize + pw - 1
	aoiH := call.windowSize + ph - 1

	aoi := b.extractAOI(img, call, ind, aoiW, aoiH)

	switch b.family {
	case FamilyCEN:
		return b.respondCEN(responses, img, call, ind, exp.(*CEN), aoi, aoiW, aoiH)
	case FamilyCCNF:
		responses[ind] = exp.(*CCNF).Response(aoi, call.windowSize)
	case FamilySVR:
		responses[ind] = exp.(*MultiSVR).Response(aoi, call.windowSize)
	default:
		return fmt.Errorf("bank has no loaded expert family")
	}
	return nil
}

// respondCEN dispatches the CEN specific evaluation paths: standalone,
// frontal joint-mirror, and mirrored-expert for non-frontal views.
func (b *Bank) respondCEN(responses []*mat.Dense, img *imgproc.Plane, call *responseCall,
	ind int, exp *CEN, aoi *mat.Dense, aoiW, aoiH int) error {

	if call.view == 0 {
		// The visibility filter already excluded empty frontal slots.
		mirror := b.mirror.Landmark(ind)
		if mirror == ind {
			responses[ind] = exp.ResponseSparse(aoi, call.interpMat)
			return nil
		}

		aoiMirror := b.extractAOI(img, call, mirror, aoiW, aoiH)
		responses[ind], responses[mirror] = exp.ResponseSparseMirrorJoint(aoi, aoiMirror, call.interpMat)
		return nil
	}

	if !exp.Empty() {
		responses[ind] = exp.ResponseSparse(aoi, call.interpMat)
		return nil
	}

	// Empty slot at a non-frontal view: evaluate with the mirror view's
	// expert for the mirror landmark, reflecting in and out.
	mexp := b.expertAt(call.scale, b.mirror.View(call.view), b.mirror.Landmark(ind))
	cen, ok := mexp.(*CEN)
	if !ok || cen.Empty() {
		return fmt.Errorf("scale %d view %d landmark %d: mirror slot: %w",
			call.scale, call.view, ind, ErrMissingExpert)
	}
	responses[ind] = cen.ResponseSparseMirror(aoi, call.interpMat)
	return nil
}

// extractAOI samples the oriented area of interest around a landmark's
// current image location, rotated and scaled by the reference-to-image
// similarity.
func (b *Bank) extractAOI(img *imgproc.Plane, call *responseCall, ind, aoiW, aoiH int) *mat.Dense {
	a1 := call.refToImg.A
	b1 := call.refToImg.B

	tf := geometry.AffineTransform{
		A: a1, B: -b1, TX: call.current[ind].X,
		C: b1, D: a1, TY: call.current[ind].Y,
	}
	return imgproc.QuadrangleSubPix(img, aoiW, aoiH, tf)
}
