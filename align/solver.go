package align

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// SolveInput is everything a pose solver sees for one iteration.
type SolveInput struct {
	Pairings Pairings
	Weights  WeightParameters
	// CurrentEstimate is the latest pose; robust weighting is evaluated
	// against it on every call.
	CurrentEstimate Pose
}

// Solution is a solver's pose estimate mapping A onto B (b ≈ Scale·R·a + T).
type Solution struct {
	Pose  Pose
	Scale float64
}

// PoseSolver turns weighted pairings into a pose. It must fail with
// ErrEmptyPairings when given no pairings.
type PoseSolver interface {
	Solve(in SolveInput) (Solution, error)
}

// SolverConfig selects and configures the pose solver.
type SolverConfig struct {
	Class         string `yaml:"class"`
	EstimateScale bool   `yaml:"estimateScale"`
}

// NewSolver builds the configured solver. An empty class selects "horn".
func NewSolver(cfg SolverConfig) (PoseSolver, error) {
	switch cfg.Class {
	case "", "horn":
		return &HornSolver{EstimateScale: cfg.EstimateScale}, nil
	}
	return nil, fmt.Errorf("%w: unknown solver class %q", ErrInvalidParameters, cfg.Class)
}

// HornSolver computes the weighted closed-form rotation from the SVD of the
// cross-covariance of centred point pairs, plane normals and line directions,
// then the translation by linear least squares over all pairing kinds.
type HornSolver struct {
	EstimateScale bool
}

type weightedPair struct {
	a, b r3.Vector // points, or anchor points for planes and lines
	da   r3.Vector // A normal or direction
	db   r3.Vector // B normal or direction
	w    float64
}

const solverEps = 1e-12

func (s *HornSolver) Solve(in SolveInput) (Solution, error) {
	if len(in.Pairings) == 0 {
		return Solution{}, ErrEmptyPairings
	}
	wp := in.Weights
	var points, planes, lines []weightedPair
	for _, p := range in.Pairings {
		w := p.Weight * wp.PairWeights.For(p.Kind)
		if w <= 0 {
			continue
		}
		e := weightedPair{a: p.A.Point, b: p.B.Point, da: p.A.Direction, db: p.B.Direction, w: w}
		switch p.Kind {
		case PointToPoint:
			points = append(points, e)
		case PlaneToPlane:
			planes = append(planes, e)
		case LineToLine:
			lines = append(lines, e)
		}
	}

	ca, cb := weightedCentroids(points)
	if wp.UseScaleOutlierDetector && len(points) >= 3 {
		rejectScaleOutliers(points, ca, cb, wp.ScaleOutlierThreshold)
		ca, cb = weightedCentroids(points)
	}
	if wp.UseRobustKernel {
		// Point angles are taken about the centroids of the pairs that
		// survived outlier rejection; outliers still present shift them.
		r := in.CurrentEstimate.R
		for i := range points {
			points[i].w *= robustWeight(r.MulVec(points[i].a.Sub(ca)), points[i].b.Sub(cb), wp)
		}
		for i := range planes {
			planes[i].w *= robustWeight(r.MulVec(planes[i].da), planes[i].db, wp)
		}
		for i := range lines {
			lines[i].w *= robustWeight(r.MulVec(lines[i].da), lines[i].db, wp)
		}
	}
	points, planes, lines = dropZeroWeight(points), dropZeroWeight(planes), dropZeroWeight(lines)
	if len(points)+len(planes)+len(lines) == 0 {
		return Solution{}, fmt.Errorf("%w: every pairing was rejected by weighting", ErrDegenerate)
	}
	ca, cb = weightedCentroids(points)

	// Rotation: maximise Σ w bᵀ R a over centred points and directions.
	var h Mat3
	for _, p := range points {
		h = h.add(outer(p.b.Sub(cb), p.a.Sub(ca)).scale(p.w))
	}
	for _, p := range planes {
		h = h.add(outer(p.db, p.da).scale(p.w))
	}
	for _, p := range lines {
		h = h.add(outer(p.db, p.da).scale(p.w))
	}
	rot, ok := rotationFromCrossCovariance(h)
	if !ok {
		rot = in.CurrentEstimate.R
	}

	scale := 1.0
	if s.EstimateScale && len(points) > 0 {
		var num, den float64
		for _, p := range points {
			da := p.a.Sub(ca)
			num += p.w * p.b.Sub(cb).Dot(rot.MulVec(da))
			den += p.w * da.Norm2()
		}
		if den > solverEps && num > 0 {
			scale = num / den
		}
	}

	t, err := solveTranslation(rot.scale(scale), points, planes, lines)
	if err != nil {
		return Solution{}, err
	}
	return Solution{Pose: NewPose(rot, t), Scale: scale}, nil
}

func weightedCentroids(ps []weightedPair) (ca, cb r3.Vector) {
	var sw float64
	for _, p := range ps {
		ca = ca.Add(p.a.Mul(p.w))
		cb = cb.Add(p.b.Mul(p.w))
		sw += p.w
	}
	if sw <= 0 {
		return r3.Vector{}, r3.Vector{}
	}
	return ca.Mul(1 / sw), cb.Mul(1 / sw)
}

// rejectScaleOutliers zeroes the weight of point pairs whose distance to the
// B centroid differs from their distance to the A centroid by more than the
// threshold ratio in either direction.
func rejectScaleOutliers(ps []weightedPair, ca, cb r3.Vector, threshold float64) {
	for i := range ps {
		ra := ps[i].a.Sub(ca).Norm()
		rb := ps[i].b.Sub(cb).Norm()
		if ra < 1e-9 || rb < 1e-9 {
			continue
		}
		ratio := rb / ra
		if ratio > threshold || ratio < 1/threshold {
			ps[i].w = 0
		}
	}
}

// robustWeight is a Cauchy kernel on the angle between u and v, zero beyond
// RobustKernelScale kernel widths.
func robustWeight(u, v r3.Vector, wp WeightParameters) float64 {
	if u.Norm() < 1e-9 || v.Norm() < 1e-9 {
		return 1
	}
	theta := u.Angle(v).Radians()
	k := wp.RobustKernelParam
	if theta > wp.RobustKernelScale*k {
		return 0
	}
	x := theta / k
	return 1 / (1 + x*x)
}

func dropZeroWeight(ps []weightedPair) []weightedPair {
	out := ps[:0]
	for _, p := range ps {
		if p.w > 0 {
			out = append(out, p)
		}
	}
	return out
}

// rotationFromCrossCovariance returns the proper rotation closest to h.
// ok is false when h carries less than two independent directions.
func rotationFromCrossCovariance(h Mat3) (Mat3, bool) {
	hd := toDense(h)
	var svd mat.SVD
	if !svd.Factorize(hd, mat.SVDFull) {
		return Mat3{}, false
	}
	sv := svd.Values(nil)
	if sv[0] < solverEps || sv[1] < 1e-9*sv[0] {
		return Mat3{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := mat.NewDiagDense(3, []float64{1, 1, 1})
	if mat.Det(&u)*mat.Det(&v) < 0 {
		d.SetDiag(2, -1)
	}
	var ud, r mat.Dense
	ud.Mul(&u, d)
	r.Mul(&ud, v.T())
	return fromDense(&r), true
}

// solveTranslation solves the normal equations of the translation given the
// linear part sr (scale times rotation).
func solveTranslation(sr Mat3, points, planes, lines []weightedPair) (r3.Vector, error) {
	var m Mat3
	var rhs r3.Vector
	for _, p := range points {
		m = m.add(Identity3().scale(p.w))
		rhs = rhs.Add(p.b.Sub(sr.MulVec(p.a)).Mul(p.w))
	}
	for _, p := range planes {
		n := p.db
		m = m.add(outer(n, n).scale(p.w))
		rhs = rhs.Add(n.Mul(p.w * n.Dot(p.b.Sub(sr.MulVec(p.a)))))
	}
	for _, p := range lines {
		proj := Identity3().add(outer(p.db, p.db).scale(-1))
		m = m.add(proj.scale(p.w))
		rhs = rhs.Add(proj.MulVec(p.b.Sub(sr.MulVec(p.a))).Mul(p.w))
	}

	sym := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			sym.SetSym(i, j, (m[i][j]+m[j][i])/2)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) || chol.Cond() > 1e12 {
		return r3.Vector{}, fmt.Errorf("%w: translation is not fully constrained", ErrDegenerate)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(3, []float64{rhs.X, rhs.Y, rhs.Z})); err != nil {
		return r3.Vector{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, nil
}

func toDense(m Mat3) *mat.Dense {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	return d
}

func fromDense(d mat.Matrix) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}
