package align

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPoints(rng *rand.Rand, n int, extent float64) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: (rng.Float64() - 0.5) * extent,
			Y: (rng.Float64() - 0.5) * extent,
			Z: (rng.Float64() - 0.5) * extent,
		}
	}
	return pts
}

// pointPairings pairs a[i] with T·a[i] scaled by s about the origin.
func pointPairings(a []r3.Vector, truth Pose, s float64) Pairings {
	ps := make(Pairings, len(a))
	for i, p := range a {
		b := truth.R.MulVec(p).Mul(s).Add(truth.T)
		ps[i] = Pairing{Kind: PointToPoint, IndexA: i, IndexB: i, A: Feature{Point: p}, B: Feature{Point: b}, Weight: 1}
	}
	return ps
}

func TestHornSolver_RecoversRigidMotion(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	truth := PoseFromYPR(0.5, -1.2, 0.3, 0.4, -0.2, 0.15)
	pairs := pointPairings(randomPoints(rng, 50, 10), truth, 1)

	sol, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: DefaultWeightParameters(), CurrentEstimate: Identity()})
	require.NoError(t, err)
	assert.True(t, posesClose(sol.Pose, truth, 1e-9), "got %+v want %+v", sol.Pose, truth)
	assert.Equal(t, 1.0, sol.Scale)
}

func TestHornSolver_EstimatesScale(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	truth := PoseFromYPR(1, 2, 3, -0.3, 0.1, 0.2)
	pairs := pointPairings(randomPoints(rng, 30, 4), truth, 1.5)

	sol, err := (&HornSolver{EstimateScale: true}).Solve(SolveInput{Pairings: pairs, Weights: DefaultWeightParameters(), CurrentEstimate: Identity()})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, sol.Scale, 1e-9)
	assert.True(t, posesClose(sol.Pose, truth, 1e-9))
}

func TestHornSolver_Empty(t *testing.T) {
	_, err := (&HornSolver{}).Solve(SolveInput{Weights: DefaultWeightParameters()})
	assert.ErrorIs(t, err, ErrEmptyPairings)
}

func TestHornSolver_AllWeightsZero(t *testing.T) {
	w := DefaultWeightParameters()
	w.PairWeights.PointToPoint = 0
	pairs := pointPairings([]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}, Identity(), 1)

	_, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: w, CurrentEstimate: Identity()})
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestHornSolver_PlanesOnlyUnderconstrained(t *testing.T) {
	pairs := Pairings{
		{Kind: PlaneToPlane, A: Feature{Direction: r3.Vector{Z: 1}}, B: Feature{Point: r3.Vector{Z: 1}, Direction: r3.Vector{Z: 1}}, Weight: 1},
		{Kind: PlaneToPlane, A: Feature{Direction: r3.Vector{X: 1}}, B: Feature{Direction: r3.Vector{X: 1}}, Weight: 1},
	}
	_, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: DefaultWeightParameters(), CurrentEstimate: Identity()})
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestHornSolver_ThreePlanes(t *testing.T) {
	truth := PoseFromYPR(0.2, -0.1, 0.3, 0.05, 0, 0)
	var pairs Pairings
	for _, n := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}} {
		c := n.Mul(2)
		pairs = append(pairs, Pairing{
			Kind:   PlaneToPlane,
			A:      Feature{Point: c, Direction: n},
			B:      Feature{Point: truth.Apply(c), Direction: truth.Rotate(n)},
			Weight: 1,
		})
	}
	sol, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: DefaultWeightParameters(), CurrentEstimate: Identity()})
	require.NoError(t, err)
	assert.True(t, posesClose(sol.Pose, truth, 1e-9), "got %+v", sol.Pose)
}

func TestHornSolver_ScaleOutlierDetector(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	truth := Translation(0.5, 0, 0)
	pairs := pointPairings(randomPoints(rng, 40, 6), truth, 1)
	// One gross outlier far from where its partner should be.
	pairs[0].B.Point = r3.Vector{X: 10, Y: 10, Z: 10}

	w := DefaultWeightParameters()
	plain, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: w, CurrentEstimate: Identity()})
	require.NoError(t, err)

	w.UseScaleOutlierDetector = true
	robust, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: w, CurrentEstimate: Identity()})
	require.NoError(t, err)

	errPlain := plain.Pose.T.Sub(truth.T).Norm()
	errRobust := robust.Pose.T.Sub(truth.T).Norm()
	assert.Less(t, errRobust, errPlain)
}

// linePairings pairs each line with its image under truth, sliding the B
// anchor along the line so only the perpendicular offset constrains T.
func linePairings(truth Pose) Pairings {
	dirs := []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}, r3.Vector{X: 1, Y: 1, Z: 1}.Normalize()}
	anchors := []r3.Vector{{Y: 1, Z: 2}, {X: -1, Z: 0.5}, {X: 2, Y: -1}, {X: 0.3, Y: 0.1, Z: -0.4}}
	var ps Pairings
	for i, d := range dirs {
		db := truth.Rotate(d)
		ps = append(ps, Pairing{
			Kind:   LineToLine,
			IndexA: i,
			IndexB: i,
			A:      Feature{Point: anchors[i], Direction: d},
			B:      Feature{Point: truth.Apply(anchors[i]).Add(db.Mul(0.7 * float64(i+1))), Direction: db},
			Weight: 1,
		})
	}
	return ps
}

func TestHornSolver_Lines(t *testing.T) {
	truth := PoseFromYPR(0.3, -0.2, 0.5, 0.25, -0.1, 0.05)

	sol, err := (&HornSolver{}).Solve(SolveInput{Pairings: linePairings(truth), Weights: DefaultWeightParameters(), CurrentEstimate: Identity()})
	require.NoError(t, err)
	assert.True(t, posesClose(sol.Pose, truth, 1e-9), "got %+v want %+v", sol.Pose, truth)
}

func TestHornSolver_ParallelLinesUnderconstrained(t *testing.T) {
	pairs := linePairings(Identity())
	for i := range pairs {
		pairs[i].A.Direction = r3.Vector{X: 1}
		pairs[i].B.Direction = r3.Vector{X: 1}
	}
	_, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: DefaultWeightParameters(), CurrentEstimate: Identity()})
	assert.ErrorIs(t, err, ErrDegenerate)
}

// outlierPairings returns exact pairings under truth with pairs[0] moved far
// from its partner, on the opposite side of the centroid.
func outlierPairings(seed int64, truth Pose) Pairings {
	rng := rand.New(rand.NewSource(seed))
	pairs := pointPairings(randomPoints(rng, 60, 8), truth, 1)
	pairs[0].A.Point = r3.Vector{X: -2, Y: -2, Z: -2}
	pairs[0].B.Point = r3.Vector{X: 10, Y: 10, Z: 10}
	return pairs
}

func TestHornSolver_RobustKernel(t *testing.T) {
	truth := PoseFromYPR(0.4, -0.3, 0.2, 0.1, 0.05, -0.05)
	pairs := outlierPairings(9, truth)

	w := DefaultWeightParameters()
	plain, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: w, CurrentEstimate: truth})
	require.NoError(t, err)
	assert.Greater(t, plain.Pose.T.Sub(truth.T).Norm(), 0.05, "outlier should bias the unweighted solution")

	w.UseRobustKernel = true
	w.RobustKernelParam = 5 * math.Pi / 180
	w.RobustKernelScale = 3
	robust, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: w, CurrentEstimate: truth})
	require.NoError(t, err)
	assert.True(t, posesClose(robust.Pose, truth, 1e-9), "got %+v want %+v", robust.Pose, truth)
}

func TestHornSolver_RobustKernelAfterOutlierRejection(t *testing.T) {
	truth := PoseFromYPR(0.4, -0.3, 0.2, 0.1, 0.05, -0.05)
	pairs := outlierPairings(13, truth)

	// A kernel this narrow keeps only pairs whose angle about the inlier
	// centroids is exact.
	w := DefaultWeightParameters()
	w.UseScaleOutlierDetector = true
	w.UseRobustKernel = true
	w.RobustKernelParam = 0.01 * math.Pi / 180
	w.RobustKernelScale = 1

	sol, err := (&HornSolver{}).Solve(SolveInput{Pairings: pairs, Weights: w, CurrentEstimate: truth})
	require.NoError(t, err)
	assert.True(t, posesClose(sol.Pose, truth, 1e-9), "got %+v want %+v", sol.Pose, truth)
}

func TestRobustWeight(t *testing.T) {
	w := DefaultWeightParameters()
	w.RobustKernelParam = 1 * math.Pi / 180
	w.RobustKernelScale = 10

	u := r3.Vector{X: 1}
	assert.InDelta(t, 1.0, robustWeight(u, u, w), 1e-12)

	oneDeg := r3.Vector{X: math.Cos(w.RobustKernelParam), Y: math.Sin(w.RobustKernelParam)}
	assert.InDelta(t, 0.5, robustWeight(u, oneDeg, w), 1e-9)

	far := r3.Vector{Y: 1}
	assert.Equal(t, 0.0, robustWeight(u, far, w))

	assert.Equal(t, 1.0, robustWeight(r3.Vector{}, u, w))
}

func TestNewSolver(t *testing.T) {
	s, err := NewSolver(SolverConfig{EstimateScale: true})
	require.NoError(t, err)
	assert.Equal(t, &HornSolver{EstimateScale: true}, s)

	_, err = NewSolver(SolverConfig{Class: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}
