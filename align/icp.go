package align

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ICP is the iterative alignment engine. An ICP value is immutable after
// construction and safe for concurrent Align calls.
type ICP struct {
	matchers   []Matcher
	solver     PoseSolver
	covariance CovarianceEstimator
	covParams  CovarianceParameters
}

// NewICP creates an engine that runs matchers in the given order and feeds
// their concatenated output to solver. Covariance is estimated with
// FiniteDifferenceCovariance using the default steps.
func NewICP(solver PoseSolver, matchers ...Matcher) *ICP {
	return &ICP{
		matchers:   matchers,
		solver:     solver,
		covariance: FiniteDifferenceCovariance{},
		covParams:  DefaultCovarianceParameters(),
	}
}

// SetCovarianceEstimator replaces the covariance estimator. A nil estimator
// disables covariance estimation.
func (ic *ICP) SetCovarianceEstimator(est CovarianceEstimator, p CovarianceParameters) {
	ic.covariance = est
	ic.covParams = p
}

// Matchers returns the configured matcher names in execution order.
func (ic *ICP) Matchers() []string {
	names := make([]string, len(ic.matchers))
	for i, m := range ic.matchers {
		names[i] = m.Name()
	}
	return names
}

// alignmentState is the mutable state of one Align call.
type alignmentState struct {
	pose      Pose
	scale     float64
	pairings  Pairings
	iteration int
}

// Align estimates the pose mapping collection a onto collection b, starting
// from initialGuess.
//
// Setup and input problems are reported as an error with a nil result before
// any matcher runs. Otherwise a result is always returned; a non-nil error
// alongside it means a matcher, the solver or the covariance estimator failed.
func (ic *ICP) Align(a, b *PointCloud, initialGuess Pose, p Parameters) (*Results, error) {
	if len(ic.matchers) == 0 || ic.solver == nil {
		return nil, ErrNoMatchers
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkInputs(a, b); err != nil {
		return nil, err
	}

	res := &Results{RunID: uuid.NewString()}
	st := alignmentState{pose: initialGuess, scale: 1}
	var runErr error

	for st.iteration < p.MaxIterations {
		pairings, err := ic.runMatchers(a, b, st.pose, p)
		if err != nil {
			res.TerminationReason = Aborted
			runErr = fmt.Errorf("%w: iteration %d: %w", ErrMatcher, st.iteration, err)
			break
		}
		st.pairings = pairings
		if len(pairings) == 0 {
			res.TerminationReason = NoPairings
			break
		}

		sol, err := ic.solver.Solve(SolveInput{
			Pairings:        pairings,
			Weights:         p.Weights,
			CurrentEstimate: st.pose,
		})
		if err != nil {
			res.TerminationReason = Aborted
			runErr = fmt.Errorf("%w: iteration %d: %w", ErrSolver, st.iteration, err)
			break
		}

		delta := Delta(st.pose, sol.Pose).Log()
		st.pose = sol.Pose
		if sol.Scale > 0 {
			st.scale = sol.Scale
		}
		if delta.TransNorm() < p.MinAbsStepTrans && delta.RotNorm() < p.MinAbsStepRot {
			res.TerminationReason = Stalled
			break
		}
		st.iteration++
	}
	if res.TerminationReason == NotTerminatedYet {
		res.TerminationReason = MaxIterationsReached
	}

	res.Iterations = st.iteration
	res.Pose.Mean = st.pose
	res.Scale = st.scale
	res.Pairings = st.pairings
	if res.TerminationReason != NoPairings && len(st.pairings) > 0 {
		res.Goodness = float64(len(st.pairings)) / math.Min(float64(a.Size()), float64(b.Size()))
	}

	if runErr == nil && ic.covariance != nil && len(st.pairings) > 0 {
		cov, err := ic.covariance.Estimate(st.pairings, st.pose, ic.covParams)
		if err != nil {
			runErr = fmt.Errorf("%w: %w", ErrCovariance, err)
		}
		res.Pose.Cov = cov
	}

	Logf("align: run %s: %s after %d iterations, %d pairings (%d point, %d plane, %d line), goodness %.3f",
		res.RunID, res.TerminationReason, res.Iterations, len(res.Pairings),
		res.Pairings.Count(PointToPoint), res.Pairings.Count(PlaneToPlane), res.Pairings.Count(LineToLine),
		res.Goodness)
	return res, runErr
}

// runMatchers invokes every matcher once and concatenates their outputs in
// configuration order, whatever order they complete in.
func (ic *ICP) runMatchers(a, b *PointCloud, pose Pose, p Parameters) (Pairings, error) {
	opts := MatchOptions{MaxPairsPerLayer: p.MaxPairsPerLayer}
	outs := make([]Pairings, len(ic.matchers))

	if !p.ParallelMatchers || len(ic.matchers) == 1 {
		for i, m := range ic.matchers {
			ps, err := m.Match(a, b, pose, opts)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", m.Name(), err)
			}
			outs[i] = ps
		}
		return ConcatPairings(outs...), nil
	}

	var g errgroup.Group
	for i, m := range ic.matchers {
		i, m := i, m
		g.Go(func() error {
			ps, err := m.Match(a, b, pose, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", m.Name(), err)
			}
			outs[i] = ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ConcatPairings(outs...), nil
}

func checkInputs(a, b *PointCloud) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: nil collection", ErrInvalidInput)
	}
	if !sameLayerNames(a, b) {
		return fmt.Errorf("%w: [%s] vs [%s]", ErrLayerMismatch,
			strings.Join(a.LayerNames(), ","), strings.Join(b.LayerNames(), ","))
	}
	if a.Size() == 0 || b.Size() == 0 {
		return fmt.Errorf("%w: empty collection", ErrInvalidInput)
	}
	points := a.PointCount() > 0 && b.PointCount() > 0
	planes := len(a.Planes) > 0 && len(b.Planes) > 0
	if !points && !planes {
		return fmt.Errorf("%w: neither points nor planes are present in both collections", ErrInvalidInput)
	}
	return nil
}
