package align

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Covariance is a 6x6 covariance over se(3) coordinates, translation first.
type Covariance [6][6]float64

// CovarianceParameters are the finite-difference step sizes.
type CovarianceParameters struct {
	FinDifXYZ    float64 `yaml:"finDifXYZ" json:"finDifXYZ"`
	FinDifAngles float64 `yaml:"finDifAngles" json:"finDifAngles"`
}

// DefaultCovarianceParameters returns the default finite-difference steps.
func DefaultCovarianceParameters() CovarianceParameters {
	return CovarianceParameters{FinDifXYZ: 1e-7, FinDifAngles: 1e-7}
}

// CovarianceEstimator computes the uncertainty of a final pose from the
// pairings that produced it.
type CovarianceEstimator interface {
	Estimate(pairings Pairings, pose Pose, p CovarianceParameters) (Covariance, error)
}

// FiniteDifferenceCovariance estimates cov = (JᵀJ)⁻¹ where J is the
// numerical Jacobian of the stacked pairing residuals with respect to a left
// perturbation of the pose.
type FiniteDifferenceCovariance struct{}

func (FiniteDifferenceCovariance) Estimate(pairings Pairings, pose Pose, p CovarianceParameters) (Covariance, error) {
	var cov Covariance
	if len(pairings) == 0 {
		return cov, fmt.Errorf("%w: no pairings", ErrCovariance)
	}
	if p.FinDifXYZ <= 0 || p.FinDifAngles <= 0 {
		return cov, fmt.Errorf("%w: finite difference steps must be > 0", ErrInvalidParameters)
	}

	n := len(residuals(pairings, pose))
	jac := mat.NewDense(n, 6, nil)
	for k := 0; k < 6; k++ {
		step := p.FinDifXYZ
		if k >= 3 {
			step = p.FinDifAngles
		}
		var d Twist
		d[k] = step
		plus := residuals(pairings, ExpSE3(d).Compose(pose))
		d[k] = -step
		minus := residuals(pairings, ExpSE3(d).Compose(pose))
		for i := 0; i < n; i++ {
			jac.Set(i, k, (plus[i]-minus[i])/(2*step))
		}
	}

	info := mat.NewSymDense(6, nil)
	info.SymOuterK(1, jac.T())
	var chol mat.Cholesky
	if !chol.Factorize(info) {
		return cov, fmt.Errorf("%w: information matrix is singular", ErrCovariance)
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return cov, fmt.Errorf("%w: %v", ErrCovariance, err)
	}
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			v := inv.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Covariance{}, fmt.Errorf("%w: non-finite result", ErrCovariance)
			}
			cov[i][j] = v
		}
	}
	return cov, nil
}

// residuals stacks the weighted residual of every pairing under pose.
func residuals(pairings Pairings, pose Pose) []float64 {
	out := make([]float64, 0, 6*len(pairings))
	push := func(s float64, v r3.Vector) {
		out = append(out, s*v.X, s*v.Y, s*v.Z)
	}
	for _, p := range pairings {
		s := math.Sqrt(math.Max(p.Weight, 0))
		switch p.Kind {
		case PointToPoint:
			push(s, pose.Apply(p.A.Point).Sub(p.B.Point))
		case PlaneToPlane:
			d := pose.Apply(p.A.Point).Sub(p.B.Point)
			out = append(out, s*p.B.Direction.Dot(d))
			push(s, pose.Rotate(p.A.Direction).Cross(p.B.Direction))
		case LineToLine:
			db := p.B.Direction
			d := pose.Apply(p.A.Point).Sub(p.B.Point)
			push(s, d.Sub(db.Mul(db.Dot(d))))
			push(s, pose.Rotate(p.A.Direction).Cross(db))
		}
	}
	return out
}
