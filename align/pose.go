package align

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mul returns m * o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return r
}

// MulVec returns m * v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// T returns the transpose of m.
func (m Mat3) T() Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[j][i]
		}
	}
	return r
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Trace returns the sum of the diagonal of m.
func (m Mat3) Trace() float64 {
	return m[0][0] + m[1][1] + m[2][2]
}

func (m Mat3) add(o Mat3) Mat3 {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] += o[i][j]
		}
	}
	return m
}

func (m Mat3) scale(s float64) Mat3 {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] *= s
		}
	}
	return m
}

// skew returns the cross-product matrix [v]x.
func skew(v r3.Vector) Mat3 {
	return Mat3{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

// vee is the inverse of skew for the antisymmetric part of m.
func vee(m Mat3) r3.Vector {
	return r3.Vector{
		X: 0.5 * (m[2][1] - m[1][2]),
		Y: 0.5 * (m[0][2] - m[2][0]),
		Z: 0.5 * (m[1][0] - m[0][1]),
	}
}

// outer returns a * bᵀ.
func outer(a, b r3.Vector) Mat3 {
	return Mat3{
		{a.X * b.X, a.X * b.Y, a.X * b.Z},
		{a.Y * b.X, a.Y * b.Y, a.Y * b.Z},
		{a.Z * b.X, a.Z * b.Y, a.Z * b.Z},
	}
}

// Pose is a rigid transformation x' = R*x + T in 3D.
// R is always orthonormal with determinant +1.
type Pose struct {
	R Mat3      `json:"r" yaml:"r"`
	T r3.Vector `json:"t" yaml:"t"`
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{R: Identity3()}
}

// NewPose builds a pose from a rotation matrix and a translation.
func NewPose(r Mat3, t r3.Vector) Pose {
	return Pose{R: r, T: t}
}

// PoseFromYPR builds a pose from a translation and yaw/pitch/roll angles in
// radians, with R = Rz(yaw) * Ry(pitch) * Rx(roll).
func PoseFromYPR(x, y, z, yaw, pitch, roll float64) Pose {
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cr, sr := math.Cos(roll), math.Sin(roll)
	r := Mat3{
		{cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr},
		{sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr},
		{-sp, cp * sr, cp * cr},
	}
	return Pose{R: r, T: r3.Vector{X: x, Y: y, Z: z}}
}

// Translation returns a translation-only pose.
func Translation(x, y, z float64) Pose {
	return Pose{R: Identity3(), T: r3.Vector{X: x, Y: y, Z: z}}
}

// Apply transforms a point.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return p.R.MulVec(v).Add(p.T)
}

// Rotate applies only the rotation component, for directions and normals.
func (p Pose) Rotate(v r3.Vector) r3.Vector {
	return p.R.MulVec(v)
}

// Compose returns p ∘ o: applying the result equals applying o first, then p.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		R: p.R.Mul(o.R),
		T: p.R.MulVec(o.T).Add(p.T),
	}
}

// Inverse returns the inverse transformation.
func (p Pose) Inverse() Pose {
	rt := p.R.T()
	return Pose{R: rt, T: rt.MulVec(p.T).Mul(-1)}
}

// Delta returns the relative pose prev⁻¹ ∘ cur.
func Delta(prev, cur Pose) Pose {
	return prev.Inverse().Compose(cur)
}

// YPR returns yaw, pitch and roll in radians (inverse of PoseFromYPR).
func (p Pose) YPR() (yaw, pitch, roll float64) {
	pitch = math.Atan2(-p.R[2][0], math.Hypot(p.R[0][0], p.R[1][0]))
	yaw = math.Atan2(p.R[1][0], p.R[0][0])
	roll = math.Atan2(p.R[2][1], p.R[2][2])
	return yaw, pitch, roll
}

// Quaternion returns the rotation as a unit quaternion with non-negative real part.
func (p Pose) Quaternion() quat.Number {
	m := p.R
	var q quat.Number
	tr := m.Trace()
	switch {
	case tr > 0:
		s := 0.5 / math.Sqrt(tr+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m[2][1] - m[1][2]) * s, Jmag: (m[0][2] - m[2][0]) * s, Kmag: (m[1][0] - m[0][1]) * s}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := 2 * math.Sqrt(1+m[0][0]-m[1][1]-m[2][2])
		q = quat.Number{Real: (m[2][1] - m[1][2]) / s, Imag: 0.25 * s, Jmag: (m[0][1] + m[1][0]) / s, Kmag: (m[0][2] + m[2][0]) / s}
	case m[1][1] > m[2][2]:
		s := 2 * math.Sqrt(1+m[1][1]-m[0][0]-m[2][2])
		q = quat.Number{Real: (m[0][2] - m[2][0]) / s, Imag: (m[0][1] + m[1][0]) / s, Jmag: 0.25 * s, Kmag: (m[1][2] + m[2][1]) / s}
	default:
		s := 2 * math.Sqrt(1+m[2][2]-m[0][0]-m[1][1])
		q = quat.Number{Real: (m[1][0] - m[0][1]) / s, Imag: (m[0][2] + m[2][0]) / s, Jmag: (m[1][2] + m[2][1]) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// IsValid reports whether R is orthonormal with determinant +1.
func (p Pose) IsValid() bool {
	rrt := p.R.Mul(p.R.T())
	id := Identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(rrt[i][j]-id[i][j]) > 1e-6 {
				return false
			}
		}
	}
	return math.Abs(p.R.Det()-1) < 1e-6
}

// Twist is an element of se(3): translation part first, then rotation part.
type Twist [6]float64

// TransNorm is the Euclidean norm of the translational components.
func (tw Twist) TransNorm() float64 {
	return math.Sqrt(tw[0]*tw[0] + tw[1]*tw[1] + tw[2]*tw[2])
}

// RotNorm is the Euclidean norm of the rotational components.
func (tw Twist) RotNorm() float64 {
	return math.Sqrt(tw[3]*tw[3] + tw[4]*tw[4] + tw[5]*tw[5])
}

// so3Coeffs returns A = sinθ/θ, B = (1-cosθ)/θ², C = (θ-sinθ)/θ³, using
// Taylor expansions near zero.
func so3Coeffs(theta float64) (a, b, c float64) {
	t2 := theta * theta
	if theta < 1e-4 {
		return 1 - t2/6, 0.5 - t2/24, 1.0/6 - t2/120
	}
	s, co := math.Sin(theta), math.Cos(theta)
	return s / theta, (1 - co) / t2, (theta - s) / (t2 * theta)
}

// ExpSE3 maps a twist to a pose (the SE(3) exponential map).
func ExpSE3(tw Twist) Pose {
	u := r3.Vector{X: tw[0], Y: tw[1], Z: tw[2]}
	w := r3.Vector{X: tw[3], Y: tw[4], Z: tw[5]}
	theta := w.Norm()
	a, b, c := so3Coeffs(theta)
	wx := skew(w)
	wx2 := wx.Mul(wx)

	r := Identity3().add(wx.scale(a)).add(wx2.scale(b))
	v := Identity3().add(wx.scale(b)).add(wx2.scale(c))
	return Pose{R: r, T: v.MulVec(u)}
}

// logSO3 returns the rotation vector of R.
func logSO3(r Mat3) r3.Vector {
	cosTheta := (r.Trace() - 1) / 2
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)

	switch {
	case theta < 1e-4:
		// vee already holds sinθ·n; first-order correction for small angles.
		return vee(r).Mul(1 + theta*theta/6)
	case math.Pi-theta < 1e-6:
		// R ≈ 2nnᵀ - I: read the axis from the dominant column of (R + I)/2.
		k := 0
		for i := 1; i < 3; i++ {
			if r[i][i] > r[k][k] {
				k = i
			}
		}
		nk := math.Sqrt((r[k][k] + 1) / 2)
		var n [3]float64
		for j := 0; j < 3; j++ {
			if j == k {
				n[j] = nk
				continue
			}
			n[j] = (r[j][k] + r[k][j]) / (4 * nk)
		}
		axis := r3.Vector{X: n[0], Y: n[1], Z: n[2]}.Normalize()
		if vee(r).Dot(axis) < 0 {
			axis = axis.Mul(-1)
		}
		return axis.Mul(theta)
	default:
		return vee(r).Mul(theta / math.Sin(theta))
	}
}

// Log maps the pose to its twist (the SE(3) logarithm map).
func (p Pose) Log() Twist {
	w := logSO3(p.R)
	theta := w.Norm()
	wx := skew(w)

	var c float64
	if theta < 1e-4 {
		c = 1.0/12 + theta*theta/720
	} else {
		a, b, _ := so3Coeffs(theta)
		c = (1 - a/(2*b)) / (theta * theta)
	}
	vInv := Identity3().add(wx.scale(-0.5)).add(wx.Mul(wx).scale(c))
	u := vInv.MulVec(p.T)
	return Twist{u.X, u.Y, u.Z, w.X, w.Y, w.Z}
}
