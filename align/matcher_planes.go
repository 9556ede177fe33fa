package align

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

func init() {
	RegisterMatcher("planes_threshold", newPlanesMatcher)
	RegisterMatcher("lines_threshold", newLinesMatcher)
}

// angularThresholds is the parameter block shared by the plane and line
// matchers. Angle is given in degrees.
type angularThresholds struct {
	Distance float64 `yaml:"distance"`
	Angle    float64 `yaml:"angle"`
}

func decodeAngularThresholds(params *yaml.Node) (angularThresholds, error) {
	t := angularThresholds{Distance: 0.25, Angle: 5}
	if err := decodeParams(params, &t); err != nil {
		return t, err
	}
	if t.Distance <= 0 {
		return t, fmt.Errorf("%w: distance must be > 0, got %g", ErrMatcherParams, t.Distance)
	}
	if t.Angle <= 0 || t.Angle > 90 {
		return t, fmt.Errorf("%w: angle must be in (0, 90] degrees, got %g", ErrMatcherParams, t.Angle)
	}
	return t, nil
}

// PlanesMatcher pairs each A plane with the closest B plane whose normal lies
// within MaxAngle (radians) and whose surface passes within MaxDistance of
// the transformed A centroid.
type PlanesMatcher struct {
	MaxDistance float64
	MaxAngle    float64
}

func newPlanesMatcher(params *yaml.Node) (Matcher, error) {
	t, err := decodeAngularThresholds(params)
	if err != nil {
		return nil, err
	}
	return &PlanesMatcher{MaxDistance: t.Distance, MaxAngle: t.Angle * math.Pi / 180}, nil
}

func (m *PlanesMatcher) Name() string { return "planes_threshold" }

func (m *PlanesMatcher) Match(a, b *PointCloud, pose Pose, opts MatchOptions) (Pairings, error) {
	if len(a.Planes) == 0 || len(b.Planes) == 0 {
		return nil, nil
	}
	minCos := math.Cos(m.MaxAngle)
	var out Pairings
	for _, ia := range sampleIndices(len(a.Planes), opts.MaxPairsPerLayer) {
		pa := a.Planes[ia].Transform(pose)
		best, bestDist, flip := -1, math.Inf(1), false
		for ib, pb := range b.Planes {
			c := pa.Normal.Dot(pb.Normal)
			if math.Abs(c) < minCos {
				continue
			}
			d := math.Abs(pb.SignedDistance(pa.Centroid))
			if d <= m.MaxDistance && d < bestDist {
				best, bestDist, flip = ib, d, c < 0
			}
		}
		if best < 0 {
			continue
		}
		na := a.Planes[ia].Normal
		if flip {
			na = na.Mul(-1)
		}
		out = append(out, Pairing{
			Kind:   PlaneToPlane,
			IndexA: ia,
			IndexB: best,
			A:      Feature{Point: a.Planes[ia].Centroid, Direction: na},
			B:      Feature{Point: b.Planes[best].Centroid, Direction: b.Planes[best].Normal},
			Weight: 1,
		})
	}
	return out, nil
}

// LinesMatcher pairs each A line with the closest B line whose direction lies
// within MaxAngle (radians) and which passes within MaxDistance of the
// transformed A anchor point.
type LinesMatcher struct {
	MaxDistance float64
	MaxAngle    float64
}

func newLinesMatcher(params *yaml.Node) (Matcher, error) {
	t, err := decodeAngularThresholds(params)
	if err != nil {
		return nil, err
	}
	return &LinesMatcher{MaxDistance: t.Distance, MaxAngle: t.Angle * math.Pi / 180}, nil
}

func (m *LinesMatcher) Name() string { return "lines_threshold" }

func (m *LinesMatcher) Match(a, b *PointCloud, pose Pose, opts MatchOptions) (Pairings, error) {
	if len(a.Lines) == 0 || len(b.Lines) == 0 {
		return nil, nil
	}
	minCos := math.Cos(m.MaxAngle)
	var out Pairings
	for _, ia := range sampleIndices(len(a.Lines), opts.MaxPairsPerLayer) {
		la := a.Lines[ia].Transform(pose)
		best, bestDist, flip := -1, math.Inf(1), false
		for ib, lb := range b.Lines {
			c := la.Direction.Dot(lb.Direction)
			if math.Abs(c) < minCos {
				continue
			}
			d := lb.Distance(la.Point)
			if d <= m.MaxDistance && d < bestDist {
				best, bestDist, flip = ib, d, c < 0
			}
		}
		if best < 0 {
			continue
		}
		da := a.Lines[ia].Direction
		if flip {
			da = da.Mul(-1)
		}
		out = append(out, Pairing{
			Kind:   LineToLine,
			IndexA: ia,
			IndexB: best,
			A:      Feature{Point: a.Lines[ia].Point, Direction: da},
			B:      Feature{Point: b.Lines[best].Point, Direction: b.Lines[best].Direction},
			Weight: 1,
		})
	}
	return out, nil
}
