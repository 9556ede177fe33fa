package align

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gopkg.in/yaml.v3"
)

func init() {
	RegisterMatcher("points_distance_threshold", newPointsDistanceMatcher)
	RegisterMatcher("points_inlier_ratio", newPointsInlierMatcher)
}

// pointIndex is a nearest-neighbour index over one point layer. It is built
// per Match call and never shared between goroutines.
type pointIndex struct {
	tree  *kdtree.Tree
	index map[[3]float64]int
}

func newPointIndex(pts []r3.Vector) *pointIndex {
	if len(pts) == 0 {
		return nil
	}
	kp := make(kdtree.Points, len(pts))
	idx := make(map[[3]float64]int, len(pts))
	for i, p := range pts {
		kp[i] = kdtree.Point{p.X, p.Y, p.Z}
		key := [3]float64{p.X, p.Y, p.Z}
		if _, ok := idx[key]; !ok {
			idx[key] = i
		}
	}
	// kdtree.New reorders kp; the coordinate map recovers original indices.
	return &pointIndex{tree: kdtree.New(kp, false), index: idx}
}

// nearest returns the index of the closest point to q and the Euclidean distance.
func (pi *pointIndex) nearest(q r3.Vector) (int, float64) {
	c, d2 := pi.tree.Nearest(kdtree.Point{q.X, q.Y, q.Z})
	p := c.(kdtree.Point)
	return pi.index[[3]float64{p[0], p[1], p[2]}], math.Sqrt(d2)
}

type pointMatch struct {
	ia, ib int
	dist   float64
}

// nearestMatches pairs each sampled A point (after transformation by pose)
// with its nearest neighbour in B.
func nearestMatches(layer string, a, b *PointCloud, pose Pose, opts MatchOptions) []pointMatch {
	pa, pb := a.Points[layer], b.Points[layer]
	if len(pa) == 0 || len(pb) == 0 {
		return nil
	}
	idx := newPointIndex(pb)
	samples := sampleIndices(len(pa), opts.MaxPairsPerLayer)
	out := make([]pointMatch, 0, len(samples))
	for _, ia := range samples {
		ib, d := idx.nearest(pose.Apply(pa[ia]))
		out = append(out, pointMatch{ia: ia, ib: ib, dist: d})
	}
	return out
}

func pointPairing(layer string, a, b *PointCloud, m pointMatch) Pairing {
	return Pairing{
		Kind:   PointToPoint,
		Layer:  layer,
		IndexA: m.ia,
		IndexB: m.ib,
		A:      Feature{Point: a.Points[layer][m.ia]},
		B:      Feature{Point: b.Points[layer][m.ib]},
		Weight: 1,
	}
}

// PointsDistanceMatcher pairs every A point with its nearest B neighbour in
// the same layer when that neighbour lies within Threshold meters.
type PointsDistanceMatcher struct {
	Layer     string  `yaml:"layer"`
	Threshold float64 `yaml:"threshold"`
}

func newPointsDistanceMatcher(params *yaml.Node) (Matcher, error) {
	m := &PointsDistanceMatcher{Layer: "raw", Threshold: 0.5}
	if err := decodeParams(params, m); err != nil {
		return nil, err
	}
	if m.Layer == "" {
		return nil, fmt.Errorf("%w: layer is required", ErrMatcherParams)
	}
	if m.Threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be > 0, got %g", ErrMatcherParams, m.Threshold)
	}
	return m, nil
}

func (m *PointsDistanceMatcher) Name() string { return "points_distance_threshold" }

func (m *PointsDistanceMatcher) Match(a, b *PointCloud, pose Pose, opts MatchOptions) (Pairings, error) {
	var out Pairings
	for _, pm := range nearestMatches(m.Layer, a, b, pose, opts) {
		if pm.dist <= m.Threshold {
			out = append(out, pointPairing(m.Layer, a, b, pm))
		}
	}
	return out, nil
}

// PointsInlierRatioMatcher pairs every A point with its nearest B neighbour
// and keeps only the closest Ratio fraction of those pairs.
type PointsInlierRatioMatcher struct {
	Layer string  `yaml:"layer"`
	Ratio float64 `yaml:"ratio"`
}

func newPointsInlierMatcher(params *yaml.Node) (Matcher, error) {
	m := &PointsInlierRatioMatcher{Layer: "raw", Ratio: 0.8}
	if err := decodeParams(params, m); err != nil {
		return nil, err
	}
	if m.Layer == "" {
		return nil, fmt.Errorf("%w: layer is required", ErrMatcherParams)
	}
	if m.Ratio <= 0 || m.Ratio > 1 {
		return nil, fmt.Errorf("%w: ratio must be in (0, 1], got %g", ErrMatcherParams, m.Ratio)
	}
	return m, nil
}

func (m *PointsInlierRatioMatcher) Name() string { return "points_inlier_ratio" }

func (m *PointsInlierRatioMatcher) Match(a, b *PointCloud, pose Pose, opts MatchOptions) (Pairings, error) {
	matches := nearestMatches(m.Layer, a, b, pose, opts)
	if len(matches) == 0 {
		return nil, nil
	}
	keep := int(math.Ceil(float64(len(matches)) * m.Ratio))

	byDist := make([]pointMatch, len(matches))
	copy(byDist, matches)
	sort.SliceStable(byDist, func(i, j int) bool { return byDist[i].dist < byDist[j].dist })
	byDist = byDist[:keep]
	// Back to A order so output is independent of the distance ranking.
	sort.Slice(byDist, func(i, j int) bool { return byDist[i].ia < byDist[j].ia })

	out := make(Pairings, 0, keep)
	for _, pm := range byDist {
		out = append(out, pointPairing(m.Layer, a, b, pm))
	}
	return out, nil
}
