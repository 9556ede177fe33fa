package align

import (
	"sort"

	"github.com/golang/geo/r3"
)

// Plane is an infinite plane through Centroid with unit Normal.
type Plane struct {
	Centroid r3.Vector `json:"centroid" yaml:"centroid"`
	Normal   r3.Vector `json:"normal" yaml:"normal"`
}

// SignedDistance returns the signed distance from p to the plane.
func (pl Plane) SignedDistance(p r3.Vector) float64 {
	return pl.Normal.Dot(p.Sub(pl.Centroid))
}

// Transform applies a pose to the plane.
func (pl Plane) Transform(p Pose) Plane {
	return Plane{Centroid: p.Apply(pl.Centroid), Normal: p.Rotate(pl.Normal)}
}

// Line is an infinite line through Point with unit Direction.
type Line struct {
	Point     r3.Vector `json:"point" yaml:"point"`
	Direction r3.Vector `json:"direction" yaml:"direction"`
}

// Distance returns the perpendicular distance from p to the line.
func (l Line) Distance(p r3.Vector) float64 {
	d := p.Sub(l.Point)
	return d.Sub(l.Direction.Mul(d.Dot(l.Direction))).Norm()
}

// Transform applies a pose to the line.
func (l Line) Transform(p Pose) Line {
	return Line{Point: p.Apply(l.Point), Direction: p.Rotate(l.Direction)}
}

// PointCloud is a collection of geometric primitives extracted from one scan:
// named point layers plus plane and line sets.
type PointCloud struct {
	Name   string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Points map[string][]r3.Vector `json:"points,omitempty" yaml:"points,omitempty"`
	Planes []Plane                `json:"planes,omitempty" yaml:"planes,omitempty"`
	Lines  []Line                 `json:"lines,omitempty" yaml:"lines,omitempty"`
}

// NewPointCloud creates an empty collection.
func NewPointCloud(name string) *PointCloud {
	return &PointCloud{Name: name, Points: make(map[string][]r3.Vector)}
}

// AddPoints appends points to the named layer.
func (pc *PointCloud) AddPoints(layer string, pts ...r3.Vector) {
	if pc.Points == nil {
		pc.Points = make(map[string][]r3.Vector)
	}
	pc.Points[layer] = append(pc.Points[layer], pts...)
}

// Size returns the total number of entities: points in every layer, planes and lines.
func (pc *PointCloud) Size() int {
	n := len(pc.Planes) + len(pc.Lines)
	for _, pts := range pc.Points {
		n += len(pts)
	}
	return n
}

// PointCount returns the number of points across all layers.
func (pc *PointCloud) PointCount() int {
	n := 0
	for _, pts := range pc.Points {
		n += len(pts)
	}
	return n
}

// LayerNames returns the point-layer names in sorted order.
func (pc *PointCloud) LayerNames() []string {
	names := make([]string, 0, len(pc.Points))
	for name := range pc.Points {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sameLayerNames reports whether a and b declare the same point-layer names.
func sameLayerNames(a, b *PointCloud) bool {
	if len(a.Points) != len(b.Points) {
		return false
	}
	for name := range a.Points {
		if _, ok := b.Points[name]; !ok {
			return false
		}
	}
	return true
}
