package align

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// PairingKind tags the geometric type of a correspondence.
type PairingKind int

const (
	PointToPoint PairingKind = iota
	PlaneToPlane
	LineToLine
)

var pairingKindNames = map[PairingKind]string{
	PointToPoint: "point-point",
	PlaneToPlane: "plane-plane",
	LineToLine:   "line-line",
}

func (k PairingKind) String() string {
	if s, ok := pairingKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("PairingKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k PairingKind) MarshalText() ([]byte, error) {
	s, ok := pairingKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown pairing kind %d", int(k))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PairingKind) UnmarshalText(text []byte) error {
	for kind, name := range pairingKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown pairing kind %q", string(text))
}

// Feature is the geometric payload of one side of a pairing. Points use only
// Point; planes carry their centroid and unit normal; lines carry a point on
// the line and its unit direction.
type Feature struct {
	Point     r3.Vector `json:"point"`
	Direction r3.Vector `json:"direction,omitzero"`
}

// Pairing is one correspondence between an entity of collection A and an
// entity of collection B.
type Pairing struct {
	Kind   PairingKind `json:"kind"`
	Layer  string      `json:"layer,omitempty"`
	IndexA int         `json:"indexA"`
	IndexB int         `json:"indexB"`
	A      Feature     `json:"a"`
	B      Feature     `json:"b"`
	Weight float64     `json:"weight"`
}

// Pairings is an ordered set of correspondences. Order is stable and
// meaningful for reproducibility; entries are never deduplicated.
type Pairings []Pairing

// Count returns the number of pairings of the given kind.
func (ps Pairings) Count(kind PairingKind) int {
	n := 0
	for _, p := range ps {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

// ConcatPairings concatenates sets in argument order.
func ConcatPairings(sets ...Pairings) Pairings {
	total := 0
	for _, s := range sets {
		total += len(s)
	}
	out := make(Pairings, 0, total)
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}
