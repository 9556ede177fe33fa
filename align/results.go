package align

import "fmt"

// TerminationReason records why an alignment stopped.
type TerminationReason int

const (
	NotTerminatedYet TerminationReason = iota
	MaxIterationsReached
	Stalled
	NoPairings
	// Aborted means a matcher or the solver failed; the error is returned
	// alongside the result.
	Aborted
)

var terminationNames = map[TerminationReason]string{
	NotTerminatedYet:     "NotTerminatedYet",
	MaxIterationsReached: "MaxIterationsReached",
	Stalled:              "Stalled",
	NoPairings:           "NoPairings",
	Aborted:              "Aborted",
}

func (r TerminationReason) String() string {
	if s, ok := terminationNames[r]; ok {
		return s
	}
	return fmt.Sprintf("TerminationReason(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r TerminationReason) MarshalText() ([]byte, error) {
	s, ok := terminationNames[r]
	if !ok {
		return nil, fmt.Errorf("unknown termination reason %d", int(r))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *TerminationReason) UnmarshalText(text []byte) error {
	for reason, name := range terminationNames {
		if name == string(text) {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown termination reason %q", string(text))
}

// PoseWithCovariance is a pose estimate and its uncertainty.
type PoseWithCovariance struct {
	Mean Pose       `json:"mean"`
	Cov  Covariance `json:"cov"`
}

// Results is the outcome of one Align call.
type Results struct {
	RunID             string             `json:"runId"`
	Iterations        int                `json:"iterations"`
	TerminationReason TerminationReason  `json:"terminationReason"`
	Goodness          float64            `json:"goodness"`
	Pose              PoseWithCovariance `json:"pose"`
	Scale             float64            `json:"scale"`
	Pairings          Pairings           `json:"pairings,omitempty"`
}

// Succeeded reports whether the run converged or ran out of iterations with
// usable pairings. NoPairings and Aborted results should not be trusted.
func (r *Results) Succeeded() bool {
	return r.TerminationReason == Stalled || r.TerminationReason == MaxIterationsReached
}
