package align

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// PairWeights scales each pairing kind's contribution to the pose solution.
type PairWeights struct {
	PointToPoint float64 `yaml:"pointToPoint" json:"pointToPoint"`
	PlaneToPlane float64 `yaml:"planeToPlane" json:"planeToPlane"`
	LineToLine   float64 `yaml:"lineToLine" json:"lineToLine"`
}

// DefaultPairWeights weighs every pairing kind equally.
func DefaultPairWeights() PairWeights {
	return PairWeights{PointToPoint: 1, PlaneToPlane: 1, LineToLine: 1}
}

// For returns the weight for a pairing kind.
func (w PairWeights) For(kind PairingKind) float64 {
	switch kind {
	case PointToPoint:
		return w.PointToPoint
	case PlaneToPlane:
		return w.PlaneToPlane
	case LineToLine:
		return w.LineToLine
	}
	return 0
}

// WeightParameters controls robust weighting and outlier rejection applied
// by the pose solver. RobustKernelParam is an angle held in radians; it is
// written to and read from YAML in degrees.
type WeightParameters struct {
	UseScaleOutlierDetector bool
	ScaleOutlierThreshold   float64
	UseRobustKernel         bool
	RobustKernelParam       float64
	RobustKernelScale       float64
	PairWeights             PairWeights
}

// DefaultWeightParameters returns the weighting used when none is configured.
func DefaultWeightParameters() WeightParameters {
	return WeightParameters{
		UseScaleOutlierDetector: false,
		ScaleOutlierThreshold:   1.20,
		UseRobustKernel:         false,
		RobustKernelParam:       0.1 * math.Pi / 180,
		RobustKernelScale:       400,
		PairWeights:             DefaultPairWeights(),
	}
}

// weightParametersYAML is the on-disk form of WeightParameters.
type weightParametersYAML struct {
	UseScaleOutlierDetector bool        `yaml:"useScaleOutlierDetector"`
	ScaleOutlierThreshold   float64     `yaml:"scaleOutlierThreshold"`
	UseRobustKernel         bool        `yaml:"useRobustKernel"`
	RobustKernelParamDeg    float64     `yaml:"robustKernelParam"`
	RobustKernelScale       float64     `yaml:"robustKernelScale"`
	PairWeights             PairWeights `yaml:"pairWeights"`
}

// UnmarshalYAML reads the weighting section, converting the kernel angle from
// degrees. Keys absent from the document keep their current values.
func (w *WeightParameters) UnmarshalYAML(value *yaml.Node) error {
	raw := weightParametersYAML{
		UseScaleOutlierDetector: w.UseScaleOutlierDetector,
		ScaleOutlierThreshold:   w.ScaleOutlierThreshold,
		UseRobustKernel:         w.UseRobustKernel,
		RobustKernelParamDeg:    w.RobustKernelParam * 180 / math.Pi,
		RobustKernelScale:       w.RobustKernelScale,
		PairWeights:             w.PairWeights,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*w = WeightParameters{
		UseScaleOutlierDetector: raw.UseScaleOutlierDetector,
		ScaleOutlierThreshold:   raw.ScaleOutlierThreshold,
		UseRobustKernel:         raw.UseRobustKernel,
		RobustKernelParam:       raw.RobustKernelParamDeg * math.Pi / 180,
		RobustKernelScale:       raw.RobustKernelScale,
		PairWeights:             raw.PairWeights,
	}
	return nil
}

// MarshalYAML writes the kernel angle in degrees.
func (w WeightParameters) MarshalYAML() (interface{}, error) {
	return weightParametersYAML{
		UseScaleOutlierDetector: w.UseScaleOutlierDetector,
		ScaleOutlierThreshold:   w.ScaleOutlierThreshold,
		UseRobustKernel:         w.UseRobustKernel,
		RobustKernelParamDeg:    w.RobustKernelParam * 180 / math.Pi,
		RobustKernelScale:       w.RobustKernelScale,
		PairWeights:             w.PairWeights,
	}, nil
}

// Validate checks the weighting knobs the solver relies on.
func (w WeightParameters) Validate() error {
	if w.UseScaleOutlierDetector && w.ScaleOutlierThreshold <= 1 {
		return fmt.Errorf("%w: scaleOutlierThreshold must be > 1, got %g", ErrInvalidParameters, w.ScaleOutlierThreshold)
	}
	if w.UseRobustKernel {
		if w.RobustKernelParam <= 0 {
			return fmt.Errorf("%w: robustKernelParam must be > 0", ErrInvalidParameters)
		}
		if w.RobustKernelScale <= 0 {
			return fmt.Errorf("%w: robustKernelScale must be > 0", ErrInvalidParameters)
		}
	}
	pw := w.PairWeights
	if pw.PointToPoint < 0 || pw.PlaneToPlane < 0 || pw.LineToLine < 0 {
		return fmt.Errorf("%w: pair weights must be non-negative", ErrInvalidParameters)
	}
	return nil
}

// Parameters holds the termination criteria and weighting for one alignment.
// Distances are in meters and angles in radians.
type Parameters struct {
	MaxIterations    int              `yaml:"maxIterations"`    // Maximum number of iterations
	MinAbsStepTrans  float64          `yaml:"minAbsStepTrans"`  // Stall when the translation step is below this (m)
	MinAbsStepRot    float64          `yaml:"minAbsStepRot"`    // ...and the rotation step is below this (rad)
	MaxPairsPerLayer int              `yaml:"maxPairsPerLayer"` // Decimation cap handed to matchers, 0 = unlimited
	ParallelMatchers bool             `yaml:"parallelMatchers"` // Run matchers of one iteration concurrently
	Weights          WeightParameters `yaml:"weights"`
}

// DefaultParameters returns the standard termination criteria.
func DefaultParameters() Parameters {
	return Parameters{
		MaxIterations:    40,
		MinAbsStepTrans:  5e-4,
		MinAbsStepRot:    1e-4,
		MaxPairsPerLayer: 500,
		ParallelMatchers: true,
		Weights:          DefaultWeightParameters(),
	}
}

// Validate checks parameter ranges.
func (p Parameters) Validate() error {
	if p.MaxIterations < 0 {
		return fmt.Errorf("%w: maxIterations must be >= 0, got %d", ErrInvalidParameters, p.MaxIterations)
	}
	if p.MinAbsStepTrans < 0 || p.MinAbsStepRot < 0 {
		return fmt.Errorf("%w: minimum step thresholds must be >= 0", ErrInvalidParameters)
	}
	if p.MaxPairsPerLayer < 0 {
		return fmt.Errorf("%w: maxPairsPerLayer must be >= 0", ErrInvalidParameters)
	}
	return p.Weights.Validate()
}
