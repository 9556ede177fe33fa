package align

import "errors"

// Setup and input errors. These are returned before any iteration runs.
var (
	// ErrInvalidInput indicates an empty or insufficient pair of collections.
	ErrInvalidInput = errors.New("align: invalid input collections")
	// ErrLayerMismatch indicates the collections declare different point layers.
	ErrLayerMismatch = errors.New("align: point layer names differ between collections")
	// ErrInvalidParameters indicates a parameter outside its valid range.
	ErrInvalidParameters = errors.New("align: invalid parameters")
	// ErrNoMatchers indicates an engine configured without matchers or solver.
	ErrNoMatchers = errors.New("align: no matchers configured")
	// ErrUnknownMatcher indicates a matcher class missing from the registry.
	ErrUnknownMatcher = errors.New("align: unknown matcher class")
	// ErrMatcherParams indicates malformed matcher parameters.
	ErrMatcherParams = errors.New("align: invalid matcher parameters")
)

// Runtime failures. The run terminates as Aborted and the partial result is
// returned alongside the error.
var (
	// ErrMatcher wraps a matcher failure during an iteration.
	ErrMatcher = errors.New("align: matcher failed")
	// ErrSolver wraps a pose solver failure during an iteration.
	ErrSolver = errors.New("align: pose solver failed")
	// ErrEmptyPairings is returned by solvers given no pairings.
	ErrEmptyPairings = errors.New("align: empty pairing set")
	// ErrDegenerate indicates pairings that do not constrain the pose.
	ErrDegenerate = errors.New("align: degenerate pairing geometry")
	// ErrCovariance indicates the covariance could not be estimated.
	ErrCovariance = errors.New("align: covariance estimation failed")
)
