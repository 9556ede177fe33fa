package align

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MatchOptions carries per-run knobs the engine hands to every matcher.
type MatchOptions struct {
	// MaxPairsPerLayer caps the A-side entities considered per layer. 0 means no cap.
	MaxPairsPerLayer int
}

// Matcher produces correspondences between two collections under a pose
// hypothesis that maps A onto B. Implementations must not mutate the inputs,
// must keep no state between calls, and return an empty set (not an error)
// when nothing matches.
type Matcher interface {
	Name() string
	Match(a, b *PointCloud, pose Pose, opts MatchOptions) (Pairings, error)
}

// MatcherFactory builds a matcher from its YAML parameters. params may be nil.
type MatcherFactory func(params *yaml.Node) (Matcher, error)

// MatcherConfig is one entry of the ordered matcher list.
type MatcherConfig struct {
	Class  string    `yaml:"class" json:"class"`
	Params yaml.Node `yaml:"params,omitempty" json:"-"`
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]MatcherFactory)
)

// RegisterMatcher makes a matcher class available by name. It is meant to be
// called from init functions and panics if the name is empty or taken.
func RegisterMatcher(class string, factory MatcherFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if class == "" {
		panic("align: RegisterMatcher with empty class name")
	}
	if factory == nil {
		panic("align: RegisterMatcher factory is nil for " + class)
	}
	if _, dup := registry[class]; dup {
		panic("align: RegisterMatcher called twice for " + class)
	}
	registry[class] = factory
}

// RegisteredMatchers returns the registered class names, sorted.
func RegisteredMatchers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMatcher instantiates a registered matcher class.
func NewMatcher(class string, params *yaml.Node) (Matcher, error) {
	registryMu.RLock()
	factory, ok := registry[class]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMatcher, class)
	}
	m, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", class, err)
	}
	return m, nil
}

// NewMatchers resolves an ordered matcher list. The returned slice keeps
// configuration order.
func NewMatchers(cfgs []MatcherConfig) ([]Matcher, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoMatchers
	}
	out := make([]Matcher, 0, len(cfgs))
	for i := range cfgs {
		m, err := NewMatcher(cfgs[i].Class, &cfgs[i].Params)
		if err != nil {
			return nil, fmt.Errorf("matchers[%d]: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// decodeParams decodes matcher parameters into dst, leaving dst untouched
// when no parameters were given.
func decodeParams(params *yaml.Node, dst interface{}) error {
	if params == nil || params.IsZero() {
		return nil
	}
	if err := params.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMatcherParams, err)
	}
	return nil
}

// sampleIndices returns up to limit indices spread uniformly over [0, n).
// limit <= 0 returns every index.
func sampleIndices(n, limit int) []int {
	if limit <= 0 || n <= limit {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, limit)
	step := float64(n) / float64(limit)
	for i := range idx {
		idx[i] = int(float64(i) * step)
	}
	return idx
}
