package align

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the full configuration file
type Config struct {
	ICP     ICPConfig      `yaml:"icp" json:"icp"`
	MQTT    MQTTConfig     `yaml:"mqtt,omitempty" json:"mqtt"`
	Sensors []SensorConfig `yaml:"sensors,omitempty" json:"sensors,omitempty"`
}

// ICPConfig configures the alignment engine: termination parameters and
// weighting, solver, covariance steps and the ordered matcher list.
type ICPConfig struct {
	Parameters `yaml:",inline"`
	Solver     SolverConfig         `yaml:"solver" json:"solver"`
	Covariance CovarianceParameters `yaml:"covariance" json:"covariance"`
	Matchers   []MatcherConfig      `yaml:"matchers" json:"matchers"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SensorConfig defines a scan source from the config file
type SensorConfig struct {
	ID    string     `yaml:"id" json:"id"`
	Topic string     `yaml:"topic" json:"topic"`
	Start *StartPose `yaml:"start,omitempty" json:"start,omitempty"`
}

// StartPose is a sensor's known starting pose: meters and degrees.
type StartPose struct {
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	Z     float64 `yaml:"z" json:"z"`
	Yaw   float64 `yaml:"yaw" json:"yaw"`
	Pitch float64 `yaml:"pitch" json:"pitch"`
	Roll  float64 `yaml:"roll" json:"roll"`
}

// Pose converts the start pose to radians.
func (s StartPose) Pose() Pose {
	deg := math.Pi / 180
	return PoseFromYPR(s.X, s.Y, s.Z, s.Yaw*deg, s.Pitch*deg, s.Roll*deg)
}

// DefaultMatcherConfigs returns a single nearest-point matcher on the "raw" layer.
func DefaultMatcherConfigs() []MatcherConfig {
	mc := MatcherConfig{Class: "points_distance_threshold"}
	// Encoding a plain map into a fresh node cannot fail.
	_ = mc.Params.Encode(map[string]interface{}{"layer": "raw", "threshold": 0.5})
	return []MatcherConfig{mc}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		ICP: ICPConfig{
			Parameters: DefaultParameters(),
			Solver:     SolverConfig{Class: "horn"},
			Covariance: DefaultCovarianceParameters(),
			Matchers:   DefaultMatcherConfigs(),
		},
		MQTT: MQTTConfig{PublishPrefix: "scanalign", ClientID: "scanalign"},
	}
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required fields and parameter ranges.
func (c *Config) Validate() error {
	if err := c.ICP.Parameters.Validate(); err != nil {
		return fmt.Errorf("icp: %w", err)
	}
	if len(c.ICP.Matchers) == 0 {
		return fmt.Errorf("icp.matchers: %w", ErrNoMatchers)
	}
	for i, mc := range c.ICP.Matchers {
		if mc.Class == "" {
			return fmt.Errorf("icp.matchers[%d].class is required", i)
		}
	}
	if c.ICP.Covariance.FinDifXYZ <= 0 || c.ICP.Covariance.FinDifAngles <= 0 {
		return fmt.Errorf("icp.covariance: %w: finite difference steps must be > 0", ErrInvalidParameters)
	}

	if len(c.Sensors) > 0 && c.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
		return fmt.Errorf("mqtt.broker is required when sensors are configured")
	}
	seen := make(map[string]bool, len(c.Sensors))
	for i, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if sc.Topic == "" {
			return fmt.Errorf("sensors[%d].topic is required for %s", i, sc.ID)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sensors[%d]: duplicate id %s", i, sc.ID)
		}
		seen[sc.ID] = true
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// NewICPFromConfig resolves the matcher list and solver. Unknown matcher
// classes and malformed parameters fail here, before any alignment runs.
func NewICPFromConfig(cfg ICPConfig) (*ICP, error) {
	matchers, err := NewMatchers(cfg.Matchers)
	if err != nil {
		return nil, err
	}
	solver, err := NewSolver(cfg.Solver)
	if err != nil {
		return nil, err
	}
	ic := NewICP(solver, matchers...)
	ic.SetCovarianceEstimator(FiniteDifferenceCovariance{}, cfg.Covariance)
	return ic, nil
}
