package main

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/scanalign/align"
)

// newServiceApp wires an App the way RunService does, with a mock MQTT client.
func newServiceApp(t *testing.T) (*App, *align.MockClient) {
	t.Helper()
	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	if err := app.loadConfig(); err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if err := app.newTracker(); err != nil {
		t.Fatalf("newTracker() error = %v", err)
	}

	client := align.NewMockClient()
	client.SetConnected(true)
	app.Publisher = align.NewPublisher(client, "test")
	return app, client
}

// TestMQTTServiceConfigLoading tests configuration loading for MQTT service
func TestMQTTServiceConfigLoading(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	tests := []struct {
		name        string
		configYAML  string
		shouldError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			configYAML: `mqtt:
  broker: "tcp://localhost:1883"
  publishPrefix: "scanalign"
  clientId: "test-client"

sensors:
  - id: lidar
    topic: "scans/lidar"
  - id: depth
    topic: "scans/depth"
`,
			shouldError: false,
		},
		{
			name: "missing broker",
			configYAML: `sensors:
  - id: lidar
    topic: "scans/lidar"
`,
			shouldError: true,
			errorMsg:    "mqtt.broker is required",
		},
		{
			name: "sensor missing ID",
			configYAML: `mqtt:
  broker: "tcp://localhost:1883"

sensors:
  - topic: "scans/lidar"
`,
			shouldError: true,
			errorMsg:    "id is required",
		},
		{
			name: "unknown matcher class",
			configYAML: `icp:
  matchers:
    - class: nearest_banana
`,
			shouldError: true,
			errorMsg:    "unknown matcher class",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}

			app := NewApp()
			app.ApplyOptions(AppOptions{ConfigFile: configPath})
			err := app.loadConfig()

			if tt.shouldError {
				if err == nil {
					t.Errorf("Expected error containing '%s', got nil", tt.errorMsg)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got: %v", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(app.Config.Sensors) != 2 {
				t.Errorf("Expected 2 sensors, got %d", len(app.Config.Sensors))
			}
			if app.ICP == nil {
				t.Error("ICP engine should be built from config")
			}
		})
	}
}

func TestHandleScan_FirstScanPublishesPoseOnly(t *testing.T) {
	app, client := newServiceApp(t)

	app.handleScan("lidar", pointScan(0), nil)

	if _, ok := client.LastPublished("test/lidar/alignment"); ok {
		t.Error("first scan should not publish an alignment")
	}
	if _, ok := client.LastPublished("test/lidar/pose"); !ok {
		t.Error("first scan should publish the starting pose")
	}
}

func TestHandleScan_PublishesAlignmentAndPose(t *testing.T) {
	app, client := newServiceApp(t)

	app.handleScan("lidar", pointScan(0), nil)
	app.handleScan("lidar", pointScan(-0.05), nil)

	msg, ok := client.LastPublished("test/lidar/alignment")
	if !ok {
		t.Fatal("expected alignment message")
	}
	var alignment align.AlignmentMessage
	if err := json.Unmarshal(msg.Payload, &alignment); err != nil {
		t.Fatalf("invalid alignment payload: %v", err)
	}
	if alignment.TerminationReason != align.Stalled {
		t.Errorf("TerminationReason = %s, want Stalled", alignment.TerminationReason)
	}
	if d := alignment.Translation.X + 0.05; d > 1e-6 || d < -1e-6 {
		t.Errorf("relative x = %f, want -0.05", alignment.Translation.X)
	}

	pose, ok := app.Publisher.GetPose("lidar")
	if !ok {
		t.Fatal("expected stored pose")
	}
	if d := pose.Translation.X - 0.05; d > 1e-6 || d < -1e-6 {
		t.Errorf("accumulated x = %f, want 0.05", pose.Translation.X)
	}
	if pose.Scans != 2 {
		t.Errorf("Scans = %d, want 2", pose.Scans)
	}
}

// TestMessageHandlerErrorCases tests that bad scans do not disturb tracking
func TestMessageHandlerErrorCases(t *testing.T) {
	app, client := newServiceApp(t)

	app.handleScan("lidar", nil, errors.New("unknown format"))
	if len(client.Published()) != 0 {
		t.Errorf("decode errors should not publish, got %d messages", len(client.Published()))
	}
	if _, ok := app.Tracker.GetTrack("lidar"); ok {
		t.Error("decode errors should not create a track")
	}

	app.handleScan("lidar", pointScan(0), nil)
	far := pointScan(500)
	app.handleScan("lidar", far, nil)

	msg, ok := client.LastPublished("test/lidar/alignment")
	if !ok {
		t.Fatal("failed alignments should still be published")
	}
	var alignment align.AlignmentMessage
	if err := json.Unmarshal(msg.Payload, &alignment); err != nil {
		t.Fatalf("invalid alignment payload: %v", err)
	}
	if alignment.TerminationReason != align.NoPairings {
		t.Errorf("TerminationReason = %s, want NoPairings", alignment.TerminationReason)
	}

	track, _ := app.Tracker.GetTrack("lidar")
	if track.Failures != 1 {
		t.Errorf("Failures = %d, want 1", track.Failures)
	}
}

func TestHandleScan_NoPublisher(t *testing.T) {
	app, _ := newServiceApp(t)
	app.Publisher = nil

	app.handleScan("lidar", pointScan(0), nil)
	app.handleScan("lidar", pointScan(-0.05), nil)

	track, ok := app.Tracker.GetTrack("lidar")
	if !ok || track.Scans != 2 {
		t.Errorf("tracking should work without a publisher, got %+v", track)
	}
}

// TestNewTracker_RegistersSensorStarts tests that configured start poses seed
// the published pose
func TestNewTracker_RegistersSensorStarts(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `mqtt:
  broker: "tcp://localhost:1883"
  publishPrefix: "test"

sensors:
  - id: lidar
    topic: "scans/lidar"
    start: {x: 5, y: 1, z: 0, yaw: 0}
  - id: depth
    topic: "scans/depth"
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	app := NewApp()
	app.Out = &strings.Builder{}
	app.ApplyOptions(AppOptions{ConfigFile: configPath})
	if err := app.loadConfig(); err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if err := app.newTracker(); err != nil {
		t.Fatalf("newTracker() error = %v", err)
	}
	client := align.NewMockClient()
	client.SetConnected(true)
	app.startPublisher(client)

	if _, ok := app.Tracker.GetTrack("depth"); ok {
		t.Error("sensor without a start pose should not be registered")
	}

	app.handleScan("lidar", pointScan(0), nil)
	app.handleScan("lidar", pointScan(-0.05), nil)

	track, ok := app.Tracker.GetTrack("lidar")
	if !ok {
		t.Fatal("expected lidar track")
	}
	if math.Abs(track.Pose.T.X-5.05) > 1e-6 || math.Abs(track.Pose.T.Y-1) > 1e-6 {
		t.Errorf("pose = %+v, want (5.05, 1, 0)", track.Pose.T)
	}

	msg, ok := client.LastPublished("test/lidar/pose")
	if !ok {
		t.Fatal("expected pose message")
	}
	var pose align.PoseMessage
	if err := json.Unmarshal(msg.Payload, &pose); err != nil {
		t.Fatalf("pose payload is not valid JSON: %v", err)
	}
	if math.Abs(pose.Translation.X-5.05) > 1e-6 {
		t.Errorf("published x = %f, want 5.05", pose.Translation.X)
	}
}

// TestStartPublisher_EnvPrefixOverridesConfig tests that MQTT_PUBLISH_PREFIX
// wins over a prefix set in the config file
func TestStartPublisher_EnvPrefixOverridesConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `mqtt:
  broker: "tcp://localhost:1883"
  publishPrefix: "from-config"
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	tests := []struct {
		name      string
		envPrefix string
		wantTopic string
	}{
		{"env set", "site7", "site7/lidar/pose"},
		{"env empty", "", "from-config/lidar/pose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MQTT_PUBLISH_PREFIX", tt.envPrefix)
			app := NewApp()
			app.Out = &strings.Builder{}
			app.ApplyOptions(AppOptions{ConfigFile: configPath})
			if err := app.loadConfig(); err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			if err := app.newTracker(); err != nil {
				t.Fatalf("newTracker() error = %v", err)
			}

			client := align.NewMockClient()
			client.SetConnected(true)
			app.startPublisher(client)

			app.handleScan("lidar", pointScan(0), nil)

			if _, ok := client.LastPublished(tt.wantTopic); !ok {
				t.Errorf("expected a message on %s, got %+v", tt.wantTopic, client.Published())
			}
		})
	}
}

// TestMQTTServiceGracefulShutdown tests that a disabled MQTT service fails fast
func TestMQTTServiceGracefulShutdown(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	app := NewApp()
	app.Out = &strings.Builder{}
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml"), MqttMode: true})

	err := app.RunService()
	if err == nil || !strings.Contains(err.Error(), "MQTT broker not configured") {
		t.Errorf("expected broker error, got %v", err)
	}
}
