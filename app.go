package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/scanalign/align"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *align.Config
	ICP        *align.ICP
	Tracker    *align.OdometryTracker
	MQTTClient *align.MQTTClient
	Publisher  *align.Publisher
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	SourceFile   string
	TargetFile   string
	OutputFile   string
	InitialGuess string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SourceFile = opts.SourceFile
	a.TargetFile = opts.TargetFile
	a.OutputFile = opts.OutputFile
	a.InitialGuess = opts.InitialGuess
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig loads the config file and builds the ICP engine from it. A
// missing file falls back to the defaults.
func (a *App) loadConfig() error {
	if a.ConfigFile == "" {
		a.Config = align.DefaultConfig()
	} else if _, err := os.Stat(a.ConfigFile); errors.Is(err, os.ErrNotExist) {
		log.Printf("No config at %s, using defaults", a.ConfigFile)
		a.Config = align.DefaultConfig()
	} else {
		config, err := align.LoadConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		a.Config = config
		log.Printf("Loaded config from %s", a.ConfigFile)
	}

	icp, err := align.NewICPFromConfig(a.Config.ICP)
	if err != nil {
		return fmt.Errorf("failed to build ICP: %w", err)
	}
	a.ICP = icp
	return nil
}

// RunAlign aligns the source scan onto the target scan and prints the result
func (a *App) RunAlign() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	source, err := loadScan(a.SourceFile)
	if err != nil {
		return fmt.Errorf("source %s: %w", a.SourceFile, err)
	}
	target, err := loadScan(a.TargetFile)
	if err != nil {
		return fmt.Errorf("target %s: %w", a.TargetFile, err)
	}

	guess, err := parseInitialGuess(a.InitialGuess)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Aligning %s (%d entities) onto %s (%d entities)\n",
		source.Name, source.Size(), target.Name, target.Size())
	fmt.Fprintf(a.Out, "Matchers: %s\n", strings.Join(a.ICP.Matchers(), ", "))

	res, runErr := a.ICP.Align(source, target, guess, a.Config.ICP.Parameters)
	if res == nil {
		return runErr
	}
	printResult(a.Out, res)

	if a.OutputFile != "" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", a.OutputFile, err)
		}
		fmt.Fprintf(a.Out, "Saved result to %s\n", a.OutputFile)
	}
	return runErr
}

// loadScan reads a scan from a file or, for http(s) URLs, downloads it
func loadScan(location string) (*align.PointCloud, error) {
	if !align.IsScanURL(location) {
		return align.ParseScanFile(location)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pc, err := align.FetchScan(ctx, location)
	if err != nil {
		return nil, err
	}
	if pc.Name == "" {
		pc.Name = location
	}
	return pc, nil
}

func printResult(out io.Writer, res *align.Results) {
	p := res.Pose.Mean
	yaw, pitch, roll := p.YPR()
	fmt.Fprintf(out, "\n=== Result %s ===\n", res.RunID)
	fmt.Fprintf(out, "Termination: %s after %d iterations\n", res.TerminationReason, res.Iterations)
	fmt.Fprintf(out, "Goodness: %.3f (%d pairings: %d point, %d plane, %d line)\n", res.Goodness, len(res.Pairings),
		res.Pairings.Count(align.PointToPoint), res.Pairings.Count(align.PlaneToPlane), res.Pairings.Count(align.LineToLine))
	fmt.Fprintf(out, "Translation: (%.4f, %.4f, %.4f)\n", p.T.X, p.T.Y, p.T.Z)
	fmt.Fprintf(out, "Rotation: yaw=%.3f° pitch=%.3f° roll=%.3f°\n",
		yaw*180/math.Pi, pitch*180/math.Pi, roll*180/math.Pi)
	if res.Scale != 1 {
		fmt.Fprintf(out, "Scale: %.5f\n", res.Scale)
	}
	fmt.Fprintf(out, "Std dev: x=%.2g y=%.2g z=%.2g\n",
		math.Sqrt(res.Pose.Cov[0][0]), math.Sqrt(res.Pose.Cov[1][1]), math.Sqrt(res.Pose.Cov[2][2]))
}

// parseInitialGuess parses "x,y,z,yaw,pitch,roll" with angles in degrees.
// An empty string is the identity.
func parseInitialGuess(s string) (align.Pose, error) {
	if strings.TrimSpace(s) == "" {
		return align.Identity(), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return align.Pose{}, fmt.Errorf("initial guess must be x,y,z,yaw,pitch,roll, got %q", s)
	}
	var v [6]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return align.Pose{}, fmt.Errorf("initial guess component %d: %w", i, err)
		}
		v[i] = f
	}
	deg := math.Pi / 180
	return align.PoseFromYPR(v[0], v[1], v[2], v[3]*deg, v[4]*deg, v[5]*deg), nil
}

// RunListMatchers prints the registered matcher classes
func (a *App) RunListMatchers() error {
	fmt.Fprintln(a.Out, "Registered matchers:")
	for _, name := range align.RegisteredMatchers() {
		fmt.Fprintf(a.Out, "  - %s\n", name)
	}
	return nil
}

// RunService runs the MQTT odometry service and/or the HTTP server until
// interrupted
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting scanalign service...")

	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.newTracker(); err != nil {
		return err
	}

	if a.MqttMode {
		mqttClient, err := align.InitMQTT(a.Config, a.handleScan)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return fmt.Errorf("MQTT broker not configured in %s", a.ConfigFile)
		}
		a.MQTTClient = mqttClient
		a.startPublisher(mqttClient.GetClient())
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Tracker, a.ICP.Matchers()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

// newTracker creates the odometry tracker and registers the configured
// sensor start poses
func (a *App) newTracker() error {
	a.Tracker = align.NewOdometryTracker(a.ICP, a.Config.ICP.Parameters)
	for _, sc := range a.Config.Sensors {
		if sc.Start == nil {
			continue
		}
		if err := a.Tracker.Register(sc.ID, sc.Start.Pose()); err != nil {
			return fmt.Errorf("failed to register sensor: %w", err)
		}
		log.Printf("Sensor %s starts at (%.3f, %.3f, %.3f)", sc.ID, sc.Start.X, sc.Start.Y, sc.Start.Z)
	}
	return nil
}

// startPublisher creates the result publisher on client. MQTT_PUBLISH_PREFIX
// takes precedence over the configured prefix.
func (a *App) startPublisher(client mqtt.Client) {
	a.Publisher = align.NewPublisher(client, a.Config.MQTT.PublishPrefix)
	fmt.Fprintf(a.Out, "MQTT result publisher initialized (prefix %s)\n", a.Publisher.Prefix())
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if a.MqttMode {
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, sc := range a.Config.Sensors {
			fmt.Fprintf(a.Out, "    - %s (%s)\n", sc.Topic, sc.ID)
		}
		publishPrefix := a.Publisher.Prefix()
		fmt.Fprintf(a.Out, "  Publishing to: %s/{sensorID}/alignment and %s/{sensorID}/pose\n", publishPrefix, publishPrefix)
		fmt.Fprintf(a.Out, "  Combined poses: %s/poses\n", publishPrefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET /health      - Health check")
		fmt.Fprintln(a.Out, "  GET /alignments  - Latest alignment result per sensor")
		fmt.Fprintln(a.Out, "  GET /poses       - Accumulated pose per sensor")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

// handleScan feeds a received scan to the tracker and publishes the outcome
func (a *App) handleScan(sensorID string, scan *align.PointCloud, err error) {
	if err != nil {
		log.Printf("Error receiving scan for %s: %v", sensorID, err)
		return
	}

	res, err := a.Tracker.Track(sensorID, scan)
	if err != nil {
		log.Printf("%s: %v", sensorID, err)
	}
	if res == nil && err == nil {
		log.Printf("%s: stored first scan (%d entities) as reference", sensorID, scan.Size())
	}

	if a.Publisher == nil {
		return
	}
	if res != nil {
		if err := a.Publisher.PublishAlignment(sensorID, res); err != nil {
			log.Printf("Error publishing alignment for %s: %v", sensorID, err)
		}
	}
	if track, ok := a.Tracker.GetTrack(sensorID); ok {
		if err := a.Publisher.PublishPose(track); err != nil {
			log.Printf("Error publishing pose for %s: %v", sensorID, err)
		}
	}
}
