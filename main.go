package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command-line options
type AppOptions struct {
	ConfigFile   string
	Align        bool
	SourceFile   string
	TargetFile   string
	OutputFile   string
	InitialGuess string
	ListMatchers bool
	MqttMode     bool
	HttpMode     bool
	HttpPort     int
}

// Runner is the set of modes the CLI can dispatch to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunAlign() error
	RunListMatchers() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("scanalign", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.Align, "align", false, "Align --source onto --target and exit (or pass the two scan files as arguments)")
	fs.StringVar(&opts.SourceFile, "source", "", "Scan file or http(s) URL to align (collection A)")
	fs.StringVar(&opts.TargetFile, "target", "", "Scan file or http(s) URL to align against (collection B)")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the alignment result as JSON to this file")
	fs.StringVar(&opts.InitialGuess, "initial-guess", "", "Initial pose as x,y,z,yaw,pitch,roll (meters, degrees)")
	fs.BoolVar(&opts.ListMatchers, "list-matchers", false, "List registered matcher classes and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for real-time scan odometry")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for alignment results and poses")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "scanalign version: %s\n", Version)
	if *showVersion {
		return nil
	}

	if opts.Align && opts.SourceFile == "" && opts.TargetFile == "" && fs.NArg() >= 2 {
		opts.SourceFile = fs.Arg(0)
		opts.TargetFile = fs.Arg(1)
	}

	app.ApplyOptions(opts)

	if opts.ListMatchers {
		return app.RunListMatchers()
	}

	if opts.Align {
		if opts.SourceFile == "" || opts.TargetFile == "" {
			return fmt.Errorf("--align needs a source and a target scan")
		}
		return app.RunAlign()
	}

	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}

	fmt.Fprintln(out, "scanalign: point cloud and feature map alignment")
	fmt.Fprintln(out, "Use --align A B to align scan A onto scan B")
	fmt.Fprintln(out, "Use --list-matchers to list matcher classes")
	fmt.Fprintln(out, "Use --mqtt to run MQTT odometry service mode")
	fmt.Fprintln(out, "Use --http to serve results over HTTP")
	fmt.Fprintln(out, "Use --mqtt --http to run both together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - ICP parameters, matchers, MQTT settings and sensors")
	return nil
}
