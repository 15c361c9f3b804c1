package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed CLI flags into the App
type AppOptions struct {
	ConfigFile   string
	SnapshotFile string
	ExistingFile string
	OutputFile   string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// Runner is the set of modes main can dispatch to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSnapshot() error
	RunService()
}

func main() {
	// A .env file is optional; real environment variables take precedence
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("%v", err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("outagemesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.SnapshotFile, "snapshot", "", "Run the pipeline once over a JSON snapshot file and print GeoJSON")
	fs.StringVar(&opts.ExistingFile, "existing", "", "Previous --snapshot output (GeoJSON) or JSON array of polygons to merge with")
	fs.StringVar(&opts.OutputFile, "output", "", "Write --snapshot output to a file instead of stdout")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode ingesting device readings and events")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for serving outage polygons")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "outagemesh version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.SnapshotFile != "" {
		if err := app.RunSnapshot(); err != nil {
			return fmt.Errorf("snapshot run failed: %w", err)
		}
		return nil
	}

	if opts.MqttMode || opts.HttpMode {
		app.RunService()
		return nil
	}

	fmt.Fprintln(out, "Use --snapshot=FILE to aggregate a snapshot once and print GeoJSON")
	fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
	fmt.Fprintln(out, "Use --http to run HTTP server mode")
	fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - MQTT settings and pipeline parameters")
	fmt.Fprintln(out, "  .env        - optional MQTT_* overrides")
	return nil
}
