package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/outagemesh/outage"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *outage.Config
	Pipeline     *outage.Pipeline
	StateTracker *outage.StateTracker
	MQTTClient   *outage.MQTTClient
	Publisher    *outage.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	SnapshotFile string
	ExistingFile string
	OutputFile   string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SnapshotFile = opts.SnapshotFile
	a.ExistingFile = opts.ExistingFile
	a.OutputFile = opts.OutputFile
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig loads the config file and applies MQTT_* environment
// overrides. When required is false a missing file yields the defaults.
func (a *App) loadConfig(required bool) error {
	config, err := outage.LoadConfig(a.ConfigFile)
	if err != nil {
		if required || !errors.Is(err, outage.ErrConfigNotFound) {
			return err
		}
		log.Printf("No config at %s, using pipeline defaults", a.ConfigFile)
		config = &outage.Config{Pipeline: outage.DefaultPipelineConfig()}
	} else {
		log.Printf("Loaded config from %s", a.ConfigFile)
	}
	outage.ApplyEnvOverrides(config)
	a.Config = config
	return nil
}

// setup builds the pipeline and state tracker from the loaded config
func (a *App) setup() error {
	p, err := outage.NewPipeline(a.Config.Pipeline)
	if err != nil {
		return err
	}
	a.Pipeline = p
	if a.Config.HistoryPath != "" {
		a.StateTracker = outage.NewStateTrackerWithHistory(p, a.Config.HistoryPath)
		log.Printf("Appending polygon history to %s", a.Config.HistoryPath)
	} else {
		a.StateTracker = outage.NewStateTracker(p)
	}
	return nil
}

// ingestReadings stores a batch of readings and requests a refresh
func (a *App) ingestReadings(readings []outage.DeviceReading) {
	a.StateTracker.UpdateReadings(readings)
	a.StateTracker.Notify()
}

// ingestEvents records a batch of power events and requests a refresh
func (a *App) ingestEvents(events []outage.PowerEvent) {
	accepted := 0
	for _, e := range events {
		if a.StateTracker.RecordEvent(e) {
			accepted++
		}
	}
	if accepted < len(events) {
		log.Printf("Dropped %d malformed or duplicate events", len(events)-accepted)
	}
	if accepted > 0 {
		a.StateTracker.Notify()
	}
}

// RunSnapshot runs the pipeline once over the snapshot file and writes the
// resulting polygons as a GeoJSON FeatureCollection.
func (a *App) RunSnapshot() error {
	if err := a.loadConfig(false); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := a.setup(); err != nil {
		return err
	}

	data, err := os.ReadFile(a.SnapshotFile)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	var snap outage.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing snapshot %s: %w", a.SnapshotFile, err)
	}

	var existing []outage.OutagePolygon
	if a.ExistingFile != "" {
		data, err := os.ReadFile(a.ExistingFile)
		if err != nil {
			return fmt.Errorf("reading existing polygons: %w", err)
		}
		existing, err = parseExisting(data)
		if err != nil {
			return fmt.Errorf("parsing existing polygons %s: %w", a.ExistingFile, err)
		}
		log.Printf("Loaded %d existing polygons from %s", len(existing), a.ExistingFile)
	}

	res := a.Pipeline.Run(snap, existing)
	log.Printf("Snapshot: %d/%d readings valid, %d offline, %d clusters (%d below floor), %d polygons, %d retired",
		res.Stats.ValidReadings, res.Stats.InputReadings, res.Stats.OfflineDevices,
		res.Stats.Clusters, res.Stats.SuppressedClusters, len(res.Polygons), len(res.Retired))

	var out io.Writer = os.Stdout
	if a.OutputFile != "" {
		f, err := os.Create(a.OutputFile)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		out = f
	}
	return writeFeatureCollection(out, res)
}

// parseExisting accepts either the FeatureCollection this tool writes or a
// JSON array of polygons.
func parseExisting(data []byte) ([]outage.OutagePolygon, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var polys []outage.OutagePolygon
		if err := json.Unmarshal(data, &polys); err != nil {
			return nil, err
		}
		return polys, nil
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, err
	}
	return outage.PolygonsFromFeatureCollection(fc)
}

func writeFeatureCollection(w io.Writer, res *outage.Result) error {
	payload, err := outage.PolygonsToFeatureCollection(res.Polygons).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling polygons: %w", err)
	}
	if _, err := w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("writing polygons: %w", err)
	}
	return nil
}

// RunService runs the long-lived service: MQTT ingest and publishing, the
// refresh worker and the HTTP surface, until interrupted.
func (a *App) RunService() {
	fmt.Println("Starting outagemesh service...")

	if err := a.loadConfig(true); err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, a.ConfigFile)
	}
	if err := a.setup(); err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	config := a.Config

	if a.MqttMode {
		mqttClient, err := outage.InitMQTT(config, a.ingestReadings, a.ingestEvents)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient

		a.Publisher = outage.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix)
		a.StateTracker.OnResult(a.Publisher.Handler())
		fmt.Println("MQTT outage publisher initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.StateTracker.Run(ctx, config.RefreshInterval())
		return nil
	})

	if a.HttpMode {
		server := &http.Server{
			Addr:         fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:      newHTTPServer(a.StateTracker),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		g.Go(func() error {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Printf("\nRefresh every %v\n", config.RefreshInterval())

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		fmt.Printf("    - %s (readings)\n", config.MQTT.ReadingsTopic)
		fmt.Printf("    - %s (events)\n", config.MQTT.EventsTopic)
		prefix := a.Publisher.Prefix()
		fmt.Printf("  Publishing to: %s/polygons, %s/cells, %s/windows\n", prefix, prefix, prefix)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health   - Health check")
		fmt.Println("  GET  /polygons - Outage polygons (GeoJSON)")
		fmt.Println("  GET  /cells    - Grid cells above the privacy floor (GeoJSON)")
		fmt.Println("  GET  /windows  - Activity windows (JSON)")
		fmt.Println("  POST /refresh  - Run the pipeline now")
		fmt.Println("  GET  /metrics  - Prometheus metrics")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nShutting down service...")
	if err := g.Wait(); err != nil {
		log.Printf("Service error: %v", err)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}
