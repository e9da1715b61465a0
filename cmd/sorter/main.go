package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sortbot/internal/api"
	"github.com/banshee-data/sortbot/internal/config"
	"github.com/banshee-data/sortbot/internal/db"
	"github.com/banshee-data/sortbot/internal/gateway"
	"github.com/banshee-data/sortbot/internal/geom"
	"github.com/banshee-data/sortbot/internal/monitoring"
	"github.com/banshee-data/sortbot/internal/orchestrator"
	"github.com/banshee-data/sortbot/internal/perception"
	"github.com/banshee-data/sortbot/internal/pipeline"
	"github.com/banshee-data/sortbot/internal/serialmux"
	"github.com/banshee-data/sortbot/internal/strategy"
	"github.com/banshee-data/sortbot/internal/timeutil"
	"github.com/banshee-data/sortbot/internal/tracking"
	"github.com/banshee-data/sortbot/internal/version"
	"github.com/banshee-data/sortbot/internal/zones"
)

var (
	devMode        = flag.Bool("dev", false, "Simulate the robot firmware instead of opening a serial port")
	simMode        = flag.Bool("sim", false, "Drive an in-process simulated robot with no serial link")
	configPath     = flag.String("config", "", "Path to sorter configuration JSON (default: "+config.DefaultConfigPath+")")
	detectionsPath = flag.String("detections", "-", "JSON-lines detection replay file ('-' reads stdin)")
	replayInterval = flag.Duration("replay-interval", 100*time.Millisecond, "Delay between replayed frames (0 replays as fast as possible)")
	listen         = flag.String("listen", ":8080", "Listen address")
	dbPath         = flag.String("db", "sortbot.db", "Outcome database path (empty disables persistence)")
	port           = flag.String("port", "", "Serial port override (ignored in dev mode)")
	logFile        = flag.String("log-file", "", "Also write logs to this file")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.SorterConfig, error) {
	if *configPath == "" {
		return config.LoadSorterConfig(config.DefaultConfigPath)
	}
	return config.LoadSorterConfig(*configPath)
}

func openDetections() (io.ReadCloser, error) {
	if *detectionsPath == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(*detectionsPath)
}

// sorter holds the components of one sorting run.
type sorter struct {
	registry *zones.Registry
	tracker  *tracking.Tracker
	adapter  *perception.Adapter
	strategy strategy.Strategy
	orch     *orchestrator.Orchestrator
	clock    timeutil.Clock
}

// newSorter builds the sorting engine over robot. sink and clock may be nil.
func newSorter(cfg *config.SorterConfig, robot gateway.Gateway, sink orchestrator.OutcomeSink, clock timeutil.Clock) (*sorter, error) {
	registry, err := zones.NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	s := &sorter{
		registry: registry,
		tracker:  tracking.NewTracker(tracking.TrackerConfigFromSorter(cfg)),
		adapter:  perception.NewAdapter(perception.AdapterConfigFromSorter(cfg)),
		strategy: strategy.FromConfig(cfg),
		clock:    clock,
	}
	s.orch = orchestrator.New(orchestrator.ConfigFromSorter(cfg), orchestrator.Deps{
		Strategy: s.strategy,
		Zones:    s.registry,
		Tracker:  s.tracker,
		Gateway:  robot,
		Clock:    clock,
		Sink:     sink,
	})
	return s, nil
}

func (s *sorter) pipeline(src perception.Source) *pipeline.Pipeline {
	p := pipeline.New(src, s.adapter, s.tracker, s.orch)
	p.Clock = s.clock
	return p
}

// closingGateway is a robot gateway that may hold a link subscription.
type closingGateway interface {
	gateway.Gateway
	Close()
}

type simRobot struct {
	*gateway.SimGateway
}

func (simRobot) Close() {}

// openRobot selects the robot link from the -sim, -dev and -port flags.
func openRobot(cfg *config.SorterConfig) (serialmux.SerialMuxInterface, closingGateway, error) {
	switch {
	case *simMode:
		log.Printf("sim mode: using in-process simulated robot")
		return serialmux.NewDisabledSerialMux(), simRobot{gateway.NewSimGateway(geom.Point{})}, nil
	case *devMode:
		firmware := gateway.NewSimFirmware()
		link, _ := serialmux.NewMockSerialMux(firmware.Respond)
		log.Printf("dev mode: using simulated robot firmware")
		return link, gateway.NewSerialGateway(link), nil
	}

	path := cfg.GetSerialPort()
	if *port != "" {
		path = *port
	}
	link, err := serialmux.NewRealSerialMux(path, serialmux.PortOptionsFromSorter(cfg))
	if err != nil {
		return nil, nil, err
	}
	log.Printf("opened robot link %s", path)
	return link, gateway.NewSerialGateway(link), nil
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	if *logFile != "" {
		tee, err := monitoring.TeeToFile(*logFile)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer tee.Close()
	}

	log.Printf("starting %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	link, robot, err := openRobot(cfg)
	if err != nil {
		log.Fatalf("failed to open robot link: %v", err)
	}
	defer link.Close()
	defer robot.Close()

	var (
		store *db.DB
		sink  orchestrator.OutcomeSink
	)
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		sink = store
	}

	s, err := newSorter(cfg, robot, sink, nil)
	if err != nil {
		log.Fatalf("failed to build sorter: %v", err)
	}
	orch := s.orch
	log.Printf("run %s: strategy %s, %d zones", orch.RunID(), s.strategy.Name(), len(s.registry.Snapshot()))

	if store != nil {
		if err := store.StartRun(context.Background(), orch.RunID(), time.Now(), cfg); err != nil {
			log.Fatalf("failed to record run: %v", err)
		}
	}

	input, err := openDetections()
	if err != nil {
		log.Fatalf("failed to open detections: %v", err)
	}
	defer input.Close()
	source := perception.NewReplaySource(input, *replayInterval, cfg.GetDetectionInterval())

	// Create a wait group for the HTTP server, serial monitor, and sorting
	// pipeline routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// sorting pipeline routine; the run ends the process when it finishes
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		runErr = s.pipeline(source).Run(ctx)
		stats := orch.Stats()
		log.Printf("run %s finished: attempted=%d succeeded=%d failed=%d rejected=%d",
			orch.RunID(), stats.Attempted, stats.Succeeded, stats.Failed, stats.Rejected)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		var outcomes api.OutcomeStore
		if store != nil {
			outcomes = store
		}
		mux := api.NewServer(orch, s.registry, s.tracker, outcomes).ServeMux()

		link.AttachAdminRoutes(mux)
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()

	if runErr != nil {
		log.Printf("sorting run failed: %v", runErr)
		// Deferred closers do not run after os.Exit.
		link.Close()
		if store != nil {
			store.Close()
		}
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}
