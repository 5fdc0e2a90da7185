// Command commutator drives a motorized rotary commutator so the cable
// assembly of a tracked, freely rotating subject stays untwisted. It tails an
// orientation quaternion feed, keeps a stepper aligned with the accumulated
// rotation, and serves the collaborator HTTP API used by the display layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/commutator/internal/api"
	"github.com/banshee-data/commutator/internal/config"
	"github.com/banshee-data/commutator/internal/db"
	"github.com/banshee-data/commutator/internal/motor"
	"github.com/banshee-data/commutator/internal/source"
	"github.com/banshee-data/commutator/internal/trackloop"
	"github.com/banshee-data/commutator/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run against a simulated motor (no hardware)")
	listen      = flag.String("listen", ":8080", "Listen address")
	serialPort  = flag.String("port", "/dev/ttyUSB0", "Serial port of the stepper driver (ignored in dev mode)")
	configPath  = flag.String("config", "", "Optional JSON config file")
	sourcePath  = flag.String("source", "", "Orientation CSV to tail (empty for the synthetic source)")
	sourceRoot  = flag.String("source-root", "", "Restrict API source swaps to files under this directory")
	noDB        = flag.Bool("no-db", false, "Disable telemetry persistence")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("commutator %s", version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	var port motor.Porter
	if *devMode {
		port = motor.NewSimPort()
		log.Print("dev mode: using simulated stepper driver")
	} else {
		var err error
		port, err = motor.OpenPort(*serialPort, cfg.PortOptions())
		if err != nil {
			log.Fatalf("failed to open serial port: %v", err)
		}
	}

	ctl, err := motor.New(port, cfg.MotorConfig())
	if err != nil {
		log.Fatalf("failed to initialize motor controller: %v", err)
	}

	var src source.Source
	if *sourcePath == "" {
		src = source.NewSyntheticSource()
	} else {
		src, err = source.NewFileSource(*sourcePath)
		if err != nil {
			log.Fatalf("failed to open orientation source: %v", err)
		}
	}
	log.Printf("tracking source %q", src.Name())

	var store *db.DB
	if !*noDB {
		store, err = db.NewDB(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("failed to open telemetry db: %v", err)
		}
		defer store.Close()
	}

	// A nil *db.DB must stay a nil Recorder interface for the engine.
	var recorder trackloop.Recorder
	if store != nil {
		recorder = store
	}

	engine := trackloop.New(ctl, src, recorder, trackloop.Options{
		TickInterval: cfg.GetTickInterval(),
		ThresholdRad: cfg.GetThresholdRad(),
	})
	if err := engine.SetMaxSpeed(cfg.GetMaxRPS()); err != nil {
		log.Fatalf("invalid max speed: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// control loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("control loop terminated: %v", err)
		}
		log.Print("control loop stopped")
	}()

	// telemetry retention
	if store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := store.PruneSnapshots(cfg.GetSnapshotRetention()); err != nil {
						log.Printf("snapshot prune failed: %v", err)
					}
				}
			}
		}()
	}

	// HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		ctl.AttachAdminRoutes(mux)
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		apiServer := api.NewServer(engine, store)
		apiServer.SourceRoot = *sourceRoot
		mux.Handle("/api/", http.StripPrefix("/api", apiServer.ServeMux()))

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()

	// Reset the motor to its zero reference before releasing the channel.
	if err := engine.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
