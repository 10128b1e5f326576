// Command proximity runs the proximity engine as an HTTP service: scan
// ingest and proximity queries over JSON, optional UDP datagram ingest,
// SQLite persistence with warm start, and the monitor/debug surfaces.
package main

import (
	"context"
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

	"github.com/nearfield-data/proximity.live/internal/api"
	"github.com/nearfield-data/proximity.live/internal/cache"
	"github.com/nearfield-data/proximity.live/internal/config"
	"github.com/nearfield-data/proximity.live/internal/db"
	"github.com/nearfield-data/proximity.live/internal/engine"
	"github.com/nearfield-data/proximity.live/internal/geo"
	"github.com/nearfield-data/proximity.live/internal/gpsref"
	"github.com/nearfield-data/proximity.live/internal/monitor"
	"github.com/nearfield-data/proximity.live/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	dbPath        = flag.String("db-path", "proximity.db", "Path to the SQLite database")
	migrationsDir = flag.String("migrations-dir", "migrations", "Path to migration files")
	configPath    = flag.String("config", "", "Engine config JSON file (built-in defaults when empty)")
	adminRoutes   = flag.Bool("admin", false, "Mount /debug admin routes (tailsql console, backup, db stats)")
	gpsPort       = flag.String("gps-port", "", "Serial port with NMEA output for frame anchoring (disabled when empty)")
	gpsBaud       = flag.Int("gps-baud", 0, "GPS serial baud rate (default 9600)")
	udpListen     = flag.String("udp-listen", "", "UDP listen address for datagram scan ingest (disabled when empty)")
	replayFile    = flag.String("replay", "", "PCAP capture of scan datagrams to replay into the engine at startup")
	replayPort    = flag.Int("replay-port", 9001, "UDP port filter for -replay")
	debugLogs     = flag.Bool("debug", false, "Enable ops and diagnostic log streams")
	traceLogs     = flag.Bool("trace", false, "Enable per-submission trace logging (very verbose)")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("proximity %s\n", version.String())
		return
	}

	// Subcommands run and exit before any servers come up.
	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			db.RunMigrateCommand(flag.Args()[1:], *dbPath, *migrationsDir)
			return
		default:
			fmt.Printf("Unknown command: %s\n\n", flag.Arg(0))
			fmt.Println("Commands:")
			fmt.Println("  migrate    Manage database schema migrations")
			fmt.Println()
			fmt.Println("Run without a command to start the server.")
			os.Exit(1)
		}
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("proximity %s starting", version.Short())

	if *debugLogs || *traceLogs {
		var trace io.Writer
		if *traceLogs {
			trace = os.Stderr
		}
		engine.SetLogWriters(os.Stderr, os.Stderr, trace)
		db.SetLogWriters(os.Stderr, os.Stderr)
		gpsref.SetLogWriters(os.Stderr, os.Stderr)
	}

	cfg := config.EmptyEngineConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadEngineConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.CheckMigrations(*migrationsDir); err != nil {
		log.Fatalf("Migration check failed: %v", err)
	}

	// Badger-backed snapshot cache when configured; in-memory otherwise.
	// The engine owns the store and closes it on Stop.
	var store cache.Store
	if dir := cfg.GetCacheDir(); dir != "" {
		store, err = cache.OpenBadger(dir)
		if err != nil {
			log.Fatalf("Failed to open cache at %s: %v", dir, err)
		}
		log.Printf("Snapshot cache backed by Badger at %s", dir)
	}

	writer := db.NewWriter(database, db.WriterConfig{
		Journal:   cfg.GetEventJournal(),
		Retention: cfg.GetEventRetention(),
	})

	var frame *geo.Frame
	if cfg.HasOrigin() {
		lat, lon, altM := cfg.GetOrigin()
		frame = geo.NewFrame(lat, lon, altM)
		log.Printf("Frame origin pinned at (%.6f, %.6f, %.1fm)", lat, lon, altM)
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Frame:      frame,
		CacheStore: store,
		Persist:    writer,
	})
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	// Warm start: replay the persisted entity snapshot into the index so a
	// restart does not forget the population.
	entities, err := database.ActiveEntities()
	if err != nil {
		log.Fatalf("Failed to load persisted entities: %v", err)
	}
	if restored := eng.WarmStart(entities); restored > 0 {
		log.Printf("Restored %d entities from %s", restored, *dbPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer.Start(ctx)
	defer writer.Stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Stop()

	var wg sync.WaitGroup

	// GPS reference reader: the first good fix anchors the frame unless the
	// config already pinned an origin (SetFrame refuses re-anchoring).
	if *gpsPort != "" {
		reader := gpsref.NewReader(gpsref.Config{Port: *gpsPort, Baud: *gpsBaud}, func(fix gpsref.Fix) {
			if eng.SetFrame(geo.NewFrame(fix.Latitude, fix.Longitude, fix.AltitudeM)) {
				log.Printf("Frame anchored from GPS fix (%.6f, %.6f, %.1fm)",
					fix.Latitude, fix.Longitude, fix.AltitudeM)
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reader.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("GPS reader error: %v", err)
			}
			log.Print("GPS reader routine terminated")
		}()
	}

	// UDP datagram ingest for high-rate scan sources.
	if *udpListen != "" {
		listener := engine.NewUDPListener(engine.UDPListenerConfig{
			Address: *udpListen,
			Sink:    eng,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				log.Printf("UDP listener error: %v", err)
			}
			log.Print("UDP listener routine terminated")
		}()
	}

	// Capture replay feeds recorded datagrams through the live ingest path.
	if *replayFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.ReplayCaptureFile(ctx, *replayFile, *replayPort, eng); err != nil {
				log.Printf("Capture replay error: %v", err)
			} else {
				log.Printf("Capture replay of %s complete", *replayFile)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(eng, cfg.GetRateLimitPerMinute()).ServeMux()
		monitor.New(eng).AttachRoutes(mux)
		if *adminRoutes {
			database.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
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
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
