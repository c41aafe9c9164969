// Command junction runs the adaptive four-lane signal controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/junction/internal/api"
	"github.com/banshee-data/junction/internal/config"
	"github.com/banshee-data/junction/internal/controller"
	"github.com/banshee-data/junction/internal/db"
	"github.com/banshee-data/junction/internal/fusion"
	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/mqtt"
	"github.com/banshee-data/junction/internal/occupancy"
	"github.com/banshee-data/junction/internal/scheduler"
	"github.com/banshee-data/junction/internal/serialmux"
	"github.com/banshee-data/junction/internal/status"
	"github.com/banshee-data/junction/internal/transport"
	"github.com/banshee-data/junction/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to the JSON configuration file (defaults built in when empty)")
	devMode     = flag.Bool("dev", false, "Run against a simulated signal controller and a static occupancy source")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	port        = flag.String("port", "", "Serial port to use (overrides config, ignored in dev mode)")
	dbPath      = flag.String("db", "", "SQLite cycle history path (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// devOccupancy and devPresence feed the simulated junction.
var (
	devOccupancy = lane.Occupancy{3, 1, 0, 2}
	devPresence  = lane.Presence{false, true, false, false}
)

const shutdownTimeout = 2 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlagOverrides(cfg, *port, *listen, *dbPath)

	log.Printf("starting %s", version.Get().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, *devMode)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	// run closes the app before returning, so log.Fatalf below does not
	// leave the port or database open.
	if err := run(ctx, a); err != nil {
		log.Fatalf("controller stopped: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// run serves until ctx is done or a component fails, then releases every
// resource the app holds.
func run(ctx context.Context, a *app) error {
	defer a.Close()
	return a.Run(ctx)
}

// loadConfig reads path, or returns an empty config (all defaults) when
// path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

func applyFlagOverrides(cfg *config.Config, port, listen, dbPath string) {
	if port != "" {
		cfg.SetSerialPort(port)
	}
	if listen != "" {
		cfg.SetListen(listen)
	}
	if dbPath != "" {
		cfg.SetDBPath(dbPath)
	}
}

// lineDevice is what the app needs from either the real or the simulated
// serial mux.
type lineDevice interface {
	transport.LineDevice
	Monitor(context.Context) error
	Close() error
	AttachAdminRoutes(*http.ServeMux)
}

type app struct {
	cfg        *config.Config
	device     lineDevice
	link       *transport.Link
	board      *status.Board
	controller *controller.Controller
	store      *db.DB
	mqtt       *mqtt.Client
	server     *http.Server
}

func newApp(cfg *config.Config, dev bool) (*app, error) {
	a := &app{cfg: cfg, board: status.NewBoard()}

	if dev {
		a.device = serialmux.NewSimulatedSerialMux(serialmux.SimulatorOptions{
			Clearance:        cfg.GetYellow() + cfg.GetAllRed(),
			TimeScale:        1,
			PresenceInterval: time.Second,
			Presence:         func() lane.Presence { return devPresence },
			ReadyToken:       cfg.GetReadyToken(),
		})
		log.Printf("dev mode: using simulated signal controller")
	} else {
		device, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), cfg.GetPortOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.GetSerialPort(), err)
		}
		a.device = device
		log.Printf("opened signal controller on %s", cfg.GetSerialPort())
	}

	a.link = transport.NewLink(a.device, transport.Options{
		ReadyToken:  cfg.GetReadyToken(),
		SettleDelay: cfg.GetSettleDelay(),
	})

	allocOpts := cfg.GetAllocatorOptions()
	alloc, err := scheduler.NewAllocator(allocOpts)
	if err != nil {
		a.Close()
		return nil, err
	}

	var recorder controller.CycleRecorder
	var history api.History
	if path := cfg.GetDBPath(); path != "" {
		store, err := db.NewDB(path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.store = store
		recorder, history = store, store
		log.Printf("recording cycle history to %s", path)
	}

	a.controller, err = controller.New(controller.Config{
		Link:           a.link,
		Source:         newSource(cfg, dev),
		Board:          a.board,
		Allocator:      alloc,
		Weights:        allocOpts.Weights,
		Fusion:         fusion.NewStage(cfg.GetPresenceMode(), cfg.GetMaxCapacity()),
		ReadyTimeout:   cfg.GetReadyTimeout(),
		PresenceMaxAge: cfg.GetPresenceMaxAge(),
		Yellow:         cfg.GetYellow(),
		AllRed:         cfg.GetAllRed(),
		StartupDelay:   cfg.GetStartupDelay(),
		Recorder:       recorder,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if o := cfg.GetMQTTOptions(); o.Enabled() {
		client, err := mqtt.Connect(o)
		if err != nil {
			// The junction keeps running without the forwarder.
			log.Printf("mqtt disabled: %v", err)
		} else {
			a.mqtt = client
		}
	}

	mux := api.NewServer(a.board, history, cfg.Redacted()).ServeMux()
	a.device.AttachAdminRoutes(mux)
	if a.store != nil {
		if err := a.store.AttachAdminRoutes(mux); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.server = &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// newSource picks the vision source. Without a URL the controller runs on
// presence alone: every cycle is degraded and fusion falls back to presence.
func newSource(cfg *config.Config, dev bool) occupancy.Source {
	switch {
	case dev:
		return occupancy.NewStaticSource(devOccupancy)
	case cfg.Occupancy.URL != "":
		return occupancy.NewHTTPSource(nil, cfg.Occupancy.URL, cfg.GetOccupancyTimeout())
	default:
		return occupancy.SourceFunc(func(context.Context) (lane.Occupancy, error) {
			return lane.Occupancy{}, fmt.Errorf("%w: no vision source configured", occupancy.ErrUnavailable)
		})
	}
}

// Run blocks until ctx is cancelled or a component fails.
func (a *app) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	log.Printf("serving status API on %s", ln.Addr())
	return a.serve(ctx, ln)
}

func (a *app) serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.link.Run(ctx) })

	g.Go(func() error {
		select {
		case <-a.link.Subscribed():
		case <-ctx.Done():
			return nil
		}
		err := a.device.Monitor(ctx)
		log.Print("monitor routine terminated")
		return err
	})

	g.Go(func() error { return a.controller.Run(ctx) })

	if a.store != nil {
		pruner := db.NewHistoryPruner(db.HistoryPrunerConfig{
			Store:     a.store,
			Retention: a.cfg.GetHistoryRetention(),
		})
		g.Go(func() error { return pruner.Run(ctx) })
	}

	if a.mqtt != nil {
		fwd := mqtt.NewForwarder(a.mqtt, a.mqtt.Topics(), a.cfg.GetMQTTOptions().QoS)
		g.Go(func() error { return fwd.Run(ctx, a.board) })
	}

	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := a.server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the serial port, database and broker connection.
func (a *app) Close() {
	if a.mqtt != nil {
		if err := a.mqtt.Close(); err != nil {
			log.Printf("mqtt close: %v", err)
		}
	}
	if a.device != nil {
		if err := a.device.Close(); err != nil {
			log.Printf("serial close: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("database close: %v", err)
		}
	}
}
