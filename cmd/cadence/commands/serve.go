package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/observer"
	"github.com/teranos/cadence/pulse/pass"
	"github.com/teranos/cadence/server"
	"github.com/teranos/cadence/sym"
)

// ServeCmd starts the HTTP API and, unless disabled, the timer-driven passes
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   sym.Pulse + " Start the cadence server and scheduler",
	Long: sym.Pulse + ` Start the cadence server.

Serves the manual trigger, execution status/result and completion endpoints,
definition management and the /ws/executions event feed. When
scheduler.enabled is set, passes also run on scheduler.cron.

Edits to the active am.toml are picked up without a restart: poll delay,
dispatch limits, window width, timezone and allowed origins.

Examples:
  cadence serve                 # Serve on the configured port (default 8740)
  cadence serve --port 9000     # Serve on another port
  cadence serve --no-scheduler  # API only; passes run on demand`,
	RunE: runServe,
}

var (
	servePort        int
	serveNoScheduler bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	ServeCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Do not run timer passes")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Default to Info for the server
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	dbPath, err := resolveDatabasePath(DBPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	// The server is created after the runtime but must observe its events
	var srv *server.Server
	feed := observer.Func(func(ctx context.Context, ev observer.Event) {
		if srv != nil {
			srv.Observe(ctx, ev)
		}
	})

	rt, err := buildRuntime(cmd.Context(), cfg, database, feed)
	if err != nil {
		return err
	}
	defer rt.Close()

	var scheduler *pass.Scheduler
	if cfg.Scheduler.Enabled && !serveNoScheduler {
		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		scheduler, err = pass.NewScheduler(rt.engine, cfg.Scheduler.Cron, loc, cfg.Scheduler.RunOnStartup)
		if err != nil {
			return err
		}
	}

	srvLog := logger.ComponentLogger("server")
	watcher := newConfigWatcher(rt, func(cfg *am.Config) {
		if srv != nil {
			srv.SetAllowedOrigins(cfg.GetServerAllowedOrigins())
		}
	}, srvLog)
	srv = server.New(server.Deps{
		Engine:         rt.engine,
		Dispatcher:     rt.dispatcher,
		Definitions:    rt.definitions,
		Logs:           rt.logs,
		Status:         rt.status,
		Observer:       observer.Fanout{observer.NewLogObserver(logger.ComponentLogger("pulse.events")), feed},
		Scheduler:      scheduler,
		ConfigWatcher:  watcher,
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
		Logger:         srvLog,
	})

	if watcher != nil {
		watcher.Start()
	}

	port := cfg.GetServerPort()
	if servePort != 0 {
		port = servePort
	}

	printStartupBanner(verbosity, dbPath, port, scheduler)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()
	if scheduler != nil {
		scheduler.Start()
	}

	// GRACE: Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if scheduler != nil {
			scheduler.Stop(context.Background())
		}
		srv.Stop()
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer cancel()
			if scheduler != nil {
				scheduler.Stop(ctx)
			}
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			// Records still pending stay pending; the next pass's sweep reclaims their definitions
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// newConfigWatcher watches the active config file and applies reloads to rt.
// Returns nil when no config file exists or it cannot be watched.
func newConfigWatcher(rt *runtime, onOrigins func(*am.Config), log *zap.SugaredLogger) *am.ConfigWatcher {
	path := am.ActiveConfigFile()
	if path == "" {
		log.Debugw("No config file to watch, hot reload disabled")
		return nil
	}
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		log.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		if err := rt.applyConfig(cfg, log); err != nil {
			return err
		}
		onOrigins(cfg)
		return nil
	})
	am.SetGlobalWatcher(watcher)
	log.Infow("Watching config for changes", "path", path, logger.FieldSymbol, sym.AM)
	return watcher
}
