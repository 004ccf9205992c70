package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blipee/pulse/config"
	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
	"github.com/blipee/pulse/pulse/dispatch"
	"github.com/blipee/pulse/pulse/maintenance"
	"github.com/blipee/pulse/pulse/metrics"
	"github.com/blipee/pulse/pulse/registry"
	"github.com/blipee/pulse/server"
	"github.com/blipee/pulse/version"
)

// StartCmd runs the orchestrator daemon
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the orchestrator (dispatcher + maintenance + admin API)",
	Long: `Start a Pulse instance in the foreground.

The instance registers itself in the service registry, seeds the weekly
full optimization cycle, then claims and runs due jobs until interrupted.

Only one live instance may hold a given instance id. A second process started
with the same id fails to register and exits.

Examples:
  pulse start                          # Use pulse.toml / PULSE_* settings
  pulse start --workers 4              # Override worker count
  pulse start --instance-id worker-a   # Explicit registry id
  pulse start --dev-handlers           # Echo handlers for every job type`,
	RunE: runStart,
}

var (
	startWorkers     int
	startInstanceID  string
	startDevHandlers bool
)

func init() {
	StartCmd.Flags().IntVar(&startWorkers, "workers", -1, "Number of concurrent workers (default from config)")
	StartCmd.Flags().StringVar(&startInstanceID, "instance-id", "", "Service registry id (default pulse-<hostname>-<pid>)")
	StartCmd.Flags().BoolVar(&startDevHandlers, "dev-handlers", false, "Register echo handlers for job types without one")
}

// Handlers is the registry start dispatches through. Job type implementations
// register here from their own init functions.
var Handlers = dispatch.NewHandlerRegistry()

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("workers") {
		if startWorkers < 0 {
			return errors.NewValidationError("--workers must be >= 0, got %d", startWorkers)
		}
		cfg.Pulse.Workers = startWorkers
	}
	if startInstanceID != "" {
		cfg.Registry.InstanceID = startInstanceID
	}

	log := logger.Logger.Named("pulse")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if created, err := st.jobs.EnsureSeedJob(ctx); err != nil {
		return errors.Wrap(err, "failed to seed recurring jobs")
	} else if created {
		log.Infow("Seeded weekly optimization cycle")
	}

	hostname := registry.Hostname(ctx)
	pid := os.Getpid()
	instanceID := cfg.Registry.InstanceID
	if instanceID == "" {
		instanceID = registry.DefaultInstanceID(hostname, pid)
	}

	instance, err := st.registry.Register(ctx, registry.RegisterRequest{
		InstanceID:        instanceID,
		Hostname:          hostname,
		PID:               pid,
		Port:              cfg.Registry.Port,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to register instance")
	}
	log = log.With(logger.FieldInstanceID, instance.InstanceID)

	m := metrics.New(version.Get().Version)

	if startDevHandlers {
		dispatch.RegisterDevHandlers(Handlers)
	}

	var dispatcher *dispatch.Dispatcher
	if cfg.Pulse.Workers > 0 {
		dispatcher = dispatch.New(st.jobs, st.logs, Handlers, m, dispatch.Config{
			InstanceID:         instance.InstanceID,
			Workers:            cfg.Pulse.Workers,
			PollInterval:       cfg.Pulse.PollInterval(),
			ClaimsPerSecond:    float64(cfg.Pulse.MaxClaimsPerSecond),
			HandlerTimeout:     cfg.Pulse.HandlerTimeout(),
			CancelPollInterval: cfg.Pulse.CancelPollInterval(),
		}, logger.Logger)
		dispatcher.Start(ctx)
	} else {
		log.Infow("No workers configured, instance will not claim jobs")
	}

	var stats registry.StatsFunc
	if dispatcher != nil {
		stats = dispatcher.HeartbeatStats
	}
	heartbeater := registry.NewHeartbeater(st.registry, instance.InstanceID, cfg.Registry.HeartbeatInterval(), stats, logger.Logger)
	heartbeater.Start(ctx)

	var ticker *maintenance.Ticker
	if cfg.Maintenance.IntervalSeconds > 0 {
		ticker = maintenance.NewTicker(st.jobs, st.logs, st.registry, m, maintenance.Config{
			Interval:            cfg.Maintenance.Interval(),
			LogRetentionDays:    cfg.Maintenance.LogRetentionDays,
			StaleAfter:          cfg.Registry.StaleAfter(),
			ReapStaleInstances:  cfg.Maintenance.ReapStaleInstances,
			RequeueOrphanedJobs: cfg.Maintenance.RequeueOrphanedJobs,
			SampleHost:          true,
		}, logger.Logger)
		ticker.Start(ctx)
	}

	var srv *server.Server
	var srvErr <-chan error
	if cfg.Server.Enabled {
		deps := server.Deps{
			DB:       st.db,
			Jobs:     st.jobs,
			Logs:     st.logs,
			Registry: st.registry,
			Metrics:  m,
		}
		if dispatcher != nil {
			deps.Interrupter = dispatcher
		}
		srv = server.New(deps, logger.Logger)
		srvErr = srv.Start(cfg.Server.Address)
	}

	watcher := watchConfig(log, dispatcher)

	fmt.Printf("Pulse instance %s started\n", instance.InstanceID)
	fmt.Printf("  Database: %s\n", st.dialect)
	fmt.Printf("  Workers: %d\n", cfg.Pulse.Workers)
	fmt.Printf("  Poll interval: %v\n", cfg.Pulse.PollInterval())
	fmt.Printf("  Heartbeat interval: %v\n", cfg.Registry.HeartbeatInterval())
	if ticker != nil {
		fmt.Printf("  Maintenance interval: %v\n", cfg.Maintenance.Interval())
	}
	if srv != nil {
		fmt.Printf("  Admin API: %s\n", cfg.Server.Address)
	}
	if startDevHandlers {
		fmt.Printf("  Dev handlers: enabled\n")
	}
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Infow("Received signal, shutting down", "signal", sig.String())
	case err, ok := <-srvErr:
		if ok && err != nil {
			runErr = err
			log.Errorw("Admin API failed, shutting down", logger.FieldError, err)
		}
	}

	fmt.Printf("\nShutting down...\n")

	// Stop components in reverse order of startup
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Warnw("Config watcher stop failed", logger.FieldError, err)
		}
	}
	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Admin API shutdown failed", logger.FieldError, err)
		}
		cancelShutdown()
	}
	if ticker != nil {
		ticker.Stop()
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	heartbeater.Stop()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancelStop()
	if runErr != nil {
		err = st.registry.MarkError(stopCtx, instance.InstanceID, runErr.Error())
	} else {
		err = st.registry.Stop(stopCtx, instance.InstanceID)
	}
	if err != nil && !errors.IsNotFoundError(err) {
		log.Warnw("Failed to record instance stop", logger.FieldError, err)
	}

	cancel()

	fmt.Printf("Pulse instance %s stopped\n", instance.InstanceID)
	return runErr
}

// watchConfig reloads the log level and claim rate when the config file changes.
// Returns nil when no single config file is in use.
func watchConfig(log *zap.SugaredLogger, dispatcher *dispatch.Dispatcher) *config.Watcher {
	path := ConfigPath
	if path == "" {
		files := config.LoadedFiles()
		if len(files) == 0 {
			return nil
		}
		path = files[len(files)-1]
	}

	watcher, err := config.NewWatcher(path, logger.Logger)
	if err != nil {
		log.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}

	watcher.OnReload(func(cfg *config.Config) error {
		lvl, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		logger.SetLevel(lvl)
		return nil
	})
	if dispatcher != nil {
		watcher.OnReload(func(cfg *config.Config) error {
			dispatcher.SetClaimRate(float64(cfg.Pulse.MaxClaimsPerSecond))
			return nil
		})
	}
	watcher.Start()
	return watcher
}
