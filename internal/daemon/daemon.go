package daemon

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/internal/audit"
	"github.com/capstanhq/capstan/internal/config"
	"github.com/capstanhq/capstan/internal/httpapi"
	"github.com/capstanhq/capstan/pkg/capability"
	"github.com/capstanhq/capstan/pkg/gateway"
	"github.com/capstanhq/capstan/pkg/script"
)

// Daemon wires the capability manager, the execution gateway, the script
// runner and the HTTP surface into one runnable service.
type Daemon struct {
	cfg     *config.Config
	logger  zerolog.Logger
	manager *capability.Manager
	watcher *capability.Watcher
	cron    *cron.Cron
	store   *audit.Store
	server  *httpapi.Server
}

// New builds a daemon from configuration. Nothing starts running until
// Start is called.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger.With().Str("component", "daemon").Logger(),
	}

	// Capability discovery
	loader := capability.NewUnitLoader(logger)
	state := capability.NewDiscoveryState(cfg.Capabilities.Dir)
	discoverer := capability.NewDiscoverer(cfg.Capabilities.Dir, cfg.Capabilities.BaseID, loader, logger)
	d.manager = capability.NewManager(discoverer, state, capability.ReloadMode(cfg.Capabilities.ReloadMode), logger)

	if cfg.Capabilities.Watch {
		watcher, err := capability.NewWatcher(state, 0, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	// Audit sink
	var invRecorder gateway.Recorder
	var runRecorder script.Recorder
	if cfg.Audit.Enabled {
		store, err := audit.NewStore(cfg.Audit.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		d.store = store
		invRecorder = store
		runRecorder = store
	}

	// Execution gateway and script runner
	executor := gateway.NewExecutor(
		d.manager,
		time.Duration(cfg.Execution.TimeoutSeconds)*time.Second,
		invRecorder,
		logger,
	)
	runner := script.NewRunner(
		script.NewValidator(),
		d.manager,
		executor,
		cfg.Script.MaxCalls,
		time.Duration(cfg.Script.TimeoutSeconds)*time.Second,
		runRecorder,
		logger,
	)

	// HTTP surface
	server, err := httpapi.NewServer(httpapi.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Source:  d.manager,
		Invoker: executor,
		Runner:  runner,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	d.server = server

	// Push a reload event to subscribers after every discovery pass.
	d.manager.OnReload(func(snap *capability.Snapshot) {
		server.Broadcaster().Broadcast("capabilities.reloaded", map[string]any{
			"count": snap.Len(),
			"hash":  snap.Hash(),
		})
	})

	// Periodic refresh alongside the event-driven watcher
	if cfg.Capabilities.RefreshSchedule != "" {
		d.cron = cron.New()
		if _, err := d.cron.AddFunc(cfg.Capabilities.RefreshSchedule, func() {
			if _, err := d.manager.Refresh(); err != nil {
				d.logger.Warn().Err(err).Msg("Scheduled capability refresh failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid refresh schedule: %w", err)
		}
	}

	return d, nil
}

// Manager returns the capability manager.
func (d *Daemon) Manager() *capability.Manager {
	return d.manager
}

// Start runs the initial discovery pass and brings up the watcher, the
// refresh schedule and the HTTP server.
func (d *Daemon) Start() error {
	if _, err := d.manager.Refresh(); err != nil {
		// Start anyway; the directory may appear later.
		d.logger.Warn().Err(err).Msg("Initial capability discovery failed")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("Capability watcher failed to start, falling back to stat checks")
			d.watcher = nil
		}
	}

	if d.cron != nil {
		d.cron.Start()
	}

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	d.logger.Info().
		Int("capabilities", d.manager.Current().Len()).
		Msg("Daemon started")
	return nil
}

// Stop shuts everything down in reverse start order.
func (d *Daemon) Stop() error {
	d.logger.Info().Msg("Stopping daemon")

	var firstErr error

	if err := d.server.Stop(); err != nil {
		firstErr = err
	}

	if d.cron != nil {
		ctx := d.cron.Stop()
		<-ctx.Done()
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.logger.Info().Msg("Daemon stopped")
	return firstErr
}
