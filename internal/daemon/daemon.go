// Package daemon wires the recovery engine together: storage, the agent
// runtime, the ingestion server, the retention sweep, and config hot
// reload.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/remedyhq/remedy/internal/config"
	"github.com/remedyhq/remedy/internal/logger"
	"github.com/remedyhq/remedy/internal/observability"
	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/pkg/agent"
	"github.com/remedyhq/remedy/pkg/ingest"
	"github.com/remedyhq/remedy/pkg/subagent"
	"github.com/remedyhq/remedy/pkg/toolexec"
	"github.com/remedyhq/remedy/pkg/trace"
)

// Daemon represents the recovery engine service.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	store     *storage.Store
	artifacts *storage.ArtifactStore

	toolRegistry  *toolexec.Registry
	agentRegistry *agent.Registry
	recorder      *trace.Recorder
	runner        *agent.Runner

	ingestServer *ingest.Server
	cronService  *cron.Cron
	watcher      *fsnotify.Watcher
	lifecycle    *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status describes the daemon's current state.
type Status struct {
	Running   bool          `json:"running"`
	PID       int           `json:"pid"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	Agents    []string      `json:"agents"`
}

// New creates a new daemon instance. configPath is watched for changes so
// agent definitions can be reloaded without a restart.
func New(cfg *config.Config, log *logger.Logger, configPath string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := d.initialize(); err != nil {
		cancel()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	zl := *d.logger.GetZerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(filepath.Join(d.config.DataDir, "remedy.db"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	d.store = store

	artifacts, err := storage.NewArtifactStore(filepath.Join(d.config.DataDir, "artifacts"))
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	d.artifacts = artifacts

	d.toolRegistry = toolexec.NewRegistry()
	if err := toolexec.RegisterBuiltins(d.toolRegistry, nil); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	d.agentRegistry = agent.NewRegistry(d.toolRegistry, zl)
	if err := d.agentRegistry.Load(d.config.Definitions()); err != nil {
		return fmt.Errorf("failed to load agent definitions: %w", err)
	}

	d.recorder = trace.NewRecorder(d.store, zl)

	runner, err := agent.NewRunner(agent.Config{
		Registry: d.agentRegistry,
		Tools:    d.toolRegistry,
		Router:   agent.NewRouter(d.config.Profiles()),
		Recorder: d.recorder,
		Outcomes: d.store,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	runner.SetSubAgentInvoker(subagent.NewComposer(d.agentRegistry, zl))
	d.runner = runner

	server, err := ingest.NewServer(ingest.Config{
		Addr:         d.config.Server.Listen,
		PingInterval: time.Duration(d.config.Server.PingIntervalSeconds) * time.Second,
		Store:        d.store,
		Runner:       d.runner,
		Recorder:     d.recorder,
		Artifacts:    d.artifacts,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestion server: %w", err)
	}
	d.ingestServer = server

	if d.config.Retention.Enabled {
		d.cronService = cron.New()
		if _, err := d.cronService.AddFunc(d.config.Retention.Schedule, d.runRetentionSweep); err != nil {
			return fmt.Errorf("invalid retention schedule: %w", err)
		}
	}

	return nil
}

// Start starts all daemon services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.ingestServer.Start(); err != nil {
		return fmt.Errorf("failed to start ingestion server: %w", err)
	}

	if d.cronService != nil {
		d.cronService.Start()
		d.logger.GetZerolog().Info().
			Str("schedule", d.config.Retention.Schedule).
			Int("max_age_days", d.config.Retention.MaxAgeDays).
			Msg("Retention sweep scheduled")
	}

	if d.configPath != "" {
		if err := d.watchConfig(); err != nil {
			d.logger.GetZerolog().Warn().Err(err).Msg("Config watch unavailable, hot reload disabled")
		}
	}

	d.logger.GetZerolog().Info().
		Str("listen", d.config.Server.Listen).
		Strs("agents", d.agentRegistry.Names()).
		Msg("Daemon started")

	return nil
}

// Stop gracefully stops all daemon services.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	zl := *d.logger.GetZerolog()
	zl.Info().Msg("Stopping daemon")

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close config watcher")
		}
	}

	if d.cronService != nil {
		<-d.cronService.Stop().Done()
	}

	if err := d.ingestServer.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop ingestion server")
	}

	d.cancel()
	d.wg.Wait()

	if err := d.store.Close(); err != nil {
		zl.Error().Err(err).Msg("Failed to close storage")
	}

	if err := d.lifecycle.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	zl.Info().Msg("Daemon stopped")
	return nil
}

// Wait blocks until the daemon receives a termination signal.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.GetZerolog().Info().Str("signal", sig.String()).Msg("Received termination signal")
	case <-d.ctx.Done():
	}
}

// Status returns the daemon's current status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
		Agents:  d.agentRegistry.Names(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// runRetentionSweep prunes traces and outcomes of trees that terminated
// before the retention window.
func (d *Daemon) runRetentionSweep() {
	cutoff := time.Now().Add(-time.Duration(d.config.Retention.MaxAgeDays) * 24 * time.Hour)

	pruned, err := d.store.PruneTerminated(d.ctx, cutoff)
	if err != nil {
		d.logger.GetZerolog().Error().Err(err).Msg("Retention sweep failed")
		return
	}
	d.logger.GetZerolog().Info().
		Int64("pruned_entries", pruned).
		Time("cutoff", cutoff).
		Msg("Retention sweep finished")
}

// watchConfig reloads agent definitions when the config file changes.
// Changes to the network surface or credentials still need a restart.
func (d *Daemon) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory; editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
		watcher.Close()
		return err
	}
	d.watcher = watcher

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != d.configPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				d.reloadAgents()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.GetZerolog().Error().Err(err).Msg("Config watcher error")
			}
		}
	}()

	return nil
}

func (d *Daemon) reloadAgents() {
	zl := *d.logger.GetZerolog()

	cfg, err := config.Load(d.configPath)
	if err != nil {
		zl.Error().Err(err).Msg("Config reload failed, keeping current agents")
		return
	}
	if err := cfg.Validate(); err != nil {
		zl.Error().Err(err).Msg("Reloaded config is invalid, keeping current agents")
		return
	}
	if err := d.agentRegistry.Load(cfg.Definitions()); err != nil {
		zl.Error().Err(err).Msg("Agent definitions rejected, keeping current agents")
		return
	}

	d.mu.Lock()
	d.config.Agents = cfg.Agents
	d.mu.Unlock()

	zl.Info().Strs("agents", d.agentRegistry.Names()).Msg("Agent definitions reloaded")
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetStore returns the storage layer.
func (d *Daemon) GetStore() *storage.Store {
	return d.store
}

// GetRunner returns the agent runner.
func (d *Daemon) GetRunner() *agent.Runner {
	return d.runner
}

// GetToolRegistry returns the tool registry, so embedders can register
// domain tools before Start.
func (d *Daemon) GetToolRegistry() *toolexec.Registry {
	return d.toolRegistry
}
