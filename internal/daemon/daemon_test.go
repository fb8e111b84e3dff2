package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/config"
	"github.com/remedyhq/remedy/internal/logger"
	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/pkg/agent"
	"github.com/remedyhq/remedy/pkg/trace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.AI.Profiles = []config.AIProfile{
		{ID: "main", Provider: "anthropic", APIKey: "key"},
	}
	cfg.Agents = []config.AgentConfig{
		{
			Name:         "gateway",
			Description:  "Routes automation failures",
			SystemPrompt: "Resolve or escalate.",
			Provider:     "anthropic",
			Model:        "claude-sonnet-4",
			Tools:        []config.ToolConfig{{Name: "route_to_human", Limit: -1}},
			Gateway:      true,
		},
	}
	return cfg
}

func testDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log, "")
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	t.Run("should create a daemon from a valid config", func(t *testing.T) {
		d := testDaemon(t, testConfig(t))
		defer d.Stop()

		assert.NotNil(t, d.GetStore())
		assert.NotNil(t, d.GetRunner())
		assert.NotNil(t, d.GetToolRegistry())
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		cfg := testConfig(t)
		cfg.Agents = nil
		_, err = New(cfg, log, "")
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("should reject agents referencing unregistered tools", func(t *testing.T) {
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		cfg := testConfig(t)
		cfg.Agents[0].Tools = []config.ToolConfig{{Name: "open_browser", Limit: 3}}
		_, err = New(cfg, log, "")
		assert.ErrorContains(t, err, "failed to load agent definitions")
	})

	t.Run("should reject an invalid retention schedule", func(t *testing.T) {
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		cfg := testConfig(t)
		cfg.Retention.Schedule = "not a schedule"
		_, err = New(cfg, log, "")
		assert.ErrorContains(t, err, "invalid retention schedule")
	})
}

func TestStartStop(t *testing.T) {
	t.Run("should start and stop cleanly", func(t *testing.T) {
		cfg := testConfig(t)
		d := testDaemon(t, cfg)

		require.NoError(t, d.Start())

		status := d.Status()
		assert.True(t, status.Running)
		assert.Equal(t, []string{"gateway"}, status.Agents)

		// PID file exists while running.
		_, err := d.lifecycle.GetPID()
		assert.NoError(t, err)

		require.NoError(t, d.Stop())
		assert.False(t, d.Status().Running)

		_, err = d.lifecycle.GetPID()
		assert.Error(t, err, "PID file must be removed on stop")
	})

	t.Run("should refuse a second start", func(t *testing.T) {
		d := testDaemon(t, testConfig(t))
		require.NoError(t, d.Start())
		defer d.Stop()

		assert.ErrorContains(t, d.Start(), "already running")
	})
}

func TestRetentionSweep(t *testing.T) {
	t.Run("should prune trees outside the retention window", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Retention.MaxAgeDays = 7
		d := testDaemon(t, cfg)
		defer d.Stop()

		ctx := context.Background()
		store := d.GetStore()

		old := time.Now().UTC().Add(-14 * 24 * time.Hour)
		require.NoError(t, store.AppendEntry(ctx, trace.Entry{
			ID: "e1", TreeID: "old", InvocationID: "root",
			Seq: 1, Kind: trace.KindAgentStep, Name: "gateway", Timestamp: old,
		}))
		require.NoError(t, store.SaveOutcome(ctx, agent.Outcome{
			TreeID: "old", Status: agent.StatusCompleted, Summary: "done", CreatedAt: old,
		}))
		require.NoError(t, store.SaveOutcome(ctx, agent.Outcome{
			TreeID: "fresh", Status: agent.StatusCompleted, Summary: "done", CreatedAt: time.Now().UTC(),
		}))

		d.runRetentionSweep()

		_, err := store.GetOutcome(ctx, "old")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetOutcome(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestReloadAgents(t *testing.T) {
	t.Run("should reload agent definitions from a changed config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "remedy.json")

		cfg := testConfig(t)
		loader := config.NewLoader(path)
		require.NoError(t, loader.Save(cfg))

		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		d, err := New(cfg, log, path)
		require.NoError(t, err)
		defer d.Stop()

		cfg.Agents = append(cfg.Agents, config.AgentConfig{
			Name:         "fixer",
			Description:  "Applies a targeted fix",
			SystemPrompt: "Fix it.",
			Provider:     "anthropic",
			Model:        "claude-sonnet-4",
		})
		require.NoError(t, loader.Save(cfg))

		d.reloadAgents()
		assert.ElementsMatch(t, []string{"gateway", "fixer"}, d.Status().Agents)
	})

	t.Run("should keep current agents when the new config is invalid", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "remedy.json")

		cfg := testConfig(t)
		loader := config.NewLoader(path)
		require.NoError(t, loader.Save(cfg))

		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		d, err := New(cfg, log, path)
		require.NoError(t, err)
		defer d.Stop()

		broken := *cfg
		broken.Agents = nil
		require.NoError(t, loader.Save(&broken))

		d.reloadAgents()
		assert.Equal(t, []string{"gateway"}, d.Status().Agents)
	})
}
