package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	t.Run("should load a config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "remedy.json")
		content := `{
  "server": {"listen": "127.0.0.1:9000"},
  "data_dir": "` + dir + `",
  "ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "key"}]},
  "agents": [{"name": "gateway", "provider": "openai", "model": "gpt-4o", "gateway": true}]
}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
		require.Len(t, cfg.Agents, 1)
		assert.True(t, cfg.Agents[0].Gateway)
		assert.Equal(t, filepath.Join(dir, "remedy.log"), cfg.Logging.File)
	})

	t.Run("should keep defaults for unset fields", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "remedy.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`"}`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Server.Listen, cfg.Server.Listen)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Retention.Enabled)
	})

	t.Run("should fall back to defaults when the file is missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Server.Listen, cfg.Server.Listen)
	})

	t.Run("should reject malformed json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "remedy.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("should round-trip through save", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "remedy.json")
		loader := NewLoader(path)

		cfg := validConfig()
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, cfg.Server.Listen, loaded.Server.Listen)
		assert.Len(t, loaded.Agents, 2)
		assert.Equal(t, cfg.Agents[0].SubAgents, loaded.Agents[0].SubAgents)
	})
}
