// Package config defines the engine configuration file: network surface,
// provider credentials, agent definitions, and retention policy.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/remedyhq/remedy/pkg/agent"
)

// Config represents the main engine configuration.
type Config struct {
	// Server holds the ingestion server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Retention policy for terminated trees
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Data directory (database, artifacts, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds ingestion server configuration.
type ServerConfig struct {
	Listen              string `json:"listen" mapstructure:"listen"`
	PingIntervalSeconds int    `json:"ping_interval_seconds" mapstructure:"ping_interval_seconds"`
}

// AgentConfig declares one agent. Exactly one agent must be the gateway;
// the rest are reachable only as sub-agents.
type AgentConfig struct {
	Name         string           `json:"name" mapstructure:"name"`
	Description  string           `json:"description" mapstructure:"description"`
	SystemPrompt string           `json:"system_prompt" mapstructure:"system_prompt"`
	Provider     string           `json:"provider" mapstructure:"provider"`
	Model        string           `json:"model" mapstructure:"model"`
	Temperature  float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int              `json:"max_tokens" mapstructure:"max_tokens"`
	Arguments    []ArgumentConfig `json:"arguments" mapstructure:"arguments"`
	Tools        []ToolConfig     `json:"tools" mapstructure:"tools"`
	SubAgents    []SubAgentConfig `json:"sub_agents" mapstructure:"sub_agents"`
	Gateway      bool             `json:"gateway" mapstructure:"gateway"`
}

// ToolConfig attaches a tool to an agent. Limit -1 means unlimited.
type ToolConfig struct {
	Name  string `json:"name" mapstructure:"name"`
	Limit int    `json:"limit" mapstructure:"limit"`
}

// SubAgentConfig exposes another agent as a tool of this one.
type SubAgentConfig struct {
	ToolName string `json:"tool_name" mapstructure:"tool_name"`
	Agent    string `json:"agent" mapstructure:"agent"`
	Limit    int    `json:"limit" mapstructure:"limit"`
}

// ArgumentConfig declares one input of an agent when called as a tool.
type ArgumentConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	Description string `json:"description" mapstructure:"description"`
	Type        string `json:"type" mapstructure:"type"`
}

// AIConfig holds AI provider configuration.
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider credential.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// RetentionConfig controls the sweep of terminated trees.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Schedule   string `json:"schedule" mapstructure:"schedule"` // cron expression
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:              "127.0.0.1:8321",
			PingIntervalSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Retention: RetentionConfig{
			Enabled:    true,
			Schedule:   "0 3 * * *",
			MaxAgeDays: 30,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agents: []AgentConfig{},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	names := make(map[string]bool, len(c.Agents))
	gateways := 0
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if names[a.Name] {
			return fmt.Errorf("agent %s: duplicate name", a.Name)
		}
		names[a.Name] = true
		if a.Model == "" {
			return fmt.Errorf("agent %s: model is required", a.Name)
		}
		if a.Provider == "" {
			return fmt.Errorf("agent %s: provider is required", a.Name)
		}
		if a.Gateway {
			gateways++
		}
		for _, t := range a.Tools {
			if t.Name == "" {
				return fmt.Errorf("agent %s: tool name is required", a.Name)
			}
			if t.Limit < -1 {
				return fmt.Errorf("agent %s: tool %s: limit must be >= -1", a.Name, t.Name)
			}
		}
		for _, sa := range a.SubAgents {
			if sa.ToolName == "" || sa.Agent == "" {
				return fmt.Errorf("agent %s: sub-agent tool_name and agent are required", a.Name)
			}
			if sa.Limit < -1 {
				return fmt.Errorf("agent %s: sub-agent %s: limit must be >= -1", a.Name, sa.ToolName)
			}
		}
	}
	if gateways != 1 {
		return fmt.Errorf("exactly one agent must be marked as gateway, found %d", gateways)
	}

	// Sub-agent references must resolve within the config.
	for _, a := range c.Agents {
		for _, sa := range a.SubAgents {
			if !names[sa.Agent] {
				return fmt.Errorf("agent %s: sub-agent %s references unknown agent %s", a.Name, sa.ToolName, sa.Agent)
			}
		}
	}

	if c.Retention.Enabled {
		if c.Retention.Schedule == "" {
			return fmt.Errorf("retention.schedule is required when retention is enabled")
		}
		if c.Retention.MaxAgeDays <= 0 {
			return fmt.Errorf("retention.max_age_days must be positive")
		}
	}

	return nil
}

// Definitions converts the configured agents to runtime definitions.
func (c *Config) Definitions() []agent.Definition {
	defs := make([]agent.Definition, 0, len(c.Agents))
	for _, a := range c.Agents {
		def := agent.Definition{
			Name:         a.Name,
			Description:  a.Description,
			SystemPrompt: a.SystemPrompt,
			Provider: agent.ProviderBinding{
				Provider:    a.Provider,
				Model:       a.Model,
				Temperature: a.Temperature,
				MaxTokens:   a.MaxTokens,
			},
			Gateway: a.Gateway,
		}
		for _, arg := range a.Arguments {
			def.Arguments = append(def.Arguments, agent.Argument{
				Name:        arg.Name,
				Description: arg.Description,
				Type:        arg.Type,
			})
		}
		for _, t := range a.Tools {
			def.Tools = append(def.Tools, agent.ToolRef{Name: t.Name, Limit: t.Limit})
		}
		for _, sa := range a.SubAgents {
			def.SubAgents = append(def.SubAgents, agent.SubAgentRef{
				ToolName:  sa.ToolName,
				AgentName: sa.Agent,
				Limit:     sa.Limit,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

// Profiles converts the configured credentials to router auth profiles.
func (c *Config) Profiles() []agent.AuthProfile {
	profiles := make([]agent.AuthProfile, 0, len(c.AI.Profiles))
	for _, p := range c.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	return profiles
}
