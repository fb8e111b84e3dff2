package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/remedyhq/remedy/pkg/toolexec"
)

var (
	// ErrUnknownAgent is returned when a definition name has no registration.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNoGateway is returned when no definition is flagged as the gateway.
	ErrNoGateway = errors.New("no gateway agent configured")
)

// Registry holds the validated agent definitions. Definitions are replaced
// wholesale on reload; the runtime only reads.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	gateway string
	tools   *toolexec.Registry
	logger  zerolog.Logger
}

// NewRegistry creates a Registry validating tool references against the
// given tool registry.
func NewRegistry(tools *toolexec.Registry, logger zerolog.Logger) *Registry {
	return &Registry{
		defs:   make(map[string]*Definition),
		tools:  tools,
		logger: logger,
	}
}

// Load validates and installs a full set of definitions, replacing any
// previous set. Used at startup and on configuration hot-reload.
func (r *Registry) Load(defs []Definition) error {
	installed := make(map[string]*Definition, len(defs))
	gateway := ""

	for i := range defs {
		def := defs[i]
		if def.Name == "" {
			return fmt.Errorf("agent definition %d has no name", i)
		}
		if _, dup := installed[def.Name]; dup {
			return fmt.Errorf("duplicate agent name: %s", def.Name)
		}
		if def.Provider.Provider == "" || def.Provider.Model == "" {
			return fmt.Errorf("agent %s has no provider binding", def.Name)
		}

		names := make(map[string]struct{}, len(def.Tools)+len(def.SubAgents))
		for _, t := range def.Tools {
			if _, dup := names[t.Name]; dup {
				return fmt.Errorf("agent %s declares tool %s twice", def.Name, t.Name)
			}
			names[t.Name] = struct{}{}
			if r.tools.Get(t.Name) == nil {
				return fmt.Errorf("agent %s references unregistered tool %s", def.Name, t.Name)
			}
		}
		for _, sa := range def.SubAgents {
			if sa.ToolName == "" {
				return fmt.Errorf("agent %s has a sub-agent without a tool name", def.Name)
			}
			if _, dup := names[sa.ToolName]; dup {
				return fmt.Errorf("agent %s declares %s twice", def.Name, sa.ToolName)
			}
			names[sa.ToolName] = struct{}{}
		}

		if def.Gateway {
			if gateway != "" {
				return fmt.Errorf("multiple gateway agents: %s and %s", gateway, def.Name)
			}
			gateway = def.Name
		}
		installed[def.Name] = &def
	}

	// Sub-agent references must resolve within the same set.
	for _, def := range installed {
		for _, sa := range def.SubAgents {
			if _, ok := installed[sa.AgentName]; !ok {
				return fmt.Errorf("agent %s references unknown sub-agent %s", def.Name, sa.AgentName)
			}
		}
	}

	r.mu.Lock()
	r.defs = installed
	r.gateway = gateway
	r.mu.Unlock()

	r.logger.Info().Int("agents", len(installed)).Str("gateway", gateway).Msg("Agent definitions loaded")
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return def, nil
}

// Gateway returns the definition that receives root invocations.
func (r *Registry) Gateway() (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.gateway == "" {
		return nil, ErrNoGateway
	}
	return r.defs[r.gateway], nil
}

// Names lists registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}
