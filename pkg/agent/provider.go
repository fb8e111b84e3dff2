package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CompletionRequest contains the parameters for one provider completion.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
}

// ToolSpec describes a tool offered to the model during planning.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionResponse is the provider's answer: free text, proposed tool
// calls, or both.
type CompletionResponse struct {
	Text      string
	ToolCalls []ToolUse
	Usage     *TokenUsage
}

// Provider is a chat/completion interface for one LLM vendor. API keys stay
// inside the implementation; the runtime never sees them.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Name() string
}

// AuthProfile holds provider credentials. Issued by configuration, consumed
// only by the router.
type AuthProfile struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Priority int    `json:"priority,omitempty"`
}

// ProviderRouter resolves a provider binding to a callable provider.
type ProviderRouter interface {
	Provider(name string) (Provider, error)
}

// Router is the default ProviderRouter: it builds SDK-backed providers from
// configured auth profiles and caches them per vendor.
type Router struct {
	mu        sync.Mutex
	profiles  map[string]AuthProfile
	providers map[string]Provider
}

// NewRouter creates a Router over the given auth profiles. When several
// profiles exist for one vendor the highest priority wins.
func NewRouter(profiles []AuthProfile) *Router {
	sorted := append([]AuthProfile(nil), profiles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	byVendor := make(map[string]AuthProfile)
	for _, p := range sorted {
		if _, ok := byVendor[p.Provider]; !ok {
			byVendor[p.Provider] = p
		}
	}
	return &Router{
		profiles:  byVendor,
		providers: make(map[string]Provider),
	}
}

// Provider returns the cached or newly built provider for a vendor name.
func (r *Router) Provider(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	profile, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("no auth profile configured for provider %q", name)
	}

	var p Provider
	switch profile.Provider {
	case "anthropic":
		p = NewAnthropicProvider(profile.APIKey)
	case "openai":
		p = NewOpenAIProvider(profile.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}

	r.providers[name] = p
	return p, nil
}

// IsRetryableError reports whether a provider error is transient (network
// resets, rate limits, upstream 5xx).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"ECONNRESET", "ETIMEDOUT", "connection refused",
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
