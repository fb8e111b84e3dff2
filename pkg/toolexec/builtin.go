package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
)

// RouteToHumanTool is the built-in escalation tool. A successful call
// signals that the failure should be handed to a human operator; the runtime
// treats it as a terminal escalation.
const RouteToHumanTool = "route_to_human"

// Notifier forwards an escalation to whatever alerting surface is wired in.
// The notification channel itself is an external collaborator.
type Notifier interface {
	NotifyEscalation(ctx context.Context, reason string, details map[string]interface{}) error
}

// NopNotifier discards escalation notifications.
type NopNotifier struct{}

// NotifyEscalation implements Notifier.
func (NopNotifier) NotifyEscalation(context.Context, string, map[string]interface{}) error {
	return nil
}

// RegisterBuiltins adds the engine's built-in tools to the registry.
func RegisterBuiltins(registry *Registry, notifier Notifier) error {
	if notifier == nil {
		notifier = NopNotifier{}
	}

	routeSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"reason": {"type": "string", "description": "Why the failure needs a human operator"},
			"details": {"type": "object", "description": "Context for the operator"}
		},
		"required": ["reason"]
	}`)

	return registry.Register(Definition{
		Name:        RouteToHumanTool,
		Description: "Route the failure to a human operator for manual intervention.",
		Schema:      routeSchema,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			reason, _ := args["reason"].(string)
			details, _ := args["details"].(map[string]interface{})
			if err := notifier.NotifyEscalation(ctx, reason, details); err != nil {
				return nil, fmt.Errorf("failed to notify operator: %w", err)
			}
			return map[string]interface{}{"routed": true, "reason": reason}, nil
		},
	})
}
