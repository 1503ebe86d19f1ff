package ratelimit

import (
	"strings"
)

// ActionPrefix is the path prefix of the engine action routes
const ActionPrefix = "/v1/actions/"

// ActionFromPath extracts the action name from a request path.
// It returns false for paths outside the action surface, which are not limited.
func ActionFromPath(path string) (string, bool) {
	action, ok := strings.CutPrefix(path, ActionPrefix)
	if !ok || action == "" || strings.Contains(action, "/") {
		return "", false
	}
	return action, true
}

// MatchAction matches an action name to its configuration.
// Returns the matching ActionConfig or nil if no match is found.
// A config whose Action ends in "*" matches every action with that prefix.
func MatchAction(action string, configs []ActionConfig) *ActionConfig {
	// Try exact match first
	for i := range configs {
		if configs[i].Action == action {
			return &configs[i]
		}
	}

	for i := range configs {
		prefix, ok := strings.CutSuffix(configs[i].Action, "*")
		if ok && strings.HasPrefix(action, prefix) {
			return &configs[i]
		}
	}

	return nil
}
