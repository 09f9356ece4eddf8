// Package integrations routes integration_action steps to pluggable clients.
// Each client owns a closed action set for one integration type and is
// reachable only through the Dispatcher.
package integrations

import (
	"context"
	"strconv"
)

// Credentials is the decrypted credential map of one integration.
type Credentials map[string]string

// Client executes the actions of one integration type.
type Client interface {
	Type() string
	Actions() []string
	Execute(ctx context.Context, action string, params map[string]any, creds Credentials, runCtx map[string]any) (map[string]any, error)
}

// --- Param helpers shared by all clients ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func listParam(m map[string]any, key string) []any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	return list
}
