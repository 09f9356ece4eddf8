package integrations

import (
	"context"
	"sort"
	"sync"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// Dispatcher is the thread-safe registry and router for integration clients.
type Dispatcher struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		clients: make(map[string]Client),
	}
}

// Register adds a client to the dispatcher. Returns error on duplicate type.
func (d *Dispatcher) Register(client Client) error {
	if client == nil {
		return schema.NewError(schema.ErrCodeValidation, "client is nil")
	}
	typ := client.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "client type is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.clients[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "integration %q already registered", typ)
	}

	d.clients[typ] = client
	return nil
}

// Dispatch routes an action to the client registered for the integration
// type. Unknown type/action pairs fail with an unsupported-action error.
func (d *Dispatcher) Dispatch(ctx context.Context, integType, action string, params map[string]any, creds Credentials, runCtx map[string]any) (map[string]any, error) {
	d.mu.RLock()
	client, ok := d.clients[integType]
	d.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction,
			"unsupported integration %q", integType)
	}

	supported := false
	for _, a := range client.Actions() {
		if a == action {
			supported = true
			break
		}
	}
	if !supported {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction,
			"unsupported action %q for integration %q", action, integType)
	}

	return client.Execute(ctx, action, params, creds, runCtx)
}

// Types returns the registered integration types, sorted.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.clients))
	for t := range d.clients {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Has checks if an integration type is registered.
func (d *Dispatcher) Has(integType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.clients[integType]
	return ok
}
