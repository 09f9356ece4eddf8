package integrations

import (
	"context"
	"time"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// Order is one record returned by an order provider.
type Order struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Total     string    `json:"total,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OrdersAPI is the external provider behind the orders client. Implementations
// own their transport and must bound their own timeouts.
type OrdersAPI interface {
	Authenticate(ctx context.Context, creds Credentials) (token string, err error)
	FetchOrders(ctx context.Context, token string, since *time.Time) ([]Order, error)
}

// Orders client action names.
const (
	ActionAuthenticate     = "authenticate"
	ActionListRecentOrders = "list_recent_orders"
)

// OrdersClient lists provider orders with incremental fetching, optional
// same-day filtering, and per-state bucketing.
type OrdersClient struct {
	api OrdersAPI
	now func() time.Time
}

// NewOrdersClient creates an orders client. now defaults to time.Now when nil.
func NewOrdersClient(api OrdersAPI, now func() time.Time) *OrdersClient {
	if now == nil {
		now = time.Now
	}
	return &OrdersClient{api: api, now: now}
}

func (c *OrdersClient) Type() string { return "orders" }

func (c *OrdersClient) Actions() []string {
	return []string{ActionAuthenticate, ActionListRecentOrders}
}

func (c *OrdersClient) Execute(ctx context.Context, action string, params map[string]any, creds Credentials, _ map[string]any) (map[string]any, error) {
	switch action {
	case ActionAuthenticate:
		token, err := c.api.Authenticate(ctx, creds)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "authenticate: %s", err.Error()).WithCause(err)
		}
		return map[string]any{"authenticated": true, "token": token}, nil

	case ActionListRecentOrders:
		return c.listRecentOrders(ctx, params, creds)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction,
			"unsupported action %q for integration %q", action, c.Type())
	}
}

// listRecentOrders authenticates, fetches orders changed since the optional
// "since" boundary (RFC3339, normally the workflow's last successful run),
// applies same-day filtering when requested, and buckets orders by state.
func (c *OrdersClient) listRecentOrders(ctx context.Context, params map[string]any, creds Credentials) (map[string]any, error) {
	token, err := c.api.Authenticate(ctx, creds)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "authenticate: %s", err.Error()).WithCause(err)
	}

	var since *time.Time
	if raw := stringParam(params, "since", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid since boundary %q", raw)
		}
		since = &t
	}

	orders, err := c.api.FetchOrders(ctx, token, since)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fetch orders: %s", err.Error()).WithCause(err)
	}

	if boolParam(params, "today_only", false) {
		now := c.now().UTC()
		filtered := orders[:0]
		for _, o := range orders {
			created := o.CreatedAt.UTC()
			if created.Year() == now.Year() && created.YearDay() == now.YearDay() {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}

	buckets := make(map[string]int)
	items := make([]any, 0, len(orders))
	for _, o := range orders {
		buckets[o.State]++
		items = append(items, map[string]any{
			"id":         o.ID,
			"state":      o.State,
			"total":      o.Total,
			"created_at": o.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	counts := make(map[string]any, len(buckets))
	for state, n := range buckets {
		counts[state] = n
	}

	return map[string]any{
		"orders":       items,
		"state_counts": counts,
		"total":        len(orders),
	}, nil
}
