package query

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inqbatorchris/aimee-sub010/internal/store"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

var builderNow = func() time.Time {
	return time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
}

func testRowSource(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedRows(t *testing.T, s *store.LibSQLStore, table, orgID string, docs ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.RegisterDataTable(ctx, orgID, table))
	for i, doc := range docs {
		require.NoError(t, s.InsertDataRow(ctx, &store.DataRow{
			ID:    fmt.Sprintf("%s-%s-%d", table, orgID, i),
			Table: table,
			OrgID: orgID,
			Doc:   json.RawMessage(doc),
		}))
	}
}

func TestBuilder_CountWithFilter(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "customers", "org-a",
		`{"status":"active"}`,
		`{"status":"active"}`,
		`{"status":"churned"}`,
	)
	b := NewBuilder(s, builderNow)

	res, err := b.Execute(context.Background(), Spec{
		Table: "customers", OrgID: "org-a",
		Filters:     []schema.Filter{{Field: "status", Operator: "equals", Value: "active"}},
		Aggregation: schema.AggCount,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)

	n, ok := res.Numeric()
	require.True(t, ok)
	assert.Equal(t, "2", n)
}

func TestBuilder_OrgIsolation(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "customers", "org-a", `{"status":"active"}`)
	seedRows(t, s, "customers", "org-b",
		`{"status":"active"}`, `{"status":"active"}`, `{"status":"active"}`)
	b := NewBuilder(s, builderNow)

	res, err := b.Execute(context.Background(), Spec{
		Table: "customers", OrgID: "org-a",
		Aggregation: schema.AggCount,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count, "org A must never see org B rows")
}

func TestBuilder_RequiresOrgScope(t *testing.T) {
	s := testRowSource(t)
	b := NewBuilder(s, builderNow)

	_, err := b.Execute(context.Background(), Spec{
		Table: "customers", Aggregation: schema.AggCount,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organization scope")
}

func TestBuilder_UnregisteredTableFails(t *testing.T) {
	s := testRowSource(t)
	b := NewBuilder(s, builderNow)

	_, err := b.Execute(context.Background(), Spec{
		Table: "nope", OrgID: "org-a", Aggregation: schema.AggCount,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestBuilder_SumAvgDecimalExact(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "invoices", "org-a",
		`{"amount":10.10}`,
		`{"amount":20.20}`,
	)
	b := NewBuilder(s, builderNow)

	sum, err := b.Execute(context.Background(), Spec{
		Table: "invoices", OrgID: "org-a",
		Aggregation: schema.AggSum, AggregationField: "amount",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "30.30", sum.Decimal)

	avg, err := b.Execute(context.Background(), Spec{
		Table: "invoices", OrgID: "org-a",
		Aggregation: schema.AggAvg, AggregationField: "amount",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "15.15", avg.Decimal)
}

func TestBuilder_SumNonNumericFieldFails(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "invoices", "org-a", `{"customer":"ada"}`)
	b := NewBuilder(s, builderNow)

	_, err := b.Execute(context.Background(), Spec{
		Table: "invoices", OrgID: "org-a",
		Aggregation: schema.AggSum, AggregationField: "customer",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `aggregation field "customer" is not numeric`)
}

func TestBuilder_EqualsNotEqualsPartition(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "customers", "org-a",
		`{"status":"active"}`,
		`{"status":"active"}`,
		`{"status":"churned"}`,
		`{"status":"paused"}`,
	)
	b := NewBuilder(s, builderNow)
	ctx := context.Background()

	eq, err := b.Execute(ctx, Spec{
		Table: "customers", OrgID: "org-a",
		Filters:     []schema.Filter{{Field: "status", Operator: "equals", Value: "active"}},
		Aggregation: schema.AggCount,
	}, nil)
	require.NoError(t, err)

	neq, err := b.Execute(ctx, Spec{
		Table: "customers", OrgID: "org-a",
		Filters:     []schema.Filter{{Field: "status", Operator: "not_equals", Value: "active"}},
		Aggregation: schema.AggCount,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(4), eq.Count+neq.Count,
		"equals and not_equals must partition the set")
}

func TestBuilder_OperatorMatrix(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "orders", "org-a",
		`{"state":"completed","total":10,"customer":{"tier":"gold"},"note":null}`,
		`{"state":"pending","total":25,"customer":{"tier":"silver"}}`,
		`{"state":"cancelled","total":40,"customer":{"tier":"gold"}}`,
	)
	b := NewBuilder(s, builderNow)

	tests := []struct {
		name   string
		filter schema.Filter
		want   int64
	}{
		{"contains", schema.Filter{Field: "state", Operator: "contains", Value: "ell"}, 1},
		{"not_contains", schema.Filter{Field: "state", Operator: "not_contains", Value: "ell"}, 2},
		{"starts_with", schema.Filter{Field: "state", Operator: "starts_with", Value: "c"}, 2},
		{"ends_with", schema.Filter{Field: "state", Operator: "ends_with", Value: "ed"}, 2},
		{"greater_than", schema.Filter{Field: "total", Operator: "greater_than", Value: "20"}, 2},
		{"greater_than_or_equal", schema.Filter{Field: "total", Operator: "greater_than_or_equal", Value: "25"}, 2},
		{"less_than", schema.Filter{Field: "total", Operator: "less_than", Value: "25"}, 1},
		{"less_than_or_equal", schema.Filter{Field: "total", Operator: "less_than_or_equal", Value: "25"}, 2},
		{"in", schema.Filter{Field: "state", Operator: "in", Value: []any{"pending", "cancelled"}}, 2},
		{"not_in", schema.Filter{Field: "state", Operator: "not_in", Value: []any{"pending", "cancelled"}}, 1},
		{"is_null", schema.Filter{Field: "note", Operator: "is_null"}, 3},
		{"dotted path", schema.Filter{Field: "customer.tier", Operator: "equals", Value: "gold"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := b.Execute(context.Background(), Spec{
				Table: "orders", OrgID: "org-a",
				Filters:     []schema.Filter{tt.filter},
				Aggregation: schema.AggCount,
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Count)
		})
	}
}

func TestBuilder_MinMax(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "orders", "org-a",
		`{"total":10.5}`, `{"total":2}`, `{"total":40}`,
	)
	b := NewBuilder(s, builderNow)
	ctx := context.Background()

	minRes, err := b.Execute(ctx, Spec{
		Table: "orders", OrgID: "org-a",
		Aggregation: schema.AggMin, AggregationField: "total",
	}, nil)
	require.NoError(t, err)
	n, ok := minRes.Numeric()
	require.True(t, ok)
	assert.Equal(t, "2", n)

	maxRes, err := b.Execute(ctx, Spec{
		Table: "orders", OrgID: "org-a",
		Aggregation: schema.AggMax, AggregationField: "total",
	}, nil)
	require.NoError(t, err)
	n, ok = maxRes.Numeric()
	require.True(t, ok)
	assert.Equal(t, "40", n)
}

func TestBuilder_ValueRewriteStages(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "orders", "org-a",
		`{"created":"2025-03-15","state":"pending"}`,
		`{"created":"2025-03-01","state":"pending"}`,
	)
	b := NewBuilder(s, builderNow)
	ctx := context.Background()

	// Stage 1: relative date rewrite.
	res, err := b.Execute(ctx, Spec{
		Table: "orders", OrgID: "org-a",
		Filters:     []schema.Filter{{Field: "created", Operator: "equals", Value: "{{today}}"}},
		Aggregation: schema.AggCount,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)

	// Stage 2: context substitution with nested lookup.
	runCtx := map[string]any{"filter": map[string]any{"state": "pending"}}
	res, err = b.Execute(ctx, Spec{
		Table: "orders", OrgID: "org-a",
		Filters:     []schema.Filter{{Field: "state", Operator: "equals", Value: "{filter.state}"}},
		Aggregation: schema.AggCount,
	}, runCtx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
}

func TestBuilder_UnknownOperatorFails(t *testing.T) {
	s := testRowSource(t)
	seedRows(t, s, "orders", "org-a", `{"a":1}`)
	b := NewBuilder(s, builderNow)

	_, err := b.Execute(context.Background(), Spec{
		Table: "orders", OrgID: "org-a",
		Filters:     []schema.Filter{{Field: "a", Operator: "regex", Value: "x"}},
		Aggregation: schema.AggCount,
	}, nil)
	require.Error(t, err)
}
