// Package query builds tenant-scoped filter predicates and aggregations over
// registered data tables. Sum and avg are computed with exact decimal
// arithmetic and returned as strings so currency values never drift through
// binary floats.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/inqbatorchris/aimee-sub010/internal/expressions"
	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// RowSource is the slice of the store the builder needs.
type RowSource interface {
	IsDataTableRegistered(ctx context.Context, orgID, name string) (bool, error)
	SelectDataRows(ctx context.Context, table, orgID, whereSQL string, args []any, limit int) ([]json.RawMessage, error)
}

// Spec describes one query: a registered table, an organization scope,
// filters, and exactly one aggregation.
type Spec struct {
	Table            string
	OrgID            string
	Filters          []schema.Filter
	Aggregation      string
	AggregationField string
	Limit            int
}

// Result carries the single scalar the aggregation produced.
type Result struct {
	Aggregation string
	Count       int64  // count
	Decimal     string // sum, avg (exact decimal string)
	Value       any    // min, max (native value type)
}

// Numeric renders the result as a decimal string for downstream numeric
// consumers (nested strategy updates).
func (r *Result) Numeric() (string, bool) {
	switch r.Aggregation {
	case schema.AggCount:
		return fmt.Sprintf("%d", r.Count), true
	case schema.AggSum, schema.AggAvg:
		return r.Decimal, true
	case schema.AggMin, schema.AggMax:
		if n, ok := numericString(r.Value); ok {
			return n, true
		}
	}
	return "", false
}

// decCtx bounds division precision for avg. 34 digits matches IEEE decimal128.
var decCtx = apd.BaseContext.WithPrecision(34)

// Builder executes query specs against a row source.
type Builder struct {
	rows RowSource
	now  func() time.Time
}

// NewBuilder creates a Builder. now is used for relative-date rewriting and
// defaults to time.Now when nil.
func NewBuilder(rows RowSource, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{rows: rows, now: now}
}

// Execute validates table registration and organization visibility, builds
// the filter predicate, fetches matching documents, and computes the
// aggregation. Filter values pass relative-date rewriting and context
// substitution before type coercion.
func (b *Builder) Execute(ctx context.Context, spec Spec, runCtx map[string]any) (*Result, error) {
	if spec.OrgID == "" {
		return nil, schema.NewError(schema.ErrCodeTenantScope, "query has no organization scope")
	}
	registered, err := b.rows.IsDataTableRegistered(ctx, spec.OrgID, spec.Table)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "check table registration: %s", err.Error()).WithCause(err)
	}
	if !registered {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"table %q is not registered for organization %s", spec.Table, spec.OrgID)
	}

	switch spec.Aggregation {
	case schema.AggCount:
	case schema.AggSum, schema.AggAvg, schema.AggMin, schema.AggMax:
		if spec.AggregationField == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"aggregation %q requires aggregation_field", spec.Aggregation)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown aggregation %q", spec.Aggregation)
	}

	whereSQL, args, err := b.buildPredicate(spec.Filters, runCtx)
	if err != nil {
		return nil, err
	}

	docs, err := b.rows.SelectDataRows(ctx, spec.Table, spec.OrgID, whereSQL, args, spec.Limit)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "select rows: %s", err.Error()).WithCause(err)
	}

	return aggregate(spec.Aggregation, spec.AggregationField, docs)
}

// buildPredicate turns filters into a SQL fragment over json_extract paths.
// Field names travel as bound arguments, never by string concatenation.
func (b *Builder) buildPredicate(filters []schema.Filter, runCtx map[string]any) (string, []any, error) {
	var clauses []string
	var args []any

	for _, f := range filters {
		if f.Field == "" {
			return "", nil, schema.NewError(schema.ErrCodeValidation, "filter has no field")
		}
		path := "$." + f.Field
		value := b.rewriteValue(f.Value, runCtx)

		switch f.Operator {
		case "equals":
			clauses = append(clauses, "json_extract(doc, ?) = ?")
			args = append(args, path, value)
		case "not_equals":
			clauses = append(clauses, "(json_extract(doc, ?) IS NULL OR json_extract(doc, ?) != ?)")
			args = append(args, path, path, value)
		case "contains":
			clauses = append(clauses, "CAST(json_extract(doc, ?) AS TEXT) LIKE '%' || ? || '%'")
			args = append(args, path, likeText(value))
		case "not_contains":
			clauses = append(clauses, "CAST(json_extract(doc, ?) AS TEXT) NOT LIKE '%' || ? || '%'")
			args = append(args, path, likeText(value))
		case "starts_with":
			clauses = append(clauses, "CAST(json_extract(doc, ?) AS TEXT) LIKE ? || '%'")
			args = append(args, path, likeText(value))
		case "ends_with":
			clauses = append(clauses, "CAST(json_extract(doc, ?) AS TEXT) LIKE '%' || ?")
			args = append(args, path, likeText(value))
		case "is_null":
			clauses = append(clauses, "json_extract(doc, ?) IS NULL")
			args = append(args, path)
		case "not_null":
			clauses = append(clauses, "json_extract(doc, ?) IS NOT NULL")
			args = append(args, path)
		case "in", "not_in":
			list, ok := f.Value.([]any)
			if !ok || len(list) == 0 {
				return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
					"operator %q requires a non-empty list value (field %q)", f.Operator, f.Field)
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(list)), ",")
			op := "IN"
			if f.Operator == "not_in" {
				op = "NOT IN"
			}
			clauses = append(clauses, fmt.Sprintf("json_extract(doc, ?) %s (%s)", op, placeholders))
			args = append(args, path)
			for _, item := range list {
				args = append(args, b.rewriteValue(item, runCtx))
			}
		case "greater_than":
			clauses = append(clauses, "json_extract(doc, ?) > ?")
			args = append(args, path, value)
		case "greater_than_or_equal":
			clauses = append(clauses, "json_extract(doc, ?) >= ?")
			args = append(args, path, value)
		case "less_than":
			clauses = append(clauses, "json_extract(doc, ?) < ?")
			args = append(args, path, value)
		case "less_than_or_equal":
			clauses = append(clauses, "json_extract(doc, ?) <= ?")
			args = append(args, path, value)
		default:
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown filter operator %q (field %q)", f.Operator, f.Field)
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}

// rewriteValue applies the two rewrite stages to a filter value, relative
// dates first and then context substitution, followed by type coercion.
func (b *Builder) rewriteValue(v any, runCtx map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = expressions.ResolveTemplate(s, runCtx, b.now())
	s = expressions.ResolvePlaceholders(s, runCtx)
	return coerce(s)
}

var isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2})?`)
var numericRe = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// coerce maps string values onto comparable types: ISO-date-like strings stay
// as date strings (lexicographic order matches chronological order), pure
// numerics become numbers, true/false become booleans.
func coerce(s string) any {
	switch {
	case isoDateRe.MatchString(s):
		return s
	case numericRe.MatchString(s):
		var n json.Number = json.Number(s)
		if f, err := n.Float64(); err == nil {
			return f
		}
		return s
	case s == "true":
		return true
	case s == "false":
		return false
	default:
		return s
	}
}

// likeText renders a value for LIKE matching.
func likeText(v any) string {
	return expressions.Stringify(v)
}

// aggregate computes the single scalar over the fetched documents.
// Documents are decoded with json.Number so decimal text survives intact.
func aggregate(kind, field string, docs []json.RawMessage) (*Result, error) {
	if kind == schema.AggCount {
		return &Result{Aggregation: kind, Count: int64(len(docs))}, nil
	}

	var values []any
	for _, doc := range docs {
		decoded, err := decodeDoc(doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode row: %s", err.Error()).WithCause(err)
		}
		if v, ok := expressions.Lookup(field, decoded); ok && v != nil {
			values = append(values, v)
		}
	}

	switch kind {
	case schema.AggSum, schema.AggAvg:
		sum := new(apd.Decimal)
		for _, v := range values {
			n, ok := numericString(v)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeFieldType,
					"aggregation field %q is not numeric", field)
			}
			d, _, err := new(apd.Decimal).SetString(n)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeFieldType,
					"aggregation field %q is not numeric", field)
			}
			if _, err := decCtx.Add(sum, sum, d); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "sum overflow: %s", err.Error())
			}
		}
		if kind == schema.AggSum {
			return &Result{Aggregation: kind, Decimal: sum.Text('f')}, nil
		}
		if len(values) == 0 {
			return &Result{Aggregation: kind, Decimal: "0"}, nil
		}
		count := apd.New(int64(len(values)), 0)
		avg := new(apd.Decimal)
		if _, err := decCtx.Quo(avg, sum, count); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "avg: %s", err.Error())
		}
		return &Result{Aggregation: kind, Decimal: avg.Text('f')}, nil

	case schema.AggMin, schema.AggMax:
		if len(values) == 0 {
			return &Result{Aggregation: kind, Value: nil}, nil
		}
		best := values[0]
		for _, v := range values[1:] {
			if less(v, best) == (kind == schema.AggMin) {
				best = v
			}
		}
		return &Result{Aggregation: kind, Value: best}, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown aggregation %q", kind)
}

func decodeDoc(doc json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(doc)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// numericString renders a value as a decimal string if it is a number or a
// numeric string.
func numericString(v any) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), true
	case float64:
		d := new(apd.Decimal)
		if _, err := d.SetFloat64(n); err != nil {
			return "", false
		}
		return d.Text('f'), true
	case int:
		return fmt.Sprintf("%d", n), true
	case int64:
		return fmt.Sprintf("%d", n), true
	case string:
		if numericRe.MatchString(strings.TrimSpace(n)) {
			return strings.TrimSpace(n), true
		}
	}
	return "", false
}

// less orders two values: numerically when both are numeric, otherwise by
// string comparison.
func less(a, b any) bool {
	an, aOK := numericString(a)
	bn, bOK := numericString(b)
	if aOK && bOK {
		ad, _, errA := new(apd.Decimal).SetString(an)
		bd, _, errB := new(apd.Decimal).SetString(bn)
		if errA == nil && errB == nil {
			return ad.Cmp(bd) < 0
		}
	}
	return expressions.Stringify(a) < expressions.Stringify(b)
}
