package expressions

import (
	"strings"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// EvaluateCondition evaluates a {field, operator, value} predicate against
// the run context. The field is a dotted path.
func EvaluateCondition(field, operator string, value any, data map[string]any) (bool, error) {
	actual, found := Lookup(field, data)

	switch operator {
	case schema.OpExists:
		return found && actual != nil, nil

	case schema.OpEquals:
		return found && looselyEqual(actual, value), nil

	case schema.OpNotEquals:
		return !found || !looselyEqual(actual, value), nil

	case schema.OpContains:
		if !found {
			return false, nil
		}
		return strings.Contains(Stringify(actual), Stringify(value)), nil

	case schema.OpGreaterThan, schema.OpLessThan:
		if !found {
			return false, nil
		}
		a, aOK := toFloat(actual)
		b, bOK := toFloat(value)
		if !aOK || !bOK {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"operator %q requires numeric operands (field %q)", operator, field)
		}
		if operator == schema.OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q", operator)
	}
}

// looselyEqual compares two values after numeric coercion, falling back to
// string comparison. JSON decoding yields float64 for every number, so a
// config value 5 must equal a context value 5.0.
func looselyEqual(a, b any) bool {
	if af, aOK := toFloat(a); aOK {
		if bf, bOK := toFloat(b); bOK {
			return af == bf
		}
	}
	return Stringify(a) == Stringify(b)
}

// Truthy interprets an expression-engine result as a branch decision.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}
