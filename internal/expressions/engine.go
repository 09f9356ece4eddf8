package expressions

import "context"

// Engine evaluates expressions against a run's context values.
// Three implementations: CEL (condition guards), Expr (logic), GoJQ (extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines builds the standard engine set keyed by name. CEL construction can
// fail; the map omits it in that case and callers fall back to expr.
func Engines() map[string]Engine {
	engines := map[string]Engine{
		"expr": NewExprEngine(),
		"jq":   NewGoJQEngine(),
	}
	if cel, err := NewCELEngine(); err == nil {
		engines["cel"] = cel
	}
	return engines
}
