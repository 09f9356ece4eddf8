package expressions

import (
	"math"
	"strconv"
	"strings"

	"github.com/inqbatorchris/aimee-sub010/pkg/schema"
)

// EvaluateFormula resolves {var} placeholders in formula against the run
// context, then evaluates the resulting arithmetic expression. Only numeric
// literals and + - * / ( ) are permitted after substitution; anything else is
// rejected before evaluation. Results are rounded to 2 decimals and
// non-finite results (divide-by-zero) map to 0.
func EvaluateFormula(formula string, data map[string]any) (float64, error) {
	substituted, err := substituteVars(formula, data)
	if err != nil {
		return 0, err
	}

	if err := checkFormulaCharset(substituted); err != nil {
		return 0, err
	}

	p := &formulaParser{input: substituted}
	result, err := p.parseExpression()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"unexpected character %q at position %d in formula", p.input[p.pos], p.pos)
	}

	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, nil
	}
	return math.Round(result*100) / 100, nil
}

// substituteVars replaces every {var} token with the numeric value of the
// corresponding context entry. A missing or non-numeric variable is a
// configuration error.
func substituteVars(formula string, data map[string]any) (string, error) {
	out := formula
	for _, name := range ExtractPlaceholders(formula) {
		v, ok := Lookup(name, data)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"formula variable %q not found in context", name)
		}
		n, ok := toFloat(v)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"formula variable %q is not numeric", name)
		}
		out = strings.ReplaceAll(out, "{"+name+"}", strconv.FormatFloat(n, 'f', -1, 64))
	}
	return out, nil
}

// checkFormulaCharset rejects any character outside digits, whitespace and
// the arithmetic set before the parser runs. This is the safety boundary:
// formulas never reach a general-purpose evaluator.
func checkFormulaCharset(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c == '.' || c == '+' || c == '-' || c == '*' || c == '/':
		case c == '(' || c == ')':
		case c == ' ' || c == '\t':
		default:
			return schema.NewErrorf(schema.ErrCodeSafety,
				"formula contains forbidden character %q", c)
		}
	}
	return nil
}

// formulaParser is a minimal recursive-descent parser for
//
//	expression := term (('+'|'-') term)*
//	term       := factor (('*'|'/') factor)*
//	factor     := number | '(' expression ')' | '-' factor
type formulaParser struct {
	input string
	pos   int
}

func (p *formulaParser) parseExpression() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *formulaParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			// Division by zero yields ±Inf here; the caller maps it to 0.
			left /= right
		}
	}
}

func (p *formulaParser) parseFactor() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, schema.NewError(schema.ErrCodeValidation, "unexpected end of formula")
	}

	switch c := p.input[p.pos]; {
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err

	case c == '(':
		p.pos++
		v, err := p.parseExpression()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, schema.NewError(schema.ErrCodeValidation, "unbalanced parenthesis in formula")
		}
		p.pos++
		return v, nil

	case c >= '0' && c <= '9', c == '.':
		return p.parseNumber()

	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"unexpected character %q at position %d in formula", c, p.pos)
	}
}

func (p *formulaParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	n, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid number %q in formula", p.input[start:p.pos])
	}
	return n, nil
}

func (p *formulaParser) skipSpaces() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

// toFloat coerces context values into float64 for formula substitution.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
