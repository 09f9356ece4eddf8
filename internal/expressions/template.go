package expressions

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Relative-date tokens recognized inside {{...}} markers and as bare filter values.
const (
	TokenToday             = "today"
	TokenYesterday         = "yesterday"
	TokenCurrentMonthStart = "current_month_start"
	TokenCurrentMonthEnd   = "current_month_end"
)

// Lookup resolves a dotted path ("payload.customer.name") against a nested
// map structure. Returns the value and whether the full path resolved.
func Lookup(path string, data map[string]any) (any, bool) {
	if path == "" || data == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ResolveTemplate replaces {{dotted.path}} tokens in s with values looked up
// in data. Relative-date tokens resolve to ISO dates computed from now.
// Unresolvable tokens are left intact so failures are visible downstream.
func ResolveTemplate(s string, data map[string]any, now time.Time) string {
	var b strings.Builder
	b.Grow(len(s))

	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		token := strings.TrimSpace(s[start+2 : end])

		if date, ok := relativeDate(token, now); ok {
			b.WriteString(date)
		} else if v, ok := Lookup(token, data); ok {
			b.WriteString(Stringify(v))
		} else {
			b.WriteString(s[start : end+2])
		}

		s = s[end+2:]
	}

	return b.String()
}

// ResolvePlaceholders replaces single-brace {name} tokens with context values.
// Names may be dotted paths. Unresolvable tokens are left intact.
func ResolvePlaceholders(s string, data map[string]any) string {
	var b strings.Builder
	b.Grow(len(s))

	for {
		start := strings.IndexByte(s, '{')
		if start == -1 {
			b.WriteString(s)
			break
		}
		// Skip double-brace markers; those belong to ResolveTemplate.
		if strings.HasPrefix(s[start:], "{{") {
			b.WriteString(s[:start+2])
			s = s[start+2:]
			continue
		}
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		name := strings.TrimSpace(s[start+1 : end])

		if v, ok := Lookup(name, data); ok {
			b.WriteString(Stringify(v))
		} else {
			b.WriteString(s[start : end+1])
		}

		s = s[end+1:]
	}

	return b.String()
}

// ExtractPlaceholders returns the names of all single-brace {name} tokens in s,
// in order of first appearance.
func ExtractPlaceholders(s string) []string {
	var names []string
	seen := make(map[string]struct{})

	for {
		start := strings.IndexByte(s, '{')
		if start == -1 {
			break
		}
		if strings.HasPrefix(s[start:], "{{") {
			s = s[start+2:]
			continue
		}
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			break
		}
		end += start

		name := strings.TrimSpace(s[start+1 : end])
		if name != "" {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
		s = s[end+1:]
	}

	return names
}

// relativeDate resolves a relative-date token to an ISO date string.
func relativeDate(token string, now time.Time) (string, bool) {
	now = now.UTC()
	switch token {
	case TokenToday:
		return now.Format("2006-01-02"), true
	case TokenYesterday:
		return now.AddDate(0, 0, -1).Format("2006-01-02"), true
	case TokenCurrentMonthStart:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02"), true
	case TokenCurrentMonthEnd:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).
			AddDate(0, 1, -1).Format("2006-01-02"), true
	}
	return "", false
}

// Stringify renders a context value for template substitution.
// Floats that carry no fractional part print without a decimal point so that
// JSON-decoded integers round-trip cleanly.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
