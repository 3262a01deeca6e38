package extool

import (
	"regexp"
	"strconv"
	"strings"

	"idekick/internal/domain"
)

var numericToken = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

// numericKey matches argument names that conventionally carry numbers even
// when the server did not publish a schema for them.
var numericKey = regexp.MustCompile(`(?i)(^|_)(id|count|limit|offset|size|index|page|line|col|port|depth|max|min|num|timeout)(_|$)`)

// Coerce repairs argument values whose types drift from what the target tool
// expects. Models routinely wrap numbers in strings or spell booleans as
// words; servers then reject the call. When a schema is available coercion is
// driven by the declared property types, otherwise a conservative
// name-based heuristic is applied. Coercion never fails: values that cannot
// be converted pass through unchanged, and applying Coerce to an already
// coerced map is a no-op.
func Coerce(args map[string]any, schema *domain.ToolSchema) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	if schema != nil && len(schema.Properties) > 0 {
		for name, prop := range schema.Properties {
			v, ok := out[name]
			if !ok || v == nil {
				continue
			}
			out[name] = coerceValue(v, prop.Type)
		}
		return out
	}

	for name, v := range out {
		if v == nil {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			continue
		}
		switch {
		case numericKey.MatchString(name):
			if f, ok := parseNumber(s); ok {
				out[name] = normalizeNumber(f)
			}
		case strings.EqualFold(s, "true"):
			out[name] = true
		case strings.EqualFold(s, "false"):
			out[name] = false
		}
	}
	return out
}

func coerceValue(v any, declared domain.PropertyType) any {
	switch declared {
	case domain.TypeNumber:
		if s, ok := v.(string); ok {
			if f, ok := parseNumber(s); ok {
				return f
			}
		}
	case domain.TypeInteger:
		switch t := v.(type) {
		case string:
			if f, ok := parseNumber(t); ok {
				return int64(f)
			}
		case float64:
			if t == float64(int64(t)) {
				return int64(t)
			}
		}
	case domain.TypeBoolean:
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "yes", "1", "on":
				return true
			case "false", "no", "0", "off":
				return false
			}
		}
	case domain.TypeString:
		switch t := v.(type) {
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(t, 10)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return v
}

// parseNumber extracts the first numeric token from s. Model output sometimes
// decorates numbers with units or prose ("42 lines"), the token is what the
// tool wants.
func parseNumber(s string) (float64, bool) {
	tok := numericToken.FindString(s)
	if tok == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func normalizeNumber(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}
