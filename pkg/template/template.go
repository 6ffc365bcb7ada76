// Package template provides {{token}} placeholder rendering for workflow step
// payloads. Rendering is a pure function over the provided sources; an
// unresolved placeholder is an error, never a silent empty string.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_][a-zA-Z0-9_.]*)\s*\}\}`)

// UnresolvedTokenError reports a placeholder that no source could satisfy.
type UnresolvedTokenError struct {
	Token    string
	Template string
}

func (e *UnresolvedTokenError) Error() string {
	return fmt.Sprintf("unresolved placeholder '%s' in template '%s'", e.Token, e.Template)
}

// Render substitutes every {{token}} in templateStr with its value from the
// first source that contains it. Tokens may use dotted paths into nested
// maps. A template consisting of exactly one placeholder returns the typed
// value; otherwise the result is the substituted string.
func Render(templateStr string, sources ...map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(templateStr, -1)
	if len(matches) == 0 {
		return templateStr, nil
	}

	// Whole-value placeholder keeps the resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(templateStr) {
		token := templateStr[matches[0][2]:matches[0][3]]

		value, found := lookup(token, sources)
		if !found {
			return nil, &UnresolvedTokenError{Token: token, Template: templateStr}
		}

		return value, nil
	}

	var builder strings.Builder

	last := 0

	for _, match := range matches {
		token := templateStr[match[2]:match[3]]

		value, found := lookup(token, sources)
		if !found {
			return nil, &UnresolvedTokenError{Token: token, Template: templateStr}
		}

		builder.WriteString(templateStr[last:match[0]])
		builder.WriteString(stringify(value))

		last = match[1]
	}

	builder.WriteString(templateStr[last:])

	return builder.String(), nil
}

// RenderMap renders every value of a payload template.
func RenderMap(templates map[string]string, sources ...map[string]any) (map[string]any, error) {
	rendered := make(map[string]any, len(templates))

	for key, templateStr := range templates {
		value, err := Render(templateStr, sources...)
		if err != nil {
			return nil, fmt.Errorf("failed to render payload field '%s': %w", key, err)
		}

		rendered[key] = value
	}

	return rendered, nil
}

// Placeholders returns the distinct tokens referenced by a template.
func Placeholders(templateStr string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(templateStr, -1)

	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))

	for _, match := range matches {
		if _, ok := seen[match[1]]; ok {
			continue
		}

		seen[match[1]] = struct{}{}
		tokens = append(tokens, match[1])
	}

	return tokens
}

func lookup(token string, sources []map[string]any) (any, bool) {
	parts := strings.Split(token, ".")

	for _, source := range sources {
		if value, found := lookupPath(parts, source); found {
			return value, true
		}
	}

	return nil, false
}

func lookupPath(parts []string, source map[string]any) (any, bool) {
	current := any(source)

	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(raw)
	}
}
