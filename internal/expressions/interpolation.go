package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches {{ name }} tokens. Names are identifiers optionally joined
// by dots; anything else between braces (JSON, prose) is not a placeholder.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_\-]*(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Interpolate resolves {{ name }} tokens in s against vars.
//
// A string that consists of exactly one token resolves to the raw value, so
// {"url": "{{site}}"} keeps non-string values intact. Tokens embedded in longer
// text are stringified: strings as-is, everything else as compact JSON. Tokens
// naming a missing variable are left in place verbatim.
func Interpolate(s string, vars map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := placeholderRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if v, ok := Lookup(vars, s[m[2]:m[3]]); ok {
			return v
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		name := placeholderRe.FindStringSubmatch(token)[1]
		v, ok := Lookup(vars, name)
		if !ok {
			return token
		}
		return Stringify(v)
	})
}

// HasPlaceholders reports whether s contains at least one {{ name }} token.
func HasPlaceholders(s string) bool {
	return placeholderRe.MatchString(s)
}

// Placeholders returns the distinct variable names referenced by s, in order.
func Placeholders(s string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Lookup resolves name in vars. An exact key wins; otherwise a dotted name walks
// nested maps ("research.summary").
func Lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = vars
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders v for embedding in text.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
