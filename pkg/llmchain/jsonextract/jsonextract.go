// Package jsonextract implements the critical subroutine the router and
// skill classifier depend on: pulling a structured JSON verdict out of a
// raw, possibly chatty LM completion (spec.md §4.7).
package jsonextract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// Result is the outcome of an extraction attempt.
type Result struct {
	// Raw is the JSON substring that parsed, empty if Unstructured.
	Raw string
	// Strategy names which of the four strategies produced Raw.
	Strategy string
	// Unstructured is true when every strategy failed; callers should
	// translate this into a conservative fallback (spec.md §4.7: "usually a
	// conversational reply").
	Unstructured bool
}

// Extract tries, in order: (1) parse the whole string; (2) the first
// ```json fenced block; (3) the first balanced {...} or [...] substring;
// (4) a trailing-comma fix applied to the whole string, then retrying
// (1)-(3) against the fixed string. The first strategy whose candidate
// parses as valid JSON wins.
func Extract(raw string) Result {
	trimmed := strings.TrimSpace(raw)

	if isValidJSON(trimmed) {
		return Result{Raw: trimmed, Strategy: "whole_string"}
	}

	if m := fencedJSONPattern.FindStringSubmatch(raw); m != nil {
		if isValidJSON(strings.TrimSpace(m[1])) {
			return Result{Raw: strings.TrimSpace(m[1]), Strategy: "fenced_block"}
		}
	}

	if candidate, ok := firstBalancedSubstring(raw); ok && isValidJSON(candidate) {
		return Result{Raw: candidate, Strategy: "balanced_scan"}
	}

	fixed := stripTrailingCommas(raw)
	if fixed != raw {
		if isValidJSON(strings.TrimSpace(fixed)) {
			return Result{Raw: strings.TrimSpace(fixed), Strategy: "trailing_comma_fix"}
		}
		if m := fencedJSONPattern.FindStringSubmatch(fixed); m != nil {
			if isValidJSON(strings.TrimSpace(m[1])) {
				return Result{Raw: strings.TrimSpace(m[1]), Strategy: "trailing_comma_fix"}
			}
		}
		if candidate, ok := firstBalancedSubstring(fixed); ok && isValidJSON(candidate) {
			return Result{Raw: candidate, Strategy: "trailing_comma_fix"}
		}
	}

	return Result{Unstructured: true}
}

// Into runs Extract and, on success, unmarshals the winning candidate into
// v. It returns ok=false (never an error) when extraction was
// unstructured, matching the spec's "translate into a conservative
// fallback" contract rather than propagating a parse error.
func Into(raw string, v any) (ok bool) {
	res := Extract(raw)
	if res.Unstructured {
		return false
	}
	if err := json.Unmarshal([]byte(res.Raw), v); err != nil {
		return false
	}
	return true
}

func isValidJSON(s string) bool {
	if s == "" {
		return false
	}
	return json.Valid([]byte(s))
}

// firstBalancedSubstring scans for the first balanced {...} or [...]
// substring, respecting string literals so braces inside quoted values
// don't confuse the bracket counter.
func firstBalancedSubstring(s string) (string, bool) {
	start := -1
	var openCh, closeCh byte
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if start == -1 {
			if c == '{' || c == '[' {
				start = i
				openCh = c
				if c == '{' {
					closeCh = '}'
				} else {
					closeCh = ']'
				}
				depth = 1
			}
			continue
		}

		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// stripTrailingCommas removes a comma that appears immediately before a
// closing } or ] (ignoring whitespace between them), the one malformation
// class spec.md §4.7 singles out for a dedicated repair pass.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == ',' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue
			}
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}
