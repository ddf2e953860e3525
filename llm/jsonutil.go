package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	// fencePattern matches the body of a markdown code fence: ```json ... ```
	fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts the first JSON object from an LLM response and repairs
// the common artifacts: markdown fences, surrounding prose, // comments and
// trailing commas. Returns "" when no object is present.
func ExtractJSON(content string) string {
	raw := extractBalanced(unfence(content), '{', '}')
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

// ExtractJSONArray extracts the first JSON array from an LLM response.
func ExtractJSONArray(content string) string {
	raw := extractBalanced(unfence(content), '[', ']')
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

// DecodeJSON parses model output into dst. The content is decoded as-is first;
// on failure one local repair pass is applied. The returned error is a
// *ParseError labelled with stage.
func DecodeJSON(stage, content string, dst any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return NewParseError(stage, "empty response", content, nil)
	}
	if err := json.Unmarshal([]byte(trimmed), dst); err == nil {
		return nil
	}

	repaired := ExtractJSON(trimmed)
	if repaired == "" {
		return NewParseError(stage, "no JSON object in response", content, nil)
	}
	if err := json.Unmarshal([]byte(repaired), dst); err != nil {
		return NewParseError(stage, "invalid JSON after repair", content, err)
	}
	return nil
}

// unfence returns the body of the first markdown code fence, or content unchanged.
func unfence(content string) string {
	if m := fencePattern.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	return content
}

// extractBalanced returns the first open...close span with balanced nesting,
// ignoring delimiters inside string literals. When the span never closes the
// remainder from the opening delimiter is returned so the decoder reports it.
func extractBalanced(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// cleanJSON removes JavaScript-style comments and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	result := strings.Join(lines, "\n")

	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values.
//
//	"url": "http://example.com", // link  → "url": "http://example.com",
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
