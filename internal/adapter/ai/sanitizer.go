package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Sanitizer strips the non-JSON wrapping LLMs like to add around their
// output before the schema validator sees it.
type Sanitizer struct{}

// NewSanitizer creates a sanitizer.
func NewSanitizer() *Sanitizer { return &Sanitizer{} }

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// Clean removes markdown fences, leading/trailing prose and common
// formatting damage, returning the innermost JSON object.
func (s *Sanitizer) Clean(response string) string {
	response = s.removeMarkdownFences(response)
	response = s.extractObject(response)
	if s.IsValidJSON(response) {
		return response
	}
	// Last-resort repairs for near-JSON output.
	response = trailingCommaRe.ReplaceAllString(response, "$1")
	return response
}

func (s *Sanitizer) removeMarkdownFences(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// extractObject returns the first balanced {...} span, skipping braces
// inside string literals.
func (s *Sanitizer) extractObject(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return response[start:]
}

// IsValidJSON checks if a string parses as JSON.
func (s *Sanitizer) IsValidJSON(response string) bool {
	var v any
	return json.Unmarshal([]byte(response), &v) == nil
}
