package ai

import (
	"encoding/json"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ParseStructured decodes a model response that should be a JSON object,
// tolerating the malformations models actually produce: markdown code
// fences, prose around the payload, and trailing commas.
//
// Recovery strategies run in order: direct parse, fence stripping, first
// balanced object extraction, trailing-comma removal. Only after all of them
// fail does it return a ParseError.
func ParseStructured(raw string) (map[string]any, error) {
	var lastErr error
	for _, candidate := range recoveryCandidates(raw) {
		var out map[string]any
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, nil
		} else {
			lastErr = err
		}
	}
	return nil, &ParseError{Raw: truncate(raw, 500), Err: lastErr}
}

// DecodeStructured parses a model response and maps it onto a typed struct.
// Weak typing tolerates models returning numbers as strings and vice versa.
func DecodeStructured(raw string, out any) error {
	m, err := ParseStructured(raw)
	if err != nil {
		return err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(m); err != nil {
		return &ParseError{Raw: truncate(raw, 500), Err: err}
	}
	return nil
}

func recoveryCandidates(raw string) []string {
	trimmed := strings.TrimSpace(raw)

	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	base := []string{trimmed, stripFences(trimmed)}
	for _, b := range base {
		add(b)
		if extracted := extractBalanced(b); extracted != "" {
			add(extracted)
			add(stripTrailingCommas(extracted))
		}
		add(stripTrailingCommas(b))
	}
	return out
}

// stripFences removes a wrapping markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	// Drop the language tag line if present.
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(body[:idx])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{[") {
			body = body[idx+1:]
		}
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// extractBalanced returns the first balanced {...} or [...] region, skipping
// braces inside JSON strings. Empty when none exists.
func extractBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripTrailingCommas removes commas immediately preceding a closing brace or
// bracket, outside of JSON strings.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			// Look ahead past whitespace for a closing delimiter.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
