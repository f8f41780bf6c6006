// Package normalize defensively parses loosely structured provider output
// into the canonical result schema. Providers wrap JSON in prose and code
// fences often enough that recovery is the normal path, not the exception.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

const previewLimit = 280

// Normalize parses raw provider output. On success the result carries a
// warning per recovery step or coercion applied; an empty warning list
// means the payload was already clean. Unrecoverable payloads return a
// domain.ErrNormalization carrying a preview of the raw text. Scores and
// insights are never fabricated.
func Normalize(raw string) (*domain.NormalizedResult, error) {
	payload, recoveryWarnings, err := extractObject(raw)
	if err != nil {
		return nil, domain.WrapError(domain.ErrNormalization, "normalize provider output",
			fmt.Errorf("%w; raw preview: %q", err, preview(raw)))
	}

	envelope, envelopeWarning := unwrapEnvelope(payload)

	result := &domain.NormalizedResult{
		Summary:     map[string]float64{},
		Insights:    []string{},
		Suggestions: []string{},
		Patterns:    map[string]string{},
		Warnings:    []string{},
		RawResponse: raw,
	}
	result.Warnings = append(result.Warnings, recoveryWarnings...)
	if envelopeWarning != "" {
		result.Warnings = append(result.Warnings, envelopeWarning)
	}

	coerceSummary(envelope["summary"], result)
	result.Insights = stringList(envelope["insights"], "insights", result)
	result.Suggestions = stringList(envelope["suggestions"], "suggestions", result)
	coercePatterns(envelope["patterns"], result)

	if len(result.Summary) == 0 && len(result.Insights) == 0 &&
		len(result.Suggestions) == 0 && len(result.Patterns) == 0 {
		return nil, domain.WrapError(domain.ErrNormalization, "normalize provider output",
			fmt.Errorf("no recognizable analysis fields; raw preview: %q", preview(raw)))
	}
	return result, nil
}

// extractObject tries, in order: parse as-is, strip Markdown code fences,
// extract the first-{ to last-} substring.
func extractObject(raw string) (map[string]any, []string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil, errors.New("empty provider response")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, nil, nil
	}

	if fenced := stripCodeFences(trimmed); fenced != trimmed {
		if err := json.Unmarshal([]byte(fenced), &obj); err == nil {
			return obj, []string{"recovered JSON from Markdown code fences"}, nil
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &obj); err == nil {
			return obj, []string{"recovered JSON embedded in surrounding prose"}, nil
		}
	}

	return nil, nil, errors.New("no parsable JSON object found")
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the opening fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// unwrapEnvelope accepts the analysis object at the root or nested under
// one of the envelope keys providers commonly use.
func unwrapEnvelope(obj map[string]any) (map[string]any, string) {
	if hasAnalysisFields(obj) {
		return obj, ""
	}
	for _, key := range []string{"analysis", "data", "result"} {
		if nested, ok := obj[key].(map[string]any); ok && hasAnalysisFields(nested) {
			return nested, fmt.Sprintf("unwrapped analysis payload from %q envelope", key)
		}
	}
	return obj, ""
}

func hasAnalysisFields(obj map[string]any) bool {
	for _, key := range []string{"summary", "insights", "suggestions", "patterns"} {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

func coerceSummary(v any, result *domain.NormalizedResult) {
	m, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			result.Warnings = append(result.Warnings, "dropped summary: not an object")
		}
		return
	}
	for key, value := range m {
		switch n := value.(type) {
		case float64:
			result.Summary[key] = n
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("dropped summary field %q: cannot coerce %q to number", key, n))
				continue
			}
			result.Summary[key] = parsed
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("coerced summary field %q from string to number", key))
		default:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("dropped summary field %q: unsupported type", key))
		}
	}
}

func stringList(v any, field string, result *domain.NormalizedResult) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		if v != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("dropped %s: not a list", field))
		}
		return out
	}
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("dropped %s[%d]: not a string", field, i))
			continue
		}
		out = append(out, s)
	}
	return out
}

func coercePatterns(v any, result *domain.NormalizedResult) {
	m, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			result.Warnings = append(result.Warnings, "dropped patterns: not an object")
		}
		return
	}
	for key, value := range m {
		s, ok := value.(string)
		if !ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("dropped pattern %q: not a string", key))
			continue
		}
		result.Patterns[key] = s
	}
}

func preview(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) <= previewLimit {
		return trimmed
	}
	return trimmed[:previewLimit] + "..."
}
