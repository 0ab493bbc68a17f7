package pipeline

import (
	"encoding/json"
	"strings"
)

// parseModelOutput decodes the raw model answer into a list of draft objects.
// A single object is treated as a one-element list. An object carrying an
// "error" field is the model's own refusal and becomes a ParsingFailure.
func parseModelOutput(rawText string) ([]interface{}, error) {
	clean := cleanModelJSON(rawText)
	if clean == "" {
		return nil, newError(ErrParsingFailure, "the model returned an empty response")
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		e := newError(ErrParsingFailure, "the model response is not valid JSON")
		e.Err = err
		return nil, e
	}

	switch v := parsed.(type) {
	case map[string]interface{}:
		if refusal, ok := v["error"]; ok && refusal != nil {
			return nil, &Error{Kind: ErrParsingFailure, Message: refusalMessage(v)}
		}
		return []interface{}{v}, nil
	case []interface{}:
		if len(v) == 0 {
			return nil, newError(ErrParsingFailure, "the model found no transactions in the message")
		}
		return v, nil
	default:
		return nil, newError(ErrParsingFailure, "the model response is a JSON %T, want an object or array", parsed)
	}
}

// refusalMessage picks the clarification text the model attached to its refusal.
func refusalMessage(obj map[string]interface{}) string {
	if msg, ok := obj["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	if msg, ok := obj["error"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	return ParsingFailedMarker
}

// cleanModelJSON strips Markdown fences and surrounding prose the model may
// add despite instructions.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		// Drop the first line (``` or ```json).
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```json")
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	// Keep the outermost JSON value. The earlier opener wins unless its span
	// is not valid JSON, as when prose before an array contains braces.
	var spans []jsonSpan
	for _, pair := range [][2]string{{"[", "]"}, {"{", "}"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start != -1 && end > start {
			spans = append(spans, jsonSpan{start: start, text: strings.TrimSpace(s[start : end+1])})
		}
	}
	if len(spans) == 0 {
		return s
	}
	if len(spans) == 2 && spans[1].start < spans[0].start {
		spans[0], spans[1] = spans[1], spans[0]
	}
	for _, sp := range spans {
		if json.Valid([]byte(sp.text)) {
			return sp.text
		}
	}
	return spans[0].text
}

type jsonSpan struct {
	start int
	text  string
}
