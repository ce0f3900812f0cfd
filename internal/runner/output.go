package runner

import (
	"strings"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/goccy/go-json"
	"github.com/kaptinlin/jsonrepair"
)

// stripFence removes a surrounding markdown code fence, complete or still open.
func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	} else {
		return ""
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// parseOutput decodes the final completion text into the task output object.
func parseOutput(text string) (map[string]any, error) {
	cleaned := stripFence(text)
	if cleaned == "" {
		return nil, domain.NewProviderError(domain.CodeFailedGeneration, "model returned an empty response")
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, domain.NewProviderError(domain.CodeFailedGeneration, "model response is not a json object").
			WithCause(err).
			WithDetail("raw_completion", truncate(cleaned, 512))
	}
	return out, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

// parsePartialJSON decodes a JSON object that is still being streamed. Unfinished keys and
// literals are dropped, then jsonrepair closes whatever is left open.
func parsePartialJSON(text string) (map[string]any, bool) {
	cleaned := stripFence(text)
	start := strings.IndexByte(cleaned, '{')
	if start < 0 {
		return nil, false
	}
	repaired, err := jsonrepair.JSONRepair(trimIncomplete(cleaned[start:]))
	if err != nil {
		return nil, false
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, false
	}
	return out, true
}

// trimIncomplete cuts a trailing key that has no value yet and a half written literal,
// so a repaired prefix never invents fields.
func trimIncomplete(text string) string {
	var stack []byte
	inString, escaped := false, false
	keyStart := -1
	var prev byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				prev = '"'
			}
			continue
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '"':
			inString = true
			keyStart = -1
			if len(stack) > 0 && stack[len(stack)-1] == '}' && (prev == '{' || prev == ',') {
				keyStart = i
			}
			continue
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
		prev = c
	}

	if inString {
		switch {
		case keyStart >= 0:
			return trimComma(text[:keyStart])
		case escaped:
			return text[:len(text)-1]
		}
		return text
	}
	if prev == '"' && keyStart >= 0 {
		return trimComma(text[:keyStart])
	}

	trimmed := strings.TrimRight(text, " \t\r\n")
	trimmed = strings.TrimRight(trimmed, "+-.")
	word := len(trimmed) - len(strings.TrimRightFunc(trimmed, isLetter))
	switch trimmed[len(trimmed)-word:] {
	case "", "true", "false", "null":
	default:
		trimmed = strings.TrimRight(trimmed[:len(trimmed)-word], "+-.")
	}
	trimmed = strings.TrimRight(trimmed, " \t\r\n")
	if strings.HasSuffix(trimmed, ":") {
		return trimmed + "null"
	}
	return trimComma(trimmed)
}

func trimComma(text string) string {
	return strings.TrimSuffix(strings.TrimRight(text, " \t\r\n"), ",")
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
