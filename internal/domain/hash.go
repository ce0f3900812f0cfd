package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

const previewMaxLength = 255

// HashJSON returns the sha256 of the canonical JSON encoding of value. Map keys are sorted by the encoder.
func HashJSON(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte{}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func EvalHash(taskSchemaID int, inputHash, outputHash string) string {
	return HashJSON([]any{taskSchemaID, inputHash, outputHash})
}

func Preview(value any) string {
	if value == nil {
		return ""
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	out := string(raw)
	if len(out) <= previewMaxLength {
		return out
	}
	runes := []rune(out)
	if len(runes) <= previewMaxLength {
		return out
	}
	return string(runes[:previewMaxLength-3]) + "..."
}

// Sanitized trims and normalizes properties so that equivalent versions hash identically.
func (p TaskGroupProperties) Sanitized() TaskGroupProperties {
	out := p
	out.Model = strings.TrimSpace(p.Model)
	out.Provider = strings.TrimSpace(p.Provider)
	out.Instructions = strings.TrimSpace(p.Instructions)
	out.TemplateName = strings.TrimSpace(p.TemplateName)
	if len(p.EnabledTools) > 0 {
		tools := make([]string, 0, len(p.EnabledTools))
		for _, tool := range p.EnabledTools {
			if clean := strings.TrimSpace(tool); clean != "" {
				tools = append(tools, clean)
			}
		}
		slices.Sort(tools)
		out.EnabledTools = slices.Compact(tools)
	}
	if len(out.EnabledTools) == 0 {
		out.EnabledTools = nil
	}
	return out
}

func (p TaskGroupProperties) Hash() string {
	return HashJSON(p.Sanitized())
}
