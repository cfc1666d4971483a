package extraction

import (
	"sort"
	"strings"
)

// Extraction is a structured result produced by the extraction engine
// for a span of text. Values are immutable once produced.
type Extraction struct {
	// Class is the category label assigned by the engine (e.g. "medication")
	Class string `json:"extraction_class"`

	// Text is the matched span of text
	Text string `json:"extraction_text"`

	// CharStart and CharEnd are the character offsets of the span in the
	// source document, when the engine aligned it (nil otherwise)
	CharStart *int `json:"char_start,omitempty"`
	CharEnd   *int `json:"char_end,omitempty"`

	// Attributes holds engine-assigned attribute values keyed by name
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Message is one role-tagged turn of a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// KeyFunc derives a stable identity signature for an extraction.
// Two extractions with the same signature are treated as the same result.
type KeyFunc func(Extraction) string

// keySep separates key components; unit separator keeps class/text
// concatenations from colliding
const keySep = "\x1f"

// Key is the default identity signature: class and text only.
// Attribute values may drift across engine passes over a growing
// document, so they are excluded here.
func Key(e Extraction) string {
	return e.Class + keySep + e.Text
}

// KeyWithAttributes widens the identity signature with the attribute
// mapping, canonicalized by sorted attribute name.
func KeyWithAttributes(e Extraction) string {
	if len(e.Attributes) == 0 {
		return Key(e)
	}
	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(Key(e))
	for _, name := range names {
		b.WriteString(keySep)
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(e.Attributes[name])
	}
	return b.String()
}

// FlattenMessages converts chat-style messages into a single text blob
// with roles, one "role: content" line per message. Messages with empty
// content are skipped; a missing role defaults to "user".
func FlattenMessages(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = "user"
		}
		lines = append(lines, role+": "+content)
	}
	return strings.Join(lines, "\n")
}
