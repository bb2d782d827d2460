// Package payload turns arbitrarily shaped webhook records into canonical
// inbound messages. Gateways disagree about field names, so extraction is
// driven by ordered alias tables rather than typed request structs.
package payload

import (
	"strings"

	"github.com/wa-lm-relay-go/internal/models"
)

// fieldRule describes where to look for one category of field. Keys are
// probed in order at the top level, then inside each wrapper object.
type fieldRule struct {
	keys     []string
	wrappers []string
	fallback string
}

var (
	senderIDRule = fieldRule{
		keys:     []string{"jid", "wa_id", "from"},
		fallback: "unknown",
	}
	senderNameRule = fieldRule{
		keys:     []string{"name", "profile_name", "chat_name"},
		fallback: "User",
	}
	textRule = fieldRule{
		keys:     []string{"text", "message", "body", "MESSAGE", "MESSAGE-TEXT", "message-text", "content"},
		wrappers: []string{"data", "payload"},
	}
)

// Normalize extracts the canonical (sender id, sender name, text) triple
// from a decoded webhook record. Empty text is a valid outcome and signals
// a no-op to the caller.
func Normalize(record map[string]interface{}) models.InboundMessage {
	return models.InboundMessage{
		SenderID:   extract(record, senderIDRule),
		SenderName: extract(record, senderNameRule),
		Text:       extract(record, textRule),
	}
}

func extract(record map[string]interface{}, rule fieldRule) string {
	if v := probe(record, rule.keys); v != "" {
		return v
	}
	for _, wrapper := range rule.wrappers {
		inner, ok := record[wrapper].(map[string]interface{})
		if !ok {
			continue
		}
		if v := probe(inner, rule.keys); v != "" {
			return v
		}
	}
	return rule.fallback
}

// probe returns the first value that is a string with visible content.
func probe(record map[string]interface{}, keys []string) string {
	for _, key := range keys {
		v, ok := record[key].(string)
		if ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
