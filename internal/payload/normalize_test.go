package payload

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wa-lm-relay-go/internal/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		record map[string]interface{}
		want   models.InboundMessage
	}{
		{
			name:   "basic jid and text",
			record: map[string]interface{}{"jid": "u1", "text": "hello"},
			want:   models.InboundMessage{SenderID: "u1", SenderName: "User", Text: "hello"},
		},
		{
			name:   "alias priority for sender id",
			record: map[string]interface{}{"wa_id": "w1", "from": "f1", "text": "hi"},
			want:   models.InboundMessage{SenderID: "w1", SenderName: "User", Text: "hi"},
		},
		{
			name:   "profile name alias",
			record: map[string]interface{}{"jid": "u1", "profile_name": "Ada", "message": "hey"},
			want:   models.InboundMessage{SenderID: "u1", SenderName: "Ada", Text: "hey"},
		},
		{
			name:   "upper case text alias",
			record: map[string]interface{}{"jid": "u1", "MESSAGE-TEXT": "shouty"},
			want:   models.InboundMessage{SenderID: "u1", SenderName: "User", Text: "shouty"},
		},
		{
			name: "text nested under data wrapper",
			record: map[string]interface{}{
				"jid":  "u1",
				"data": map[string]interface{}{"body": "wrapped"},
			},
			want: models.InboundMessage{SenderID: "u1", SenderName: "User", Text: "wrapped"},
		},
		{
			name: "text nested under payload wrapper",
			record: map[string]interface{}{
				"from":    "f2",
				"payload": map[string]interface{}{"content": "deep"},
			},
			want: models.InboundMessage{SenderID: "f2", SenderName: "User", Text: "deep"},
		},
		{
			name:   "top level wins over wrapper",
			record: map[string]interface{}{"jid": "u1", "text": "top", "data": map[string]interface{}{"text": "inner"}},
			want:   models.InboundMessage{SenderID: "u1", SenderName: "User", Text: "top"},
		},
		{
			name:   "whitespace only text is skipped",
			record: map[string]interface{}{"jid": "u1", "text": "   ", "message": "real"},
			want:   models.InboundMessage{SenderID: "u1", SenderName: "User", Text: "real"},
		},
		{
			name:   "non string values are ignored",
			record: map[string]interface{}{"jid": "u1", "text": 42.0, "body": "fallback"},
			want:   models.InboundMessage{SenderID: "u1", SenderName: "User", Text: "fallback"},
		},
		{
			name:   "empty record uses defaults",
			record: map[string]interface{}{},
			want:   models.InboundMessage{SenderID: "unknown", SenderName: "User", Text: ""},
		},
		{
			name:   "no extractable text",
			record: map[string]interface{}{"jid": "u1", "unrelated": "x"},
			want:   models.InboundMessage{SenderID: "u1", SenderName: "User", Text: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Normalize(tt.record))
		})
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	record := map[string]interface{}{"jid": "u1", "text": "hello"}
	Normalize(record)
	require.Equal(t, map[string]interface{}{"jid": "u1", "text": "hello"}, record)
}
