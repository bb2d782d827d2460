package models

import (
	"time"
)

// Message roles as sent to the inference backend.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InboundMessage is the canonical form of a webhook payload after
// normalization: who sent it and what they said.
type InboundMessage struct {
	SenderID   string
	SenderName string
	Text       string
}

// ReplyEntry represents a cached reply for a question/model pair.
type ReplyEntry struct {
	Question  string
	Answer    string
	Model     string
	CreatedAt time.Time
}
