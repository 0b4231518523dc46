package models

import (
	"strings"
	"time"
)

// Message roles. Conversation history alternates between the two by
// convention only; nothing enforces it.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// DefaultChatLabel is shown for chats whose generated title came back empty.
const DefaultChatLabel = "Untitled Chat"

// Chat is the metadata of one conversation. The owning user is the
// partition key of every lookup and is never a field of the record.
type Chat struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Label     string    `json:"label,omitempty"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatUpdate is a partial merge onto Chat. Nil fields are left untouched.
type ChatUpdate struct {
	Label  *string `json:"label,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
}

// InlineData carries base64 encoded bytes with their MIME type.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is either a text fragment or inline data, never both.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// Attachment references uploaded bytes by URL. References are persisted
// with the message; the bytes are only inlined at generation time.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type Message struct {
	Role        string       `json:"role"`
	Parts       []Part       `json:"parts"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
}

// NewTextMessage builds a message with a single text part.
func NewTextMessage(role, text string) Message {
	return Message{
		Role:      role,
		Parts:     []Part{{Text: text}},
		CreatedAt: time.Now(),
	}
}

// Text concatenates the text parts of the message in order.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.InlineData == nil {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasInlineData reports whether any part carries inline bytes.
func (m *Message) HasInlineData() bool {
	for _, p := range m.Parts {
		if p.InlineData != nil {
			return true
		}
	}
	return false
}

// Durable returns a copy of the message without inline data parts.
func (m Message) Durable() Message {
	parts := make([]Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.InlineData == nil {
			parts = append(parts, p)
		}
	}
	m.Parts = parts
	return m
}

// ChatListResponse is the body of the chat listing endpoint.
type ChatListResponse struct {
	Chats []*Chat `json:"chats"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
}
