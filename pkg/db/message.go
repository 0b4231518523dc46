// Database models for chat messages
package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/choraleia/relaychat/pkg/models"
)

// Message is one entry of a conversation's history. Seq is the zero-based
// position within the conversation; positions stay contiguous because
// history only grows at the tail and shrinks by truncating a suffix.
type Message struct {
	ID             uint        `json:"-" gorm:"primaryKey;autoIncrement"`
	ConversationID string      `json:"conversation_id" gorm:"uniqueIndex:idx_conversation_seq;size:36;not null"`
	Seq            int         `json:"seq" gorm:"uniqueIndex:idx_conversation_seq;not null"`
	Role           string      `json:"role" gorm:"size:20;not null"`
	Parts          Parts       `json:"parts" gorm:"type:text"`
	Attachments    Attachments `json:"attachments,omitempty" gorm:"type:text"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (*Message) TableName() string {
	return "messages"
}

// FromModel converts a domain message into a row at position seq. Inline
// data is dropped; it is never persisted.
func FromModel(conversationID string, seq int, m models.Message) *Message {
	d := m.Durable()
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &Message{
		ConversationID: conversationID,
		Seq:            seq,
		Role:           d.Role,
		Parts:          Parts(d.Parts),
		Attachments:    Attachments(d.Attachments),
		CreatedAt:      created,
	}
}

// ToModel converts the row back into a domain message.
func (m *Message) ToModel() models.Message {
	return models.Message{
		Role:        m.Role,
		Parts:       []models.Part(m.Parts),
		Attachments: []models.Attachment(m.Attachments),
		CreatedAt:   m.CreatedAt,
	}
}

// Parts is stored as a JSON array.
type Parts []models.Part

// Value implements driver.Valuer for database storage
func (p Parts) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]models.Part(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval
func (p *Parts) Scan(value interface{}) error {
	return scanJSON(value, (*[]models.Part)(p))
}

// Attachments is stored as a JSON array.
type Attachments []models.Attachment

// Value implements driver.Valuer for database storage
func (a Attachments) Value() (driver.Value, error) {
	if len(a) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]models.Attachment(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval
func (a *Attachments) Scan(value interface{}) error {
	return scanJSON(value, (*[]models.Attachment)(a))
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}
