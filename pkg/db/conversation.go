// Database models for chat conversations
package db

import "time"

// Conversation is the metadata row of one chat, partitioned by UserID.
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"-" gorm:"index;size:128;not null"`
	Model     string    `json:"model" gorm:"size:100"`
	Provider  string    `json:"provider" gorm:"size:50"`
	Label     string    `json:"label" gorm:"size:200;not null;default:''"`
	Pinned    bool      `json:"pinned" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}
