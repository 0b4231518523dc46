// Package store persists chat metadata and message history per user.
package store

import (
	"context"
	"errors"

	"github.com/choraleia/relaychat/pkg/models"
)

var (
	ErrChatNotFound  = errors.New("chat not found")
	ErrInvalidIndex  = errors.New("message index out of range")
	ErrDuplicateChat = errors.New("chat already exists")
)

// ChatRef identifies a chat together with its owner. It is only returned by
// maintenance queries that cross user partitions.
type ChatRef struct {
	UserID string
	Chat   *models.Chat
}

// ConversationStore is the durable home of chats and their histories.
// Every call is scoped by userID; a chat that exists under another user is
// reported as ErrChatNotFound.
type ConversationStore interface {
	CreateChat(ctx context.Context, userID string, chat *models.Chat) error
	GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error)
	// UpdateChat merges the non-nil fields of update and returns the result.
	UpdateChat(ctx context.Context, userID, chatID string, update models.ChatUpdate) (*models.Chat, error)
	// SetLabelIfAbsent writes label only if the chat has none yet. It reports
	// whether this call was the writer.
	SetLabelIfAbsent(ctx context.Context, userID, chatID, label string) (bool, error)
	// ListChats returns pinned chats first, then the rest newest first.
	// page starts at 1.
	ListChats(ctx context.Context, userID string, page, limit int) ([]*models.Chat, error)
	// DeleteChat removes the chat and its history and returns the removed
	// messages.
	DeleteChat(ctx context.Context, userID, chatID string) ([]models.Message, error)

	AppendMessage(ctx context.Context, userID, chatID string, msg models.Message) error
	// ListMessages returns positions start..stop inclusive. Negative values
	// count from the end, so (0, -1) is the whole history.
	ListMessages(ctx context.Context, userID, chatID string, start, stop int64) ([]models.Message, error)
	// TruncateFrom keeps positions [0, index) and removes the rest. Readers
	// never observe a partially truncated list.
	TruncateFrom(ctx context.Context, userID, chatID string, index int) (kept, removed []models.Message, err error)

	// ListUntitledChats returns up to limit chats that have history but no
	// label.
	ListUntitledChats(ctx context.Context, limit int) ([]ChatRef, error)

	Close() error
}

// splitAt divides msgs at index, clamping index into range.
func splitAt(msgs []models.Message, index int) (kept, removed []models.Message) {
	if index < 0 {
		index = 0
	}
	if index > len(msgs) {
		index = len(msgs)
	}
	kept = append([]models.Message(nil), msgs[:index]...)
	removed = append([]models.Message(nil), msgs[index:]...)
	return kept, removed
}

// sliceRange resolves start/stop with list-range semantics against n items.
// ok is false when the range is empty.
func sliceRange(n int, start, stop int64) (from, to int, ok bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

// paginate bounds page and limit the way every listing does.
func paginate(page, limit, total int) (from, to int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		return 0, 0
	}
	from = (page - 1) * limit
	if from >= total {
		return total, total
	}
	to = from + limit
	if to > total {
		to = total
	}
	return from, to
}
