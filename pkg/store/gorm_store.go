package store

import (
	"context"
	"fmt"
	"time"

	"github.com/choraleia/relaychat/pkg/db"
	"github.com/choraleia/relaychat/pkg/models"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore keeps chats in a SQL database through gorm. It serves the
// sqlite and postgres backends.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore opens the database for backend ("sqlite" or "postgres") and
// migrates the schema.
func OpenGormStore(backend, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch backend {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", backend)
	}
	return NewGormStore(gdb)
}

// NewGormStore wraps an open connection and migrates the schema.
func NewGormStore(gdb *gorm.DB) (*GormStore, error) {
	if err := gdb.AutoMigrate(&db.Conversation{}, &db.Message{}); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &GormStore{db: gdb}, nil
}

func (s *GormStore) CreateChat(ctx context.Context, userID string, chat *models.Chat) error {
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&db.Conversation{}).Where("id = ?", chat.ID).Count(&count).Error; err != nil {
		return errors.Wrap(err, "check chat")
	}
	if count > 0 {
		return ErrDuplicateChat
	}
	row := &db.Conversation{
		ID:        chat.ID,
		UserID:    userID,
		Model:     chat.Model,
		Provider:  chat.Provider,
		Label:     chat.Label,
		Pinned:    chat.Pinned,
		CreatedAt: chat.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "create chat")
	}
	return nil
}

func (s *GormStore) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	row, err := s.findChat(s.db.WithContext(ctx), userID, chatID)
	if err != nil {
		return nil, err
	}
	return toChat(row), nil
}

func (s *GormStore) UpdateChat(ctx context.Context, userID, chatID string, update models.ChatUpdate) (*models.Chat, error) {
	var out *models.Chat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.findChat(tx, userID, chatID)
		if err != nil {
			return err
		}
		changes := map[string]interface{}{}
		if update.Label != nil {
			changes["label"] = *update.Label
			row.Label = *update.Label
		}
		if update.Pinned != nil {
			changes["pinned"] = *update.Pinned
			row.Pinned = *update.Pinned
		}
		if len(changes) > 0 {
			if err := tx.Model(&db.Conversation{}).Where("id = ? AND user_id = ?", chatID, userID).Updates(changes).Error; err != nil {
				return errors.Wrap(err, "update chat")
			}
		}
		out = toChat(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) SetLabelIfAbsent(ctx context.Context, userID, chatID, label string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ? AND user_id = ? AND label = ?", chatID, userID, "").
		Update("label", label)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "write chat label")
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.findChat(s.db.WithContext(ctx), userID, chatID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *GormStore) ListChats(ctx context.Context, userID string, page, limit int) ([]*models.Chat, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		return []*models.Chat{}, nil
	}
	var rows []db.Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("pinned DESC").Order("created_at DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list chats")
	}
	chats := make([]*models.Chat, 0, len(rows))
	for i := range rows {
		chats = append(chats, toChat(&rows[i]))
	}
	return chats, nil
}

func (s *GormStore) DeleteChat(ctx context.Context, userID, chatID string) ([]models.Message, error) {
	var removed []models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findChat(tx, userID, chatID); err != nil {
			return err
		}
		rows, err := s.loadMessages(tx, chatID)
		if err != nil {
			return err
		}
		removed = toMessages(rows)
		if err := tx.Where("conversation_id = ?", chatID).Delete(&db.Message{}).Error; err != nil {
			return errors.Wrap(err, "delete messages")
		}
		if err := tx.Where("id = ? AND user_id = ?", chatID, userID).Delete(&db.Conversation{}).Error; err != nil {
			return errors.Wrap(err, "delete chat")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, userID, chatID string, msg models.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findChat(tx, userID, chatID); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&db.Message{}).Where("conversation_id = ?", chatID).Count(&count).Error; err != nil {
			return errors.Wrap(err, "count messages")
		}
		if err := tx.Create(db.FromModel(chatID, int(count), msg)).Error; err != nil {
			return errors.Wrap(err, "append message")
		}
		return nil
	})
}

func (s *GormStore) ListMessages(ctx context.Context, userID, chatID string, start, stop int64) ([]models.Message, error) {
	tx := s.db.WithContext(ctx)
	if _, err := s.findChat(tx, userID, chatID); err != nil {
		return nil, err
	}
	rows, err := s.loadMessages(tx, chatID)
	if err != nil {
		return nil, err
	}
	from, to, ok := sliceRange(len(rows), start, stop)
	if !ok {
		return []models.Message{}, nil
	}
	return toMessages(rows[from:to]), nil
}

func (s *GormStore) TruncateFrom(ctx context.Context, userID, chatID string, index int) ([]models.Message, []models.Message, error) {
	if index < 0 {
		return nil, nil, ErrInvalidIndex
	}
	var kept, removed []models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findChat(tx, userID, chatID); err != nil {
			return err
		}
		rows, err := s.loadMessages(tx, chatID)
		if err != nil {
			return err
		}
		kept, removed = splitAt(toMessages(rows), index)
		if len(removed) == 0 {
			return nil
		}
		if err := tx.Where("conversation_id = ? AND seq >= ?", chatID, index).Delete(&db.Message{}).Error; err != nil {
			return errors.Wrap(err, "truncate messages")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return kept, removed, nil
}

func (s *GormStore) ListUntitledChats(ctx context.Context, limit int) ([]ChatRef, error) {
	q := s.db.WithContext(ctx).
		Where("label = ?", "").
		Where("EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = conversations.id)").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []db.Conversation
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list untitled chats")
	}
	refs := make([]ChatRef, 0, len(rows))
	for i := range rows {
		refs = append(refs, ChatRef{UserID: rows[i].UserID, Chat: toChat(&rows[i])})
	}
	return refs, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) findChat(tx *gorm.DB, userID, chatID string) (*db.Conversation, error) {
	var rows []db.Conversation
	// Find with Limit avoids gorm's record-not-found log noise.
	if err := tx.Where("id = ? AND user_id = ?", chatID, userID).Limit(1).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "read chat")
	}
	if len(rows) == 0 {
		return nil, ErrChatNotFound
	}
	return &rows[0], nil
}

func (s *GormStore) loadMessages(tx *gorm.DB, chatID string) ([]db.Message, error) {
	var rows []db.Message
	if err := tx.Where("conversation_id = ?", chatID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "read messages")
	}
	return rows, nil
}

func toChat(row *db.Conversation) *models.Chat {
	return &models.Chat{
		ID:        row.ID,
		Model:     row.Model,
		Provider:  row.Provider,
		Label:     row.Label,
		Pinned:    row.Pinned,
		CreatedAt: row.CreatedAt,
	}
}

func toMessages(rows []db.Message) []models.Message {
	msgs := make([]models.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].ToModel())
	}
	return msgs
}
