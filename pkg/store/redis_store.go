package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relaychat:user:"

// Key layout:
//
//	relaychat:user:{uid}:chats                 zset chatID -> createdAt (unix ms)
//	relaychat:user:{uid}:chat:{cid}            hash of chat metadata
//	relaychat:user:{uid}:chat:{cid}:messages   list of JSON messages
func chatsKey(userID string) string { return keyPrefix + userID + ":chats" }

func chatKey(userID, chatID string) string { return keyPrefix + userID + ":chat:" + chatID }

func messagesKey(userID, chatID string) string { return chatKey(userID, chatID) + ":messages" }

const (
	fieldID        = "id"
	fieldModel     = "model"
	fieldProvider  = "provider"
	fieldLabel     = "label"
	fieldPinned    = "pinned"
	fieldCreatedAt = "created_at"
)

// RedisStore keeps chats in Redis. The chronological index and the metadata
// hash are separate keys so listing by recency never scans metadata, and the
// message list is its own key so appends and truncation leave the indexes
// alone.
type RedisStore struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb, logger: utils.GetLogger()}
}

func (s *RedisStore) CreateChat(ctx context.Context, userID string, chat *models.Chat) error {
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	added, err := s.rdb.ZAddNX(ctx, chatsKey(userID), redis.Z{
		Score:  float64(chat.CreatedAt.UnixMilli()),
		Member: chat.ID,
	}).Result()
	if err != nil {
		return errors.Wrap(err, "index chat")
	}
	if added == 0 {
		return ErrDuplicateChat
	}

	fields := map[string]interface{}{
		fieldID:        chat.ID,
		fieldModel:     chat.Model,
		fieldProvider:  chat.Provider,
		fieldPinned:    boolField(chat.Pinned),
		fieldCreatedAt: strconv.FormatInt(chat.CreatedAt.UnixMilli(), 10),
	}
	if chat.Label != "" {
		fields[fieldLabel] = chat.Label
	}
	if err := s.rdb.HSet(ctx, chatKey(userID, chat.ID), fields).Err(); err != nil {
		if rerr := s.rdb.ZRem(ctx, chatsKey(userID), chat.ID).Err(); rerr != nil {
			s.logger.Warn("Failed to roll back chat index", "chatID", chat.ID, "error", rerr)
		}
		return errors.Wrap(err, "write chat metadata")
	}
	return nil
}

func (s *RedisStore) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	fields, err := s.rdb.HGetAll(ctx, chatKey(userID, chatID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read chat metadata")
	}
	if len(fields) == 0 {
		return nil, ErrChatNotFound
	}
	return parseChat(chatID, fields), nil
}

func (s *RedisStore) UpdateChat(ctx context.Context, userID, chatID string, update models.ChatUpdate) (*models.Chat, error) {
	chat, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	key := chatKey(userID, chatID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if update.Label != nil {
			if *update.Label == "" {
				pipe.HDel(ctx, key, fieldLabel)
			} else {
				pipe.HSet(ctx, key, fieldLabel, *update.Label)
			}
			chat.Label = *update.Label
		}
		if update.Pinned != nil {
			pipe.HSet(ctx, key, fieldPinned, boolField(*update.Pinned))
			chat.Pinned = *update.Pinned
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "update chat metadata")
	}
	return chat, nil
}

func (s *RedisStore) SetLabelIfAbsent(ctx context.Context, userID, chatID, label string) (bool, error) {
	if err := s.requireChat(ctx, userID, chatID); err != nil {
		return false, err
	}
	ok, err := s.rdb.HSetNX(ctx, chatKey(userID, chatID), fieldLabel, label).Result()
	if err != nil {
		return false, errors.Wrap(err, "write chat label")
	}
	return ok, nil
}

func (s *RedisStore) ListChats(ctx context.Context, userID string, page, limit int) ([]*models.Chat, error) {
	ids, err := s.rdb.ZRevRange(ctx, chatsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read chat index")
	}
	if len(ids) == 0 {
		return []*models.Chat{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, chatKey(userID, id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read chat metadata")
	}

	chats := make([]*models.Chat, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Index entry without metadata; a delete is in flight.
			continue
		}
		chats = append(chats, parseChat(ids[i], fields))
	}
	// Index order is already newest first; only hoist pinned chats.
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].Pinned && !chats[j].Pinned
	})

	from, to := paginate(page, limit, len(chats))
	return chats[from:to], nil
}

func (s *RedisStore) DeleteChat(ctx context.Context, userID, chatID string) ([]models.Message, error) {
	if err := s.requireChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	removed, err := s.readMessages(ctx, userID, chatID, 0, -1)
	if err != nil {
		return nil, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, chatsKey(userID), chatID)
		pipe.Del(ctx, chatKey(userID, chatID), messagesKey(userID, chatID))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "delete chat")
	}
	return removed, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, userID, chatID string, msg models.Message) error {
	if err := s.requireChat(ctx, userID, chatID); err != nil {
		return err
	}
	b, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, messagesKey(userID, chatID), b).Err(); err != nil {
		return errors.Wrap(err, "append message")
	}
	return nil
}

func (s *RedisStore) ListMessages(ctx context.Context, userID, chatID string, start, stop int64) ([]models.Message, error) {
	if err := s.requireChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.readMessages(ctx, userID, chatID, start, stop)
}

func (s *RedisStore) TruncateFrom(ctx context.Context, userID, chatID string, index int) ([]models.Message, []models.Message, error) {
	if index < 0 {
		return nil, nil, ErrInvalidIndex
	}
	if err := s.requireChat(ctx, userID, chatID); err != nil {
		return nil, nil, err
	}
	all, err := s.readMessages(ctx, userID, chatID, 0, -1)
	if err != nil {
		return nil, nil, err
	}
	kept, removed := splitAt(all, index)
	if len(removed) == 0 {
		return kept, removed, nil
	}

	values := make([]interface{}, 0, len(kept))
	for _, m := range kept {
		b, err := encodeMessage(m)
		if err != nil {
			return nil, nil, err
		}
		values = append(values, b)
	}

	key := messagesKey(userID, chatID)
	// Delete and re-append run in one MULTI/EXEC so no reader sees the
	// empty list in between.
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "truncate messages")
	}
	return kept, removed, nil
}

func (s *RedisStore) ListUntitledChats(ctx context.Context, limit int) ([]ChatRef, error) {
	var refs []ChatRef
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*:chats", 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan chat indexes")
		}
		for _, key := range keys {
			userID := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ":chats")
			ids, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
			if err != nil {
				return nil, errors.Wrap(err, "read chat index")
			}
			for _, id := range ids {
				chat, err := s.GetChat(ctx, userID, id)
				if err != nil {
					if errors.Is(err, ErrChatNotFound) {
						continue
					}
					return nil, err
				}
				if chat.Label != "" {
					continue
				}
				n, err := s.rdb.LLen(ctx, messagesKey(userID, id)).Result()
				if err != nil {
					return nil, errors.Wrap(err, "count messages")
				}
				if n == 0 {
					continue
				}
				refs = append(refs, ChatRef{UserID: userID, Chat: chat})
				if limit > 0 && len(refs) >= limit {
					return refs, nil
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return refs, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) requireChat(ctx context.Context, userID, chatID string) error {
	n, err := s.rdb.Exists(ctx, chatKey(userID, chatID)).Result()
	if err != nil {
		return errors.Wrap(err, "check chat")
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *RedisStore) readMessages(ctx context.Context, userID, chatID string, start, stop int64) ([]models.Message, error) {
	raw, err := s.rdb.LRange(ctx, messagesKey(userID, chatID), start, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read messages")
	}
	msgs := make([]models.Message, 0, len(raw))
	for i, r := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, errors.Wrapf(err, "decode message %d", i)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func encodeMessage(m models.Message) (string, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	b, err := json.Marshal(m.Durable())
	if err != nil {
		return "", errors.Wrap(err, "encode message")
	}
	return string(b), nil
}

func parseChat(chatID string, fields map[string]string) *models.Chat {
	chat := &models.Chat{
		ID:       chatID,
		Model:    fields[fieldModel],
		Provider: fields[fieldProvider],
		Label:    fields[fieldLabel],
		Pinned:   fields[fieldPinned] == "1",
	}
	if ms, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64); err == nil {
		chat.CreatedAt = time.UnixMilli(ms)
	}
	return chat
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
