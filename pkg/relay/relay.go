// Package relay mirrors a chat's in-flight generation onto a Redis stream so
// any number of observers can follow it independently.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindChunk Kind = "chunk"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Entry is one element of a chat's relay log. ID is the stream id and grows
// monotonically within a log.
type Entry struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the entry ends a turn.
func (e Entry) Terminal() bool { return e.Kind == KindDone || e.Kind == KindError }

// StartID reads a log from its first entry.
const StartID = "0"

const retryDelay = 250 * time.Millisecond

func key(chatID string) string { return "relaychat:chat:" + chatID + ":relay" }

type Relay struct {
	rdb    redis.Cmdable
	block  time.Duration
	logger *slog.Logger
}

// New returns a relay whose subscribers block for up to block per poll
// before re-checking their context.
func New(rdb redis.Cmdable, block time.Duration) *Relay {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Relay{rdb: rdb, block: block, logger: utils.GetLogger()}
}

// Publish appends an entry and returns its id.
func (r *Relay) Publish(ctx context.Context, chatID string, e Entry) (string, error) {
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key(chatID),
		ID:     "*",
		Values: map[string]interface{}{
			"kind":    string(e.Kind),
			"text":    e.Text,
			"message": e.Message,
		},
	}).Result()
	if err != nil {
		return "", errors.Wrap(err, "publish relay entry")
	}
	return id, nil
}

// Reset drops the log so a new turn starts from an empty stream.
func (r *Relay) Reset(ctx context.Context, chatID string) error {
	if err := r.rdb.Del(ctx, key(chatID)).Err(); err != nil {
		return errors.Wrap(err, "reset relay")
	}
	return nil
}

// Retain lets a finished log live for retention so slow observers can
// still read its terminal entry.
func (r *Relay) Retain(ctx context.Context, chatID string, retention time.Duration) error {
	if err := r.rdb.Expire(ctx, key(chatID), retention).Err(); err != nil {
		return errors.Wrap(err, "expire relay")
	}
	return nil
}

// Tail returns the id of the last entry, or StartID for an empty log.
func (r *Relay) Tail(ctx context.Context, chatID string) (string, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, key(chatID), "+", "-", 1).Result()
	if err != nil {
		return "", errors.Wrap(err, "read relay tail")
	}
	if len(msgs) == 0 {
		return StartID, nil
	}
	return msgs[0].ID, nil
}

// Subscribe streams entries after fromID until ctx is done. Each subscriber
// keeps its own read position; cancelling one never affects the others.
func (r *Relay) Subscribe(ctx context.Context, chatID, fromID string) <-chan Entry {
	out := make(chan Entry, 64)
	if fromID == "" {
		fromID = StartID
	}
	go func() {
		defer close(out)
		last := fromID
		for ctx.Err() == nil {
			streams, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key(chatID), last},
				Count:   100,
				Block:   r.block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("Relay poll failed", "chatID", chatID, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
				continue
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					last = msg.ID
					select {
					case out <- decode(msg):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func decode(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	if v, ok := msg.Values["kind"].(string); ok {
		e.Kind = Kind(v)
	}
	if v, ok := msg.Values["text"].(string); ok {
		e.Text = v
	}
	if v, ok := msg.Values["message"].(string); ok {
		e.Message = v
	}
	return e
}
