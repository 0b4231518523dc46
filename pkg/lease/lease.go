// Package lease marks a chat as busy with a short-lived Redis key that only
// its holder can refresh or release.
package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Refresh and release compare the stored token first so a holder whose
// lease lapsed cannot touch its successor's.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Manager owns one kind of per-chat lease. Absence of the key means the
// chat is free; a holder that stops refreshing loses the lease after its TTL.
type Manager struct {
	rdb    redis.Cmdable
	name   string
	logger *slog.Logger
}

// NewManager returns the generation lease manager.
func NewManager(rdb redis.Cmdable) *Manager {
	return &Manager{rdb: rdb, name: "lease", logger: utils.GetLogger()}
}

// Named returns a manager for an independent lease on the same chats.
func (m *Manager) Named(name string) *Manager {
	return &Manager{rdb: m.rdb, name: name, logger: m.logger}
}

func (m *Manager) key(chatID string) string {
	return "relaychat:chat:" + chatID + ":" + m.name
}

// Acquire creates the lease if none is live and returns the holder token.
// ok is false when someone else holds it.
func (m *Manager) Acquire(ctx context.Context, chatID string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = m.rdb.SetNX(ctx, m.key(chatID), token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "acquire %s", m.name)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Refresh extends the TTL if token still holds the lease. It reports
// whether it did; Redis failures are logged and count as not held.
func (m *Manager) Refresh(ctx context.Context, chatID, token string, ttl time.Duration) bool {
	n, err := refreshScript.Run(ctx, m.rdb, []string{m.key(chatID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		m.logger.Warn("Failed to refresh lease", "lease", m.name, "chatID", chatID, "error", err)
		return false
	}
	if n == 0 {
		m.logger.Warn("Lease lost before refresh", "lease", m.name, "chatID", chatID)
	}
	return n == 1
}

// Release deletes the lease if token still holds it. Failures are logged;
// the TTL reclaims it anyway.
func (m *Manager) Release(ctx context.Context, chatID, token string) {
	if err := releaseScript.Run(ctx, m.rdb, []string{m.key(chatID)}, token).Err(); err != nil {
		m.logger.Warn("Failed to release lease", "lease", m.name, "chatID", chatID, "error", err)
	}
}

// Active reports whether a live lease exists for the chat.
func (m *Manager) Active(ctx context.Context, chatID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.key(chatID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check %s", m.name)
	}
	return n > 0, nil
}
