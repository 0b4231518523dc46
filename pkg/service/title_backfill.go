package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/choraleia/relaychat/pkg/store"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const backfillBatch = 50

// TitleBackfill periodically labels chats whose title generation never
// finished.
type TitleBackfill struct {
	titles   *TitleService
	store    store.ConversationStore
	schedule string
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running sync.Mutex
}

func NewTitleBackfill(titles *TitleService, st store.ConversationStore, schedule string) *TitleBackfill {
	return &TitleBackfill{
		titles:   titles,
		store:    st,
		schedule: schedule,
		logger:   utils.GetLogger(),
	}
}

// RunOnce labels one batch of untitled chats and returns how many got a
// label. Chats that fail are logged and skipped.
func (b *TitleBackfill) RunOnce(ctx context.Context) (int, error) {
	if !b.running.TryLock() {
		b.logger.Debug("Title backfill already running, skipping")
		return 0, nil
	}
	defer b.running.Unlock()

	refs, err := b.store.ListUntitledChats(ctx, backfillBatch)
	if err != nil {
		return 0, errors.Wrap(err, "list untitled chats")
	}

	labelled := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return labelled, ctx.Err()
		}
		msgs, err := b.store.ListMessages(ctx, ref.UserID, ref.Chat.ID, 0, 1)
		if err != nil || len(msgs) == 0 {
			b.logger.Warn("Skipping chat in title backfill", "chatID", ref.Chat.ID, "error", err)
			continue
		}
		if !b.titles.claim(ctx, ref.Chat.ID) {
			b.logger.Debug("Title already in progress, skipping", "chatID", ref.Chat.ID)
			continue
		}
		if _, err := b.titles.Generate(ctx, ref.UserID, ref.Chat, msgs, ""); err != nil {
			b.logger.Warn("Backfill title generation failed", "chatID", ref.Chat.ID, "error", err)
			b.titles.unclaim(ctx, ref.Chat.ID)
			continue
		}
		labelled++
	}
	b.logger.Info("Title backfill finished", "candidates", len(refs), "labelled", labelled)
	return labelled, nil
}

// Start schedules RunOnce. An empty schedule disables the job.
func (b *TitleBackfill) Start(ctx context.Context) error {
	if b.schedule == "" {
		b.logger.Info("Title backfill disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(b.schedule, func() {
		if _, err := b.RunOnce(ctx); err != nil {
			b.logger.Error("Title backfill failed", "error", err)
		}
	}); err != nil {
		return errors.Wrapf(err, "invalid backfill schedule %q", b.schedule)
	}
	c.Start()

	b.mu.Lock()
	b.cron = c
	b.mu.Unlock()
	b.logger.Info("Title backfill scheduled", "schedule", b.schedule)
	return nil
}

// Stop halts the schedule and waits for a running batch.
func (b *TitleBackfill) Stop() {
	b.mu.Lock()
	c := b.cron
	b.cron = nil
	b.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
