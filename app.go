package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/choraleia/relaychat/pkg/attachment"
	"github.com/choraleia/relaychat/pkg/config"
	"github.com/choraleia/relaychat/pkg/event"
	"github.com/choraleia/relaychat/pkg/lease"
	"github.com/choraleia/relaychat/pkg/relay"
	"github.com/choraleia/relaychat/pkg/service"
	"github.com/choraleia/relaychat/pkg/store"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// App holds every long-lived component of the process.
type App struct {
	cfg          *config.AppConfig
	rdb          *redis.Client
	store        store.ConversationStore
	emitter      *event.Emitter
	attachments  *attachment.Store
	modelService *service.ModelService
	chatService  *service.ChatService
	titleService *service.TitleService
	backfill     *service.TitleBackfill
	logger       *slog.Logger
}

func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	logger := utils.GetLogger()

	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisAddr(),
		Password:              cfg.Redis.Password,
		DB:                    cfg.Redis.DB,
		ContextTimeoutEnabled: true,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", cfg.RedisAddr())
	}

	var st store.ConversationStore
	switch backend := cfg.StoreBackend(); backend {
	case "redis":
		st = store.NewRedisStore(rdb)
	default:
		gs, err := store.OpenGormStore(backend, cfg.Store.DSN)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		st = gs
	}

	att, err := attachment.NewStore(cfg.AttachmentDir(), cfg.AttachmentMaxBytes())
	if err != nil {
		_ = st.Close()
		_ = rdb.Close()
		return nil, err
	}

	emitter := event.NewEmitter()
	modelService := service.NewModelService(cfg)
	chatService := service.NewChatService(st, lease.NewManager(rdb), relay.New(rdb, cfg.RelayBlock()), modelService, att, cfg)
	titleService := service.NewTitleService(st, rdb, emitter, modelService, cfg)
	chatService.SetTitleService(titleService)

	logger.Info("Components ready", "store", cfg.StoreBackend(), "redis", cfg.RedisAddr(), "models", len(modelService.List()))
	return &App{
		cfg:          cfg,
		rdb:          rdb,
		store:        st,
		emitter:      emitter,
		attachments:  att,
		modelService: modelService,
		chatService:  chatService,
		titleService: titleService,
		backfill:     service.NewTitleBackfill(titleService, st, cfg.BackfillSchedule()),
		logger:       logger,
	}, nil
}

// Drain waits up to timeout for in-flight turns to finish.
func (a *App) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		a.chatService.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("Shutting down with turns still in flight", "waited", timeout)
	}
}

func (a *App) Close() {
	a.backfill.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("Failed to close redis", "error", err)
	}
}
