package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/choraleia/relaychat/pkg/config"
	"github.com/choraleia/relaychat/pkg/event"
	"github.com/choraleia/relaychat/pkg/llm"
	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/store"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	titleMarker    = "<<<CONVERSATION>>>"
	maxTitleRunes  = 100
	titleMarkerTTL = 24 * time.Hour
	titleTimeout   = 2 * time.Minute
)

const titleInstruction = "Write a short title, at most six words, for the conversation between the " +
	titleMarker + " markers. Reply with the title only, without quotes or punctuation at the end. " +
	"Never repeat the marker itself."

func titleKey(chatID string) string { return "relaychat:chat:" + chatID + ":title" }

// TitleService labels new chats. Connected listeners get the title streamed
// to them; with nobody listening the title is generated in one call.
type TitleService struct {
	store        store.ConversationStore
	rdb          redis.Cmdable
	emitter      *event.Emitter
	modelService *ModelService
	provider     string
	model        string
	logger       *slog.Logger
}

func NewTitleService(st store.ConversationStore, rdb redis.Cmdable, emitter *event.Emitter, modelService *ModelService, cfg *config.AppConfig) *TitleService {
	return &TitleService{
		store:        st,
		rdb:          rdb,
		emitter:      emitter,
		modelService: modelService,
		provider:     cfg.Title.Provider,
		model:        cfg.Title.Model,
		logger:       utils.GetLogger(),
	}
}

// Trigger generates a title for a chat's first prompt. Only the first
// trigger per chat does any work.
func (t *TitleService) Trigger(ctx context.Context, userID string, chat *models.Chat, prompt models.Message, apiKey string) {
	if !t.claim(ctx, chat.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()
	if _, err := t.Generate(ctx, userID, chat, []models.Message{prompt}, apiKey); err != nil {
		t.logger.Warn("Title generation failed", "chatID", chat.ID, "userID", userID, "error", err)
		t.unclaim(ctx, chat.ID)
	}
}

// claim sets the chat's title marker. It is false when another generation
// already owns it or Redis is unreachable.
func (t *TitleService) claim(ctx context.Context, chatID string) bool {
	first, err := t.rdb.SetNX(ctx, titleKey(chatID), "1", titleMarkerTTL).Result()
	if err != nil {
		t.logger.Warn("Failed to set title marker", "chatID", chatID, "error", err)
		return false
	}
	return first
}

// unclaim lets a later trigger or the backfill try again.
func (t *TitleService) unclaim(ctx context.Context, chatID string) {
	if err := t.rdb.Del(context.WithoutCancel(ctx), titleKey(chatID)).Err(); err != nil {
		t.logger.Warn("Failed to clear title marker", "chatID", chatID, "error", err)
	}
}

// Generate produces a title from msgs and stores it unless the chat already
// has a label. It returns the label the chat ends up with.
func (t *TitleService) Generate(ctx context.Context, userID string, chat *models.Chat, msgs []models.Message, apiKey string) (string, error) {
	session, err := t.session(chat, apiKey)
	if err != nil {
		return "", err
	}
	request := models.NewTextMessage(models.RoleUser, titlePrompt(msgs))

	var raw string
	if t.emitter.TryEmit(event.TitleStartedEvent{UserID: userID, ChatID: chat.ID}) {
		raw, err = t.stream(ctx, session, userID, chat.ID, request)
	} else {
		raw, err = session.Generate(ctx, request)
	}
	if err != nil {
		return "", err
	}

	title, err := t.save(ctx, userID, chat.ID, CleanTitle(raw))
	if err != nil {
		return "", err
	}
	t.emitter.Emit(event.TitleFinalEvent{UserID: userID, ChatID: chat.ID, Title: title})
	t.logger.Info("Chat titled", "chatID", chat.ID, "userID", userID, "title", title)
	return title, nil
}

func (t *TitleService) session(chat *models.Chat, apiKey string) (*llm.Session, error) {
	modelID, provider := t.model, t.provider
	if modelID == "" || provider == "" {
		modelID, provider = chat.Model, chat.Provider
	}
	mc, p, err := t.modelService.Resolve(modelID, provider)
	if err != nil {
		return nil, err
	}
	cred, err := t.modelService.Credentials(p, apiKey)
	if err != nil {
		return nil, err
	}
	return llm.NewSession(llm.SessionConfig{Model: mc, Provider: p, Credentials: cred}), nil
}

func (t *TitleService) stream(ctx context.Context, session *llm.Session, userID, chatID string, request models.Message) (string, error) {
	st, err := session.SendStream(ctx, request)
	if err != nil {
		return "", err
	}
	defer st.Close()

	var acc strings.Builder
	for {
		delta, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return "", err
		}
		acc.WriteString(delta)
		t.emitter.Emit(event.TitleDeltaEvent{UserID: userID, ChatID: chatID, Title: strings.TrimSpace(acc.String())})
	}
}

// save writes title once. When another writer got there first the stored
// label is returned instead.
func (t *TitleService) save(ctx context.Context, userID, chatID, title string) (string, error) {
	wrote, err := t.store.SetLabelIfAbsent(ctx, userID, chatID, title)
	if err != nil {
		return "", storageError("set label", err)
	}
	if wrote {
		return title, nil
	}
	chat, err := t.store.GetChat(ctx, userID, chatID)
	if err != nil {
		return "", storageError("get chat", err)
	}
	t.logger.Debug("Discarding title, chat already labelled", "chatID", chatID)
	return chat.Label, nil
}

func titlePrompt(msgs []models.Message) string {
	var sb strings.Builder
	sb.WriteString(titleInstruction)
	sb.WriteString("\n\n")
	sb.WriteString(titleMarker)
	sb.WriteString("\n")
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			for _, a := range m.Attachments {
				text += "[attachment: " + a.Filename + "] "
			}
			text = strings.TrimSpace(text)
		}
		if text == "" {
			continue
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	sb.WriteString(titleMarker)
	return sb.String()
}

// CleanTitle normalizes model output into a label. Empty output becomes
// the default label.
func CleanTitle(raw string) string {
	s := strings.ReplaceAll(raw, titleMarker, "")
	s = strings.TrimSpace(s)
	if line, _, ok := strings.Cut(s, "\n"); ok {
		s = line
	}
	s = strings.Trim(strings.TrimSpace(s), "\"'`“”‘’")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxTitleRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxTitleRunes]))
	}
	if s == "" {
		return models.DefaultChatLabel
	}
	return s
}
