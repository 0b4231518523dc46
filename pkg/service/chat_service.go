// Chat Service - coordinates chat turns between the store, the model
// session, the generation lease and the relay.
package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/choraleia/relaychat/pkg/attachment"
	"github.com/choraleia/relaychat/pkg/config"
	"github.com/choraleia/relaychat/pkg/lease"
	"github.com/choraleia/relaychat/pkg/llm"
	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/relay"
	"github.com/choraleia/relaychat/pkg/store"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 50
)

// TurnRequest submits one prompt. Model and Provider override the chat's
// stored pair for this turn only. APIKey is an optional caller credential.
type TurnRequest struct {
	UserID      string
	ChatID      string
	Text        string
	Attachments []models.Attachment
	Model       string
	Provider    string
	APIKey      string
}

// RegenerateRequest replays the user message at position Index-1.
type RegenerateRequest struct {
	UserID   string
	ChatID   string
	Index    int
	Model    string
	Provider string
	APIKey   string
}

// ChatService handles chat turns and chat metadata.
type ChatService struct {
	store        store.ConversationStore
	leases       *lease.Manager
	edits        *lease.Manager
	relay        *relay.Relay
	modelService *ModelService
	attachments  *attachment.Store
	titleService *TitleService
	logger       *slog.Logger

	leaseTTL    time.Duration
	retention   time.Duration
	maxDuration time.Duration

	// In-flight turn and title goroutines
	wg sync.WaitGroup
}

func NewChatService(
	st store.ConversationStore,
	leases *lease.Manager,
	rl *relay.Relay,
	modelService *ModelService,
	attachments *attachment.Store,
	cfg *config.AppConfig,
) *ChatService {
	return &ChatService{
		store:        st,
		leases:       leases,
		edits:        leases.Named("edit"),
		relay:        rl,
		modelService: modelService,
		attachments:  attachments,
		logger:       utils.GetLogger(),
		leaseTTL:     cfg.LeaseTTL(),
		retention:    cfg.RelayRetention(),
		maxDuration:  cfg.MaxDuration(),
	}
}

// SetTitleService enables title generation for new chats.
func (s *ChatService) SetTitleService(titleService *TitleService) {
	s.titleService = titleService
}

// Wait blocks until every in-flight turn and title task has finished.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

// ============================================================
// Chat metadata
// ============================================================

func (s *ChatService) CreateChat(ctx context.Context, userID, modelID, provider string) (*models.Chat, error) {
	if _, _, err := s.modelService.Resolve(modelID, provider); err != nil {
		return nil, err
	}
	chat := &models.Chat{
		ID:        uuid.New().String(),
		Model:     modelID,
		Provider:  provider,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateChat(ctx, userID, chat); err != nil {
		return nil, storageError("create chat", err)
	}
	s.logger.Info("Chat created", "chatID", chat.ID, "userID", userID, "model", modelID, "provider", provider)
	return chat, nil
}

func (s *ChatService) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, err := s.store.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, storageError("get chat", err)
	}
	return chat, nil
}

// ListChats returns one page of chats, pinned first. page starts at 1.
func (s *ChatService) ListChats(ctx context.Context, userID string, page, limit int) (*models.ChatListResponse, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	chats, err := s.store.ListChats(ctx, userID, page, limit)
	if err != nil {
		return nil, storageError("list chats", err)
	}
	if chats == nil {
		chats = []*models.Chat{}
	}
	return &models.ChatListResponse{Chats: chats, Page: page, Limit: limit}, nil
}

func (s *ChatService) UpdateChat(ctx context.Context, userID, chatID string, update models.ChatUpdate) (*models.Chat, error) {
	if update.Label != nil {
		label := strings.TrimSpace(*update.Label)
		if label == "" {
			return nil, ErrEmptyLabel
		}
		update.Label = &label
	}
	chat, err := s.store.UpdateChat(ctx, userID, chatID, update)
	if err != nil {
		return nil, storageError("update chat", err)
	}
	return chat, nil
}

// DeleteChat removes a chat that is not generating and releases the
// storage of every attachment it referenced.
func (s *ChatService) DeleteChat(ctx context.Context, userID, chatID string) error {
	if _, err := s.GetChat(ctx, userID, chatID); err != nil {
		return err
	}
	unlock, err := s.lockIdle(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	removed, err := s.store.DeleteChat(ctx, userID, chatID)
	if err != nil {
		return storageError("delete chat", err)
	}
	s.releaseAttachments(ctx, removed, nil)
	s.logger.Info("Chat deleted", "chatID", chatID, "userID", userID, "messages", len(removed))
	return nil
}

// Messages returns the whole history of a chat.
func (s *ChatService) Messages(ctx context.Context, userID, chatID string) ([]models.Message, error) {
	if _, err := s.GetChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, userID, chatID, 0, -1)
	if err != nil {
		return nil, storageError("list messages", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// ============================================================
// Turns
// ============================================================

// turn is a validated request. Between begin and start it holds both the
// generation lease and the history lock; once streaming only the lease.
type turn struct {
	userID   string
	chat     *models.Chat
	model    models.ModelConfig
	provider llm.Provider
	cred     llm.Credentials
	apiKey   string
	history  []models.Message
	prompt   models.Message
	inline   []models.Part

	token  string
	unlock func()
}

// Submit records the prompt and starts a turn. The returned channel carries
// the turn's chunks followed by exactly one done or error entry, unless ctx
// ends first; generation itself outlives ctx.
func (s *ChatService) Submit(ctx context.Context, req TurnRequest) (<-chan relay.Entry, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyPrompt
	}
	t, err := s.prepare(ctx, req.UserID, req.ChatID, req.Model, req.Provider, req.APIKey)
	if err != nil {
		return nil, err
	}
	if err := s.begin(ctx, t); err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, req.UserID, req.ChatID, 0, -1)
	if err != nil {
		return nil, s.abort(ctx, t, storageError("load history", err))
	}
	inline, err := s.attachments.Resolve(ctx, req.Attachments)
	if err != nil {
		return nil, s.abort(ctx, t, errors.Wrapf(ErrAttachmentUnavailable, "%v", err))
	}
	t.history = history
	t.inline = inline
	t.prompt = models.Message{
		Role:        models.RoleUser,
		Attachments: req.Attachments,
		CreatedAt:   time.Now(),
	}
	if req.Text != "" {
		t.prompt.Parts = []models.Part{{Text: req.Text}}
	}
	return s.start(ctx, t)
}

// Regenerate drops the message at Index-1 and everything after it, then
// replays that user message as a fresh turn. Nothing is dropped unless the
// replayed message's attachments can still be read.
func (s *ChatService) Regenerate(ctx context.Context, req RegenerateRequest) (<-chan relay.Entry, error) {
	if req.Index < 1 {
		return nil, ErrInvalidIndex
	}
	t, err := s.prepare(ctx, req.UserID, req.ChatID, req.Model, req.Provider, req.APIKey)
	if err != nil {
		return nil, err
	}
	// Reject obviously bad indexes before the relay is touched.
	msgs, err := s.store.ListMessages(ctx, req.UserID, req.ChatID, 0, -1)
	if err != nil {
		return nil, storageError("load history", err)
	}
	if !replayable(msgs, req.Index) {
		return nil, ErrInvalidIndex
	}
	if err := s.begin(ctx, t); err != nil {
		return nil, err
	}

	if msgs, err = s.store.ListMessages(ctx, req.UserID, req.ChatID, 0, -1); err != nil {
		return nil, s.abort(ctx, t, storageError("load history", err))
	}
	if !replayable(msgs, req.Index) {
		return nil, s.abort(ctx, t, ErrInvalidIndex)
	}
	replayed := msgs[req.Index-1].Durable()
	inline, err := s.attachments.Resolve(ctx, replayed.Attachments)
	if err != nil {
		return nil, s.abort(ctx, t, errors.Wrapf(ErrAttachmentUnavailable, "%v", err))
	}

	kept, removed, err := s.store.TruncateFrom(ctx, req.UserID, req.ChatID, req.Index-1)
	if err != nil {
		return nil, s.abort(ctx, t, storageError("truncate history", err))
	}
	if len(removed) > 1 {
		s.releaseAttachments(ctx, removed[1:], replayed.Attachments)
	}

	t.history = kept
	t.inline = inline
	t.prompt = models.Message{
		Role:        models.RoleUser,
		Parts:       replayed.Parts,
		Attachments: replayed.Attachments,
		CreatedAt:   time.Now(),
	}
	s.logger.Info("Regenerating turn", "chatID", req.ChatID, "index", req.Index, "dropped", len(removed))
	return s.start(ctx, t)
}

func replayable(msgs []models.Message, index int) bool {
	return index >= 1 && index <= len(msgs) && msgs[index-1].Role == models.RoleUser
}

// DeleteFrom truncates the history at index and returns what is left.
func (s *ChatService) DeleteFrom(ctx context.Context, userID, chatID string, index int) ([]models.Message, error) {
	if index < 0 {
		return nil, ErrInvalidIndex
	}
	if _, err := s.GetChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	unlock, err := s.lockIdle(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	kept, removed, err := s.store.TruncateFrom(ctx, userID, chatID, index)
	if err != nil {
		return nil, storageError("truncate history", err)
	}
	s.releaseAttachments(ctx, removed, nil)
	if kept == nil {
		kept = []models.Message{}
	}
	return kept, nil
}

// IsGenerating reports whether a turn currently holds the chat's lease.
func (s *ChatService) IsGenerating(ctx context.Context, userID, chatID string) (bool, error) {
	if _, err := s.GetChat(ctx, userID, chatID); err != nil {
		return false, err
	}
	active, err := s.leases.Active(ctx, chatID)
	if err != nil {
		return false, storageError("check lease", err)
	}
	return active, nil
}

// Observe follows a chat's relay. A turn in progress is replayed from its
// first chunk; otherwise the next turn is awaited. The channel closes when
// ctx ends.
func (s *ChatService) Observe(ctx context.Context, userID, chatID string) (<-chan relay.Entry, error) {
	generating, err := s.IsGenerating(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	from := relay.StartID
	if !generating {
		if from, err = s.relay.Tail(ctx, chatID); err != nil {
			return nil, storageError("read relay tail", err)
		}
	}
	return s.relay.Subscribe(ctx, chatID, from), nil
}

// prepare validates the chat and resolves model, provider and credential
// without mutating anything.
func (s *ChatService) prepare(ctx context.Context, userID, chatID, modelID, provider, apiKey string) (*turn, error) {
	chat, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if modelID == "" {
		modelID = chat.Model
	}
	if provider == "" {
		provider = chat.Provider
	}
	mc, p, err := s.modelService.Resolve(modelID, provider)
	if err != nil {
		return nil, err
	}
	cred, err := s.modelService.Credentials(p, apiKey)
	if err != nil {
		return nil, err
	}
	return &turn{userID: userID, chat: chat, model: mc, provider: p, cred: cred, apiKey: apiKey}, nil
}

// lockHistory takes the chat's history lock. It fails with
// ErrAlreadyGenerating while a turn is being set up or another edit runs.
func (s *ChatService) lockHistory(ctx context.Context, chatID string) (func(), error) {
	token, ok, err := s.edits.Acquire(ctx, chatID, s.leaseTTL)
	if err != nil {
		return nil, storageError("lock history", err)
	}
	if !ok {
		return nil, ErrAlreadyGenerating
	}
	return func() { s.edits.Release(context.WithoutCancel(ctx), chatID, token) }, nil
}

// lockIdle takes the history lock of a chat with no turn in progress.
func (s *ChatService) lockIdle(ctx context.Context, chatID string) (func(), error) {
	unlock, err := s.lockHistory(ctx, chatID)
	if err != nil {
		return nil, err
	}
	active, err := s.leases.Active(ctx, chatID)
	if err != nil {
		unlock()
		return nil, storageError("check lease", err)
	}
	if active {
		unlock()
		return nil, ErrAlreadyGenerating
	}
	return unlock, nil
}

// begin takes the generation lease and the history lock, then clears the
// relay so observers arriving from now on see only this turn.
func (s *ChatService) begin(ctx context.Context, t *turn) error {
	chatID := t.chat.ID
	token, ok, err := s.leases.Acquire(ctx, chatID, s.leaseTTL)
	if err != nil {
		return storageError("acquire lease", err)
	}
	if !ok {
		return ErrAlreadyGenerating
	}
	unlock, err := s.lockHistory(ctx, chatID)
	if err != nil {
		s.leases.Release(context.WithoutCancel(ctx), chatID, token)
		return err
	}
	t.token, t.unlock = token, unlock

	if err := s.relay.Reset(context.WithoutCancel(ctx), chatID); err != nil {
		s.logger.Warn("Failed to reset relay", "chatID", chatID, "error", err)
	}
	return nil
}

// abort ends a turn that failed during setup. Observers that already joined
// get an error entry. It returns err.
func (s *ChatService) abort(ctx context.Context, t *turn, err error) error {
	bg := context.WithoutCancel(ctx)
	chatID := t.chat.ID
	if _, perr := s.relay.Publish(bg, chatID, relay.Entry{Kind: relay.KindError, Message: simplifyErrorMessage(err.Error())}); perr != nil {
		s.logger.Warn("Failed to publish relay entry", "chatID", chatID, "kind", relay.KindError, "error", perr)
	}
	if rerr := s.relay.Retain(bg, chatID, s.retention); rerr != nil {
		s.logger.Warn("Failed to schedule relay expiry", "chatID", chatID, "error", rerr)
	}
	t.unlock()
	s.leases.Release(bg, chatID, t.token)
	return err
}

// start records the prompt and launches generation. The history lock is
// released once the prompt is stored.
func (s *ChatService) start(ctx context.Context, t *turn) (<-chan relay.Entry, error) {
	bg := context.WithoutCancel(ctx)
	chatID := t.chat.ID

	if err := s.store.AppendMessage(ctx, t.userID, chatID, t.prompt); err != nil {
		return nil, s.abort(ctx, t, storageError("append user message", err))
	}
	t.unlock()
	s.logger.Debug("User message recorded", "chatID", chatID, "userID", t.userID, "attachments", len(t.prompt.Attachments))

	if t.chat.Label == "" && s.titleService != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.titleService.Trigger(bg, t.userID, t.chat, t.prompt, t.apiKey)
		}()
	}

	runtime := t.prompt
	runtime.Parts = append(append([]models.Part(nil), t.prompt.Parts...), t.inline...)
	session := llm.NewSession(llm.SessionConfig{
		Model:        t.model,
		Provider:     t.provider,
		Credentials:  t.cred,
		SystemPrompt: s.modelService.SystemPrompt(),
		History:      t.history,
	})

	out := make(chan relay.Entry, 64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, t, session, runtime, out)
	}()
	return out, nil
}

// run streams one turn. reqCtx only bounds forwarding to the submitter;
// generation runs on a detached context capped at maxDuration.
func (s *ChatService) run(reqCtx context.Context, t *turn, session *llm.Session, prompt models.Message, out chan<- relay.Entry) {
	defer close(out)

	bg := context.WithoutCancel(reqCtx)
	genCtx, cancel := context.WithTimeout(bg, s.maxDuration)
	defer cancel()

	chatID := t.chat.ID
	logger := s.logger.With("chatID", chatID, "userID", t.userID)

	// Lease refreshes are coalesced so a slow Redis never stalls the stream.
	refresh := make(chan struct{}, 1)
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		for range refresh {
			s.leases.Refresh(bg, chatID, t.token, s.leaseTTL)
		}
	}()
	stopRefresh := func() {
		close(refresh)
		<-refreshDone
	}

	detached := false
	forward := func(e relay.Entry) {
		if detached {
			return
		}
		select {
		case out <- e:
		case <-reqCtx.Done():
			detached = true
			logger.Info("Submitter disconnected, generation continues on relay")
		}
	}
	publish := func(e relay.Entry) relay.Entry {
		id, err := s.relay.Publish(bg, chatID, e)
		if err != nil {
			logger.Warn("Failed to publish relay entry", "kind", e.Kind, "error", err)
			return e
		}
		e.ID = id
		return e
	}
	finish := func(e relay.Entry) {
		e = publish(e)
		if err := s.relay.Retain(bg, chatID, s.retention); err != nil {
			logger.Warn("Failed to schedule relay expiry", "error", err)
		}
		stopRefresh()
		s.leases.Release(bg, chatID, t.token)
		forward(e)
	}
	fail := func(err error) {
		logger.Error("Turn failed", "error", err)
		finish(relay.Entry{Kind: relay.KindError, Message: formatProviderError(err)})
	}

	stream, err := session.SendStream(genCtx, prompt)
	if err != nil {
		fail(err)
		return
	}

	var acc strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stream.Close()
			fail(err)
			return
		}
		acc.WriteString(delta)
		select {
		case refresh <- struct{}{}:
		default:
		}
		forward(publish(relay.Entry{Kind: relay.KindChunk, Text: delta}))
	}
	stream.Close()

	reply := models.NewTextMessage(models.RoleModel, acc.String())
	if err := s.store.AppendMessage(bg, t.userID, chatID, reply); err != nil {
		logger.Error("Failed to persist model reply, history is missing this turn", "error", err)
	}
	logger.Info("Turn completed", "chars", acc.Len())
	finish(relay.Entry{Kind: relay.KindDone})
}

// releaseAttachments frees storage for msgs, keeping anything in keep.
func (s *ChatService) releaseAttachments(ctx context.Context, msgs []models.Message, keep []models.Attachment) {
	kept := make(map[string]struct{}, len(keep))
	for _, a := range keep {
		kept[a.URL] = struct{}{}
	}
	var drop []models.Attachment
	for _, m := range msgs {
		for _, a := range m.Attachments {
			if _, ok := kept[a.URL]; !ok {
				drop = append(drop, a)
			}
		}
	}
	if len(drop) > 0 {
		s.attachments.Release(ctx, drop)
	}
}
