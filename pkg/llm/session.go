// Package llm adapts a provider and model pairing into a chat session that
// streams text deltas.
package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/cloudwego/eino/schema"
)

var (
	ErrConfiguration       = errors.New("provider credential is not configured")
	ErrEmptyMessage        = errors.New("message has no text or attachment content")
	ErrUnsupportedProvider = errors.New("unsupported model provider")
)

// SessionConfig describes one provider and model pairing.
type SessionConfig struct {
	Model        models.ModelConfig
	Provider     Provider
	Credentials  Credentials
	SystemPrompt string
	History      []models.Message
}

// Session holds a private copy of the conversation history. It is not safe
// to run two sends on one session at once.
type Session struct {
	cfg     SessionConfig
	mu      sync.Mutex
	history []models.Message
	logger  *slog.Logger
}

func NewSession(cfg SessionConfig) *Session {
	cfg.Model.Normalize()
	return &Session{
		cfg:     cfg,
		history: append([]models.Message(nil), cfg.History...),
		logger:  utils.GetLogger(),
	}
}

// History returns a snapshot of the session's history.
func (s *Session) History() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.history...)
}

// SendStream sends exactly one user message and returns a stream of text
// deltas. When the stream is read to io.EOF the prompt and the assembled
// reply are appended to the session history.
func (s *Session) SendStream(ctx context.Context, msg models.Message) (*Stream, error) {
	if err := s.check(msg); err != nil {
		return nil, err
	}
	chatModel, err := s.cfg.Provider.NewChatModel(ctx, s.cfg.Model.ID, s.cfg.Credentials)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	reader, err := chatModel.Stream(streamCtx, s.buildInput(msg))
	if err != nil {
		cancel()
		return nil, err
	}
	return &Stream{session: s, prompt: msg, reader: reader, cancel: cancel}, nil
}

// Generate sends one user message and waits for the whole reply.
func (s *Session) Generate(ctx context.Context, msg models.Message) (string, error) {
	if err := s.check(msg); err != nil {
		return "", err
	}
	chatModel, err := s.cfg.Provider.NewChatModel(ctx, s.cfg.Model.ID, s.cfg.Credentials)
	if err != nil {
		return "", err
	}
	out, err := chatModel.Generate(ctx, s.buildInput(msg))
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	s.appendTurn(msg, out.Content)
	return out.Content, nil
}

func (s *Session) check(msg models.Message) error {
	if s.cfg.Provider.RequiresCredential() && strings.TrimSpace(s.cfg.Credentials.APIKey) == "" {
		return ErrConfiguration
	}
	if strings.TrimSpace(msg.Text()) == "" && !msg.HasInlineData() && len(msg.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

func (s *Session) buildInput(msg models.Message) []*schema.Message {
	s.mu.Lock()
	history := append([]models.Message(nil), s.history...)
	s.mu.Unlock()

	input := make([]*schema.Message, 0, len(history)+2)
	if s.cfg.SystemPrompt != "" {
		input = append(input, schema.SystemMessage(s.cfg.SystemPrompt))
	}
	for _, m := range history {
		if sm := toSchema(m, &s.cfg.Model, s.logger); sm != nil {
			input = append(input, sm)
		}
	}
	if sm := toSchema(msg, &s.cfg.Model, s.logger); sm != nil {
		input = append(input, sm)
	} else {
		input = append(input, schema.UserMessage(omittedNote(msg)))
	}
	return input
}

func (s *Session) appendTurn(prompt models.Message, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, prompt.Durable(), models.NewTextMessage(models.RoleModel, reply))
}

// Stream is a single-consumer sequence of text deltas.
type Stream struct {
	session *Session
	prompt  models.Message
	reader  *schema.StreamReader[*schema.Message]
	cancel  context.CancelFunc
	acc     strings.Builder
	once    sync.Once
}

// Recv returns the next non-empty delta. It returns io.EOF after the
// provider finishes normally.
func (st *Stream) Recv() (string, error) {
	for {
		chunk, err := st.reader.Recv()
		if errors.Is(err, io.EOF) {
			st.once.Do(func() { st.session.appendTurn(st.prompt, st.acc.String()) })
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		st.acc.WriteString(chunk.Content)
		return chunk.Content, nil
	}
}

// Close cancels the provider call and releases the stream.
func (st *Stream) Close() {
	st.cancel()
	st.reader.Close()
}
