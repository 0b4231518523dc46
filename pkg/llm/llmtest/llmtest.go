// Package llmtest provides a scripted chat model for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/choraleia/relaychat/pkg/llm"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModel replays Chunks on Stream and their concatenation on Generate.
// If Err is set it is delivered after the chunks. If Gate is set, output
// waits until the gate is closed.
type ChatModel struct {
	Chunks []string
	Err    error
	Gate   chan struct{}

	mu     sync.Mutex
	inputs [][]*schema.Message
}

func (m *ChatModel) record(input []*schema.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
}

// Inputs returns the payloads of every call so far.
func (m *ChatModel) Inputs() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.inputs...)
}

// Calls returns the number of calls so far.
func (m *ChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *ChatModel) wait(ctx context.Context) error {
	if m.Gate == nil {
		return nil
	}
	select {
	case <-m.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	m.record(input)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return schema.AssistantMessage(strings.Join(m.Chunks, ""), nil), nil
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.record(input)
	reader, writer := schema.Pipe[*schema.Message](len(m.Chunks) + 1)
	go func() {
		defer writer.Close()
		if err := m.wait(ctx); err != nil {
			writer.Send(nil, err)
			return
		}
		for _, c := range m.Chunks {
			if closed := writer.Send(&schema.Message{Role: schema.Assistant, Content: c}, nil); closed {
				return
			}
		}
		if m.Err != nil {
			writer.Send(nil, m.Err)
		}
	}()
	return reader, nil
}

// Provider hands out Model for every call.
type Provider struct {
	ProviderName string
	NeedsKey     bool
	Model        *ChatModel
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "fake"
	}
	return p.ProviderName
}

func (p *Provider) RequiresCredential() bool { return p.NeedsKey }

func (p *Provider) NewChatModel(context.Context, string, llm.Credentials) (einoModel.BaseChatModel, error) {
	return p.Model, nil
}
