package llm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// Credentials configure one provider call. APIKey may come from the caller
// or from server config.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Provider is one model-provider variant. The set is closed: Lookup only
// returns the variants registered below.
type Provider interface {
	Name() string
	RequiresCredential() bool
	NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error)
}

var providers = map[string]Provider{}

func register(p Provider) { providers[p.Name()] = p }

func init() {
	register(openAIProvider{name: "openai"})
	register(openAIProvider{name: "openrouter", defaultBaseURL: "https://openrouter.ai/api/v1"})
	register(anthropicProvider{})
	register(googleProvider{})
	register(deepseekProvider{})
	register(ollamaProvider{})
	register(qwenProvider{})
	register(arkProvider{})
	register(qianfanProvider{})
}

// Lookup returns the variant registered under name.
func Lookup(name string) (Provider, error) {
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	return p, nil
}

// ProviderNames lists the registered variants in name order.
func ProviderNames() []string {
	names := make([]string, 0, len(providers))
	for n := range providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// openAIProvider covers OpenAI and any OpenAI-compatible endpoint.
type openAIProvider struct {
	name           string
	defaultBaseURL string
}

func (p openAIProvider) Name() string             { return p.name }
func (p openAIProvider) RequiresCredential() bool { return true }

func (p openAIProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = p.defaultBaseURL
	}
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: baseURL,
		APIKey:  cred.APIKey,
		Model:   modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", p.name, err)
	}
	return chatModel, nil
}

type anthropicProvider struct{}

func (anthropicProvider) Name() string             { return "anthropic" }
func (anthropicProvider) RequiresCredential() bool { return true }

func (anthropicProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	var baseURL *string
	if cred.BaseURL != "" {
		baseURL = &cred.BaseURL
	}
	chatModel, err := claude.NewChatModel(ctx, &claude.Config{
		BaseURL:   baseURL,
		APIKey:    cred.APIKey,
		Model:     modelID,
		MaxTokens: 8192,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Claude model: %w", err)
	}
	return chatModel, nil
}

type googleProvider struct{}

func (googleProvider) Name() string             { return "google" }
func (googleProvider) RequiresCredential() bool { return true }

func (googleProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cred.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: genaiClient,
		Model:  modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return chatModel, nil
}

type deepseekProvider struct{}

func (deepseekProvider) Name() string             { return "deepseek" }
func (deepseekProvider) RequiresCredential() bool { return true }

func (deepseekProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
		BaseURL: cred.BaseURL,
		APIKey:  cred.APIKey,
		Model:   modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
	}
	return chatModel, nil
}

// ollamaProvider talks to a local server and needs no credential.
type ollamaProvider struct{}

func (ollamaProvider) Name() string             { return "ollama" }
func (ollamaProvider) RequiresCredential() bool { return false }

func (ollamaProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama model: %w", err)
	}
	return chatModel, nil
}

type qwenProvider struct{}

func (qwenProvider) Name() string             { return "qwen" }
func (qwenProvider) RequiresCredential() bool { return true }

func (qwenProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL: baseURL,
		APIKey:  cred.APIKey,
		Model:   modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qwen model: %w", err)
	}
	return chatModel, nil
}

type arkProvider struct{}

func (arkProvider) Name() string             { return "ark" }
func (arkProvider) RequiresCredential() bool { return true }

func (arkProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	timeout := 600 * time.Second
	retries := 3
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:    cred.BaseURL,
		Timeout:    &timeout,
		RetryTimes: &retries,
		APIKey:     cred.APIKey,
		Model:      modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Ark model: %w", err)
	}
	return chatModel, nil
}

type qianfanProvider struct{}

func (qianfanProvider) Name() string             { return "qianfan" }
func (qianfanProvider) RequiresCredential() bool { return true }

func (qianfanProvider) NewChatModel(ctx context.Context, modelID string, cred Credentials) (einoModel.BaseChatModel, error) {
	// The qianfan SDK reads credentials from a process-wide config.
	qianfanConfig := qianfan.GetQianfanSingletonConfig()
	if cred.BaseURL != "" {
		qianfanConfig.BaseURL = cred.BaseURL
	}
	qianfanConfig.BearerToken = cred.APIKey
	chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
		Model: modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
	}
	return chatModel, nil
}
