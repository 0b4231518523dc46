package service

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/choraleia/relaychat/pkg/config"
	"github.com/choraleia/relaychat/pkg/llm"
	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/utils"
)

// ModelService resolves registry entries to provider variants and
// credentials.
type ModelService struct {
	cfg      *config.AppConfig
	registry []models.ModelConfig
	lookup   func(name string) (llm.Provider, error)
	logger   *slog.Logger
}

func NewModelService(cfg *config.AppConfig) *ModelService {
	return &ModelService{
		cfg:      cfg,
		registry: cfg.ModelRegistry(),
		lookup:   llm.Lookup,
		logger:   utils.GetLogger(),
	}
}

// SetProviderLookup replaces the provider registry, used to plug in fakes.
func (m *ModelService) SetProviderLookup(lookup func(name string) (llm.Provider, error)) {
	m.lookup = lookup
}

// List returns the registry in configuration order.
func (m *ModelService) List() []models.ModelConfig {
	return append([]models.ModelConfig(nil), m.registry...)
}

// Resolve finds the registry entry for the pair and its provider variant.
func (m *ModelService) Resolve(modelID, provider string) (models.ModelConfig, llm.Provider, error) {
	for _, mc := range m.registry {
		if mc.ID != modelID || mc.Provider != provider {
			continue
		}
		p, err := m.lookup(provider)
		if err != nil {
			return models.ModelConfig{}, nil, fmt.Errorf("%w: %v", ErrUnsupportedModel, err)
		}
		return mc, p, nil
	}
	return models.ModelConfig{}, nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedModel, provider, modelID)
}

// Credentials returns what the provider call needs. A caller-supplied key
// wins over the configured one.
func (m *ModelService) Credentials(p llm.Provider, override string) (llm.Credentials, error) {
	pc := m.cfg.Provider(p.Name())
	cred := llm.Credentials{APIKey: pc.APIKey, BaseURL: pc.BaseURL}
	if key := strings.TrimSpace(override); key != "" {
		m.logger.Debug("Using caller credential", "provider", p.Name(), "key", utils.MaskSensitiveString(key))
		cred.APIKey = key
	}
	if p.RequiresCredential() && cred.APIKey == "" {
		return llm.Credentials{}, fmt.Errorf("%w: %s", ErrCredentialRequired, p.Name())
	}
	return cred, nil
}

// SystemPrompt returns the configured system prompt for chat turns.
func (m *ModelService) SystemPrompt() string {
	return m.cfg.Generation.SystemPrompt
}
