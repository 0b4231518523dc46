package models

import "strings"

// ============================================================
// Modalities - kinds of input a model accepts
// ============================================================

const (
	ModalityText  = "text"
	ModalityImage = "image"
	ModalityPDF   = "pdf"
	ModalityAudio = "audio"
	ModalityVideo = "video"
)

// SupportedModalities all valid modality values
var SupportedModalities = map[string]struct{}{
	ModalityText:  {},
	ModalityImage: {},
	ModalityPDF:   {},
	ModalityAudio: {},
	ModalityVideo: {},
}

// ModelConfig is one entry of the model registry. ID is the identifier sent
// to the provider, Provider selects the provider variant.
type ModelConfig struct {
	ID         string   `json:"id" yaml:"id"`
	Provider   string   `json:"provider" yaml:"provider"`
	Name       string   `json:"name" yaml:"name"`
	Modalities []string `json:"modalities" yaml:"modalities"`
}

func (m *ModelConfig) Normalize() {
	if m.Name == "" {
		m.Name = m.ID
	}
	if len(m.Modalities) == 0 {
		m.Modalities = []string{ModalityText}
	}
	for i, v := range m.Modalities {
		m.Modalities[i] = strings.ToLower(strings.TrimSpace(v))
	}
}

// Supports reports whether the model declares the given modality. Text is
// always supported.
func (m *ModelConfig) Supports(modality string) bool {
	if modality == ModalityText {
		return true
	}
	for _, v := range m.Modalities {
		if v == modality {
			return true
		}
	}
	return false
}

// MimeModality maps a MIME type to the modality it needs. Unknown types map
// to the empty string.
func MimeModality(mimeType string) string {
	mt, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	mt = strings.TrimSpace(mt)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return ModalityImage
	case mt == "application/pdf":
		return ModalityPDF
	case strings.HasPrefix(mt, "audio/"):
		return ModalityAudio
	case strings.HasPrefix(mt, "video/"):
		return ModalityVideo
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		return ModalityText
	default:
		return ""
	}
}

// SupportedModelProviders supported model providers
var SupportedModelProviders = map[string]struct{}{
	"openai":     {},
	"openrouter": {},
	"anthropic":  {},
	"google":     {},
	"deepseek":   {},
	"ollama":     {},
	"qwen":       {},
	"ark":        {},
	"qianfan":    {},
}

// DefaultModels is the registry used when the config lists no models.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{ID: "gemini-2.5-flash", Provider: "openrouter", Name: "Gemini 2.5 Flash (OpenRouter)", Modalities: []string{ModalityText, ModalityImage, ModalityPDF}},
		{ID: "gemini-2.5-flash", Provider: "google", Name: "Gemini 2.5 Flash", Modalities: []string{ModalityText, ModalityImage, ModalityPDF, ModalityAudio, ModalityVideo}},
		{ID: "gpt-4o-mini", Provider: "openai", Name: "GPT-4o mini", Modalities: []string{ModalityText, ModalityImage}},
		{ID: "claude-sonnet-4-20250514", Provider: "anthropic", Name: "Claude Sonnet 4", Modalities: []string{ModalityText, ModalityImage, ModalityPDF}},
		{ID: "deepseek-chat", Provider: "deepseek", Name: "DeepSeek Chat", Modalities: []string{ModalityText}},
		{ID: "llama3.2", Provider: "ollama", Name: "Llama 3.2 (local)", Modalities: []string{ModalityText}},
	}
}
