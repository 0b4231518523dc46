package llm

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/choraleia/relaychat/pkg/models"
	"github.com/cloudwego/eino/schema"
)

// FilterParts drops inline parts whose MIME category the model does not
// declare. Text parts are always kept and order is preserved.
func FilterParts(parts []models.Part, model *models.ModelConfig) []models.Part {
	out := make([]models.Part, 0, len(parts))
	for _, p := range parts {
		if p.InlineData == nil {
			out = append(out, p)
			continue
		}
		modality := models.MimeModality(p.InlineData.MimeType)
		if modality == "" || !model.Supports(modality) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// toSchema converts a message into the provider payload. It returns nil
// when nothing sendable is left.
func toSchema(m models.Message, model *models.ModelConfig, logger *slog.Logger) *schema.Message {
	parts := FilterParts(m.Parts, model)
	if dropped := len(m.Parts) - len(parts); dropped > 0 {
		logger.Debug("Dropped parts the model cannot accept", "model", model.ID, "dropped", dropped)
	}

	role := schema.User
	if m.Role == models.RoleModel {
		role = schema.Assistant
	}

	inline := false
	for _, p := range parts {
		if p.InlineData != nil {
			inline = true
			break
		}
	}

	if !inline || role == schema.Assistant {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		if strings.TrimSpace(sb.String()) == "" {
			return nil
		}
		return &schema.Message{Role: role, Content: sb.String()}
	}

	multi := make([]schema.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		if part, ok := toChatPart(p); ok {
			multi = append(multi, part)
		}
	}
	if len(multi) == 0 {
		return nil
	}
	return &schema.Message{Role: role, MultiContent: multi}
}

func toChatPart(p models.Part) (schema.ChatMessagePart, bool) {
	if p.InlineData == nil {
		if p.Text == "" {
			return schema.ChatMessagePart{}, false
		}
		return schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: p.Text}, true
	}

	mimeType := p.InlineData.MimeType
	dataURL := "data:" + mimeType + ";base64," + p.InlineData.Data
	switch models.MimeModality(mimeType) {
	case models.ModalityImage:
		return schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: dataURL, MIMEType: mimeType},
		}, true
	case models.ModalityPDF:
		return schema.ChatMessagePart{
			Type:    schema.ChatMessagePartTypeFileURL,
			FileURL: &schema.ChatMessageFileURL{URL: dataURL, MIMEType: mimeType},
		}, true
	case models.ModalityAudio:
		return schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeAudioURL,
			AudioURL: &schema.ChatMessageAudioURL{URL: dataURL, MIMEType: mimeType},
		}, true
	case models.ModalityVideo:
		return schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeVideoURL,
			VideoURL: &schema.ChatMessageVideoURL{URL: dataURL, MIMEType: mimeType},
		}, true
	case models.ModalityText:
		raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return schema.ChatMessagePart{}, false
		}
		return schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: string(raw)}, true
	default:
		return schema.ChatMessagePart{}, false
	}
}

// omittedNote stands in for a prompt whose every part was filtered out.
func omittedNote(m models.Message) string {
	names := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		names = append(names, a.Filename)
	}
	if len(names) == 0 {
		return "(attachment omitted: not supported by this model)"
	}
	return fmt.Sprintf("(attachments omitted, not supported by this model: %s)", strings.Join(names, ", "))
}
