package llm_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"testing"

	"github.com/choraleia/relaychat/pkg/llm"
	"github.com/choraleia/relaychat/pkg/llm/llmtest"
	"github.com/choraleia/relaychat/pkg/models"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textImageModel() models.ModelConfig {
	return models.ModelConfig{
		ID:         "m1",
		Provider:   "fake",
		Modalities: []string{models.ModalityText, models.ModalityImage},
	}
}

func drain(t *testing.T, st *llm.Stream) ([]string, error) {
	t.Helper()
	var deltas []string
	for {
		d, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return deltas, nil
		}
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, d)
	}
}

func TestFilterPartsDropsUnsupportedModalities(t *testing.T) {
	model := textImageModel()
	parts := []models.Part{
		{Text: "summarize"},
		{InlineData: &models.InlineData{MimeType: "application/pdf", Data: "JVBERi0="}},
		{InlineData: &models.InlineData{MimeType: "image/png", Data: "iVBORw=="}},
	}

	got := llm.FilterParts(parts, &model)
	require.Len(t, got, 2)
	assert.Equal(t, "summarize", got[0].Text)
	assert.Equal(t, "image/png", got[1].InlineData.MimeType)
}

func TestSendStreamFiltersPayload(t *testing.T) {
	fake := &llmtest.ChatModel{Chunks: []string{"ok"}}
	sess := llm.NewSession(llm.SessionConfig{
		Model:       textImageModel(),
		Provider:    &llmtest.Provider{NeedsKey: true, Model: fake},
		Credentials: llm.Credentials{APIKey: "k"},
	})

	msg := models.Message{Role: models.RoleUser, Parts: []models.Part{
		{Text: "summarize"},
		{InlineData: &models.InlineData{MimeType: "application/pdf", Data: "JVBERi0="}},
	}}
	st, err := sess.SendStream(context.Background(), msg)
	require.NoError(t, err)
	defer st.Close()
	_, err = drain(t, st)
	require.NoError(t, err)

	inputs := fake.Inputs()
	require.Len(t, inputs, 1)
	last := inputs[0][len(inputs[0])-1]
	assert.Equal(t, schema.User, last.Role)
	assert.Equal(t, "summarize", last.Content)
	assert.Empty(t, last.MultiContent)
}

func TestSendStreamBuildsMultiContentForImages(t *testing.T) {
	fake := &llmtest.ChatModel{Chunks: []string{"a cat"}}
	sess := llm.NewSession(llm.SessionConfig{
		Model:       textImageModel(),
		Provider:    &llmtest.Provider{Model: fake},
		Credentials: llm.Credentials{},
	})

	msg := models.Message{Role: models.RoleUser, Parts: []models.Part{
		{Text: "what is this"},
		{InlineData: &models.InlineData{MimeType: "image/png", Data: "iVBORw=="}},
	}}
	st, err := sess.SendStream(context.Background(), msg)
	require.NoError(t, err)
	_, err = drain(t, st)
	require.NoError(t, err)
	st.Close()

	last := fake.Inputs()[0][0]
	require.Len(t, last.MultiContent, 2)
	assert.Equal(t, schema.ChatMessagePartTypeText, last.MultiContent[0].Type)
	require.NotNil(t, last.MultiContent[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,iVBORw==", last.MultiContent[1].ImageURL.URL)
}

func TestSendStreamOmittedAttachmentNote(t *testing.T) {
	fake := &llmtest.ChatModel{Chunks: []string{"?"}}
	sess := llm.NewSession(llm.SessionConfig{
		Model:    textImageModel(),
		Provider: &llmtest.Provider{Model: fake},
	})

	msg := models.Message{
		Role:        models.RoleUser,
		Parts:       []models.Part{{InlineData: &models.InlineData{MimeType: "application/pdf", Data: "JVBERi0="}}},
		Attachments: []models.Attachment{{URL: "/api/uploads/x.pdf", Filename: "report.pdf"}},
	}
	st, err := sess.SendStream(context.Background(), msg)
	require.NoError(t, err)
	_, err = drain(t, st)
	require.NoError(t, err)
	st.Close()

	last := fake.Inputs()[0][0]
	assert.Contains(t, last.Content, "report.pdf")
}

func TestTextAttachmentIsDecoded(t *testing.T) {
	fake := &llmtest.ChatModel{Chunks: []string{"read"}}
	sess := llm.NewSession(llm.SessionConfig{
		Model:    textImageModel(),
		Provider: &llmtest.Provider{Model: fake},
	})

	data := base64.StdEncoding.EncodeToString([]byte("hello notes"))
	msg := models.Message{Role: models.RoleUser, Parts: []models.Part{
		{Text: "read this"},
		{InlineData: &models.InlineData{MimeType: "text/plain", Data: data}},
	}}
	st, err := sess.SendStream(context.Background(), msg)
	require.NoError(t, err)
	_, err = drain(t, st)
	require.NoError(t, err)
	st.Close()

	last := fake.Inputs()[0][0]
	require.Len(t, last.MultiContent, 2)
	assert.Equal(t, "hello notes", last.MultiContent[1].Text)
}

func TestSendStreamRequiresCredential(t *testing.T) {
	fake := &llmtest.ChatModel{}
	sess := llm.NewSession(llm.SessionConfig{
		Model:    textImageModel(),
		Provider: &llmtest.Provider{NeedsKey: true, Model: fake},
	})

	_, err := sess.SendStream(context.Background(), models.NewTextMessage(models.RoleUser, "hi"))
	assert.ErrorIs(t, err, llm.ErrConfiguration)
	assert.Zero(t, fake.Calls())
}

func TestOllamaNeedsNoCredential(t *testing.T) {
	p, err := llm.Lookup("ollama")
	require.NoError(t, err)
	assert.False(t, p.RequiresCredential())

	p, err = llm.Lookup("openai")
	require.NoError(t, err)
	assert.True(t, p.RequiresCredential())
}

func TestLookupUnknownProvider(t *testing.T) {
	_, err := llm.Lookup("nope")
	assert.ErrorIs(t, err, llm.ErrUnsupportedProvider)
	assert.Contains(t, llm.ProviderNames(), "anthropic")
}

func TestSendStreamRejectsEmptyMessage(t *testing.T) {
	sess := llm.NewSession(llm.SessionConfig{
		Model:    textImageModel(),
		Provider: &llmtest.Provider{Model: &llmtest.ChatModel{}},
	})
	_, err := sess.SendStream(context.Background(), models.NewTextMessage(models.RoleUser, "   "))
	assert.ErrorIs(t, err, llm.ErrEmptyMessage)
}

func TestStreamSkipsEmptyDeltasAndAppendsHistory(t *testing.T) {
	fake := &llmtest.ChatModel{Chunks: []string{"The ", "", "answer ", "", "is 4"}}
	history := []models.Message{
		models.NewTextMessage(models.RoleUser, "earlier"),
		models.NewTextMessage(models.RoleModel, "reply"),
	}
	sess := llm.NewSession(llm.SessionConfig{
		Model:        textImageModel(),
		Provider:     &llmtest.Provider{Model: fake},
		SystemPrompt: "be brief",
		History:      history,
	})

	st, err := sess.SendStream(context.Background(), models.NewTextMessage(models.RoleUser, "2+2?"))
	require.NoError(t, err)
	deltas, err := drain(t, st)
	require.NoError(t, err)
	st.Close()

	assert.Equal(t, []string{"The ", "answer ", "is 4"}, deltas)

	input := fake.Inputs()[0]
	require.Len(t, input, 4)
	assert.Equal(t, schema.System, input[0].Role)
	assert.Equal(t, schema.Assistant, input[2].Role)

	got := sess.History()
	require.Len(t, got, 4)
	assert.Equal(t, "2+2?", got[2].Text())
	assert.Equal(t, models.RoleModel, got[3].Role)
	assert.Equal(t, "The answer is 4", got[3].Text())
	assert.Len(t, history, 2)
}

func TestStreamErrorLeavesHistoryUntouched(t *testing.T) {
	boom := errors.New("upstream 500")
	fake := &llmtest.ChatModel{Chunks: []string{"part"}, Err: boom}
	sess := llm.NewSession(llm.SessionConfig{
		Model:    textImageModel(),
		Provider: &llmtest.Provider{Model: fake},
	})

	st, err := sess.SendStream(context.Background(), models.NewTextMessage(models.RoleUser, "hi"))
	require.NoError(t, err)
	deltas, err := drain(t, st)
	st.Close()

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"part"}, deltas)
	assert.Empty(t, sess.History())
}

func TestGenerateAppendsTurn(t *testing.T) {
	fake := &llmtest.ChatModel{Chunks: []string{"Math ", "help"}}
	sess := llm.NewSession(llm.SessionConfig{
		Model:    textImageModel(),
		Provider: &llmtest.Provider{Model: fake},
	})

	out, err := sess.Generate(context.Background(), models.NewTextMessage(models.RoleUser, "title?"))
	require.NoError(t, err)
	assert.Equal(t, "Math help", out)
	assert.Len(t, sess.History(), 2)
}
