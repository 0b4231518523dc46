package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/choraleia/relaychat/pkg/event"
	"github.com/choraleia/relaychat/pkg/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) listen(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventName())
	}
	return out
}

func TestTitleStreamsToListener(t *testing.T) {
	h := newHarness(t)
	chat := h.newChat(t)

	rec := &recorder{}
	stop := h.emitter.On(testUser, rec.listen)
	defer stop()
	other := &recorder{}
	h.emitter.On("someone-else", other.listen)

	h.turn(t, chat.ID, "What is 2+2?")

	assert.Equal(t, []string{event.TitleStarted, event.TitleDelta, event.TitleDelta, event.TitleFinal}, rec.names())
	final, ok := rec.events[len(rec.events)-1].(event.TitleFinalEvent)
	require.True(t, ok)
	assert.Equal(t, chat.ID, final.ChatID)
	assert.Equal(t, "Math help", final.Title)
	assert.Empty(t, other.names())

	stored, err := h.svc.GetChat(context.Background(), testUser, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Math help", stored.Label)
}

func TestTitleTriggersOncePerChat(t *testing.T) {
	h := newHarness(t)
	chat := h.newChat(t)
	prompt := models.NewTextMessage(models.RoleUser, "What is 2+2?")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.titles.Trigger(context.Background(), testUser, chat, prompt, "")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.titleModel.Calls())
	stored, err := h.svc.GetChat(context.Background(), testUser, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Math help", stored.Label)
}

func TestConcurrentTitlesLeaveSingleLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chat := h.newChat(t)
	msgs := []models.Message{models.NewTextMessage(models.RoleUser, "hi")}

	gate := make(chan struct{})
	h.titleModel.Gate = gate

	results := make([]string, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			title, err := h.titles.Generate(ctx, testUser, chat, msgs, "")
			assert.NoError(t, err)
			results[i] = title
		}(i)
	}
	close(gate)
	wg.Wait()

	stored, err := h.svc.GetChat(ctx, testUser, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Math help", stored.Label)
	assert.Equal(t, []string{stored.Label, stored.Label}, results)
}

func TestTitleKeepsExistingLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chat := h.newChat(t)

	label := "Mine"
	_, err := h.svc.UpdateChat(ctx, testUser, chat.ID, models.ChatUpdate{Label: &label})
	require.NoError(t, err)

	title, err := h.titles.Generate(ctx, testUser, chat, []models.Message{models.NewTextMessage(models.RoleUser, "hi")}, "")
	require.NoError(t, err)
	assert.Equal(t, "Mine", title)
}

func TestTitleFailureClearsMarker(t *testing.T) {
	h := newHarness(t)
	chat := h.newChat(t)
	h.titleModel.Err = errors.New("boom")

	h.titles.Trigger(context.Background(), testUser, chat, models.NewTextMessage(models.RoleUser, "hi"), "")
	assert.False(t, h.mr.Exists(titleKey(chat.ID)))

	stored, err := h.svc.GetChat(context.Background(), testUser, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Label)
}

func TestTitlePromptUsesMarker(t *testing.T) {
	p := titlePrompt([]models.Message{
		models.NewTextMessage(models.RoleUser, "What is 2+2?"),
		{Role: models.RoleUser, Attachments: []models.Attachment{{Filename: "scan.pdf"}}},
	})
	assert.Equal(t, 3, strings.Count(p, titleMarker))
	assert.Contains(t, p, "user: What is 2+2?")
	assert.Contains(t, p, "[attachment: scan.pdf]")
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  \"Math help\"  ", "Math help"},
		{"Math help\nSecond line", "Math help"},
		{titleMarker + " Trip plan", "Trip plan"},
		{"", models.DefaultChatLabel},
		{" \"\" ", models.DefaultChatLabel},
		{strings.Repeat("é", 150), strings.Repeat("é", maxTitleRunes)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanTitle(tt.in), tt.in)
	}
}

func TestBackfillLabelsUntitledChats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	untitled := &models.Chat{ID: "c-old", Model: testModel, Provider: testProvider}
	require.NoError(t, h.store.CreateChat(ctx, testUser, untitled))
	require.NoError(t, h.store.AppendMessage(ctx, testUser, untitled.ID, models.NewTextMessage(models.RoleUser, "hi")))

	empty := &models.Chat{ID: "c-empty", Model: testModel, Provider: testProvider}
	require.NoError(t, h.store.CreateChat(ctx, testUser, empty))

	b := NewTitleBackfill(h.titles, h.store, "@every 1h")
	n, err := b.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.GetChat(ctx, testUser, untitled.ID)
	require.NoError(t, err)
	assert.Equal(t, "Math help", stored.Label)

	n, err = b.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackfillSkipsTitleInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat := &models.Chat{ID: "c-busy", Model: testModel, Provider: testProvider}
	require.NoError(t, h.store.CreateChat(ctx, testUser, chat))
	require.NoError(t, h.store.AppendMessage(ctx, testUser, chat.ID, models.NewTextMessage(models.RoleUser, "hi")))
	require.NoError(t, h.rdb.Set(ctx, titleKey(chat.ID), "1", time.Hour).Err())

	b := NewTitleBackfill(h.titles, h.store, "")
	n, err := b.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.titleModel.Calls())

	h.mr.Del(titleKey(chat.ID))
	n, err = b.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.titleModel.Calls())
}

func TestBackfillFailureClearsMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.titleModel.Err = errors.New("boom")

	chat := &models.Chat{ID: "c-fail", Model: testModel, Provider: testProvider}
	require.NoError(t, h.store.CreateChat(ctx, testUser, chat))
	require.NoError(t, h.store.AppendMessage(ctx, testUser, chat.ID, models.NewTextMessage(models.RoleUser, "hi")))

	n, err := NewTitleBackfill(h.titles, h.store, "").RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, h.mr.Exists(titleKey(chat.ID)))
}

func TestBackfillSchedule(t *testing.T) {
	h := newHarness(t)

	bad := NewTitleBackfill(h.titles, h.store, "not a schedule")
	assert.Error(t, bad.Start(context.Background()))

	off := NewTitleBackfill(h.titles, h.store, "")
	require.NoError(t, off.Start(context.Background()))
	off.Stop()

	b := NewTitleBackfill(h.titles, h.store, "@every 1h")
	require.NoError(t, b.Start(context.Background()))
	b.Stop()
}
