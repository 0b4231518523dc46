package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/choraleia/relaychat/pkg/attachment"
	"github.com/choraleia/relaychat/pkg/config"
	"github.com/choraleia/relaychat/pkg/lease"
	"github.com/choraleia/relaychat/pkg/llm"
	"github.com/choraleia/relaychat/pkg/llm/llmtest"
	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/relay"
	"github.com/choraleia/relaychat/pkg/service"
	"github.com/choraleia/relaychat/pkg/store"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router    *gin.Engine
	svc       *service.ChatService
	leases    *lease.Manager
	chatModel *llmtest.ChatModel
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("ANTHROPIC_API_KEY", "")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.AppConfig{
		Providers: map[string]config.ProviderConfig{"openrouter": {APIKey: "sk-test"}},
		Models: []models.ModelConfig{
			{ID: "gemini-2.5-flash", Provider: "openrouter", Modalities: []string{models.ModalityText}},
			{ID: "claude", Provider: "anthropic"},
		},
	}
	chatModel := &llmtest.ChatModel{Chunks: []string{"4"}}
	ms := service.NewModelService(cfg)
	ms.SetProviderLookup(func(name string) (llm.Provider, error) {
		switch name {
		case "openrouter", "anthropic":
			return &llmtest.Provider{ProviderName: name, NeedsKey: true, Model: chatModel}, nil
		}
		return nil, llm.ErrUnsupportedProvider
	})

	att, err := attachment.NewStore(t.TempDir(), 1024)
	require.NoError(t, err)
	leases := lease.NewManager(rdb)
	svc := service.NewChatService(store.NewRedisStore(rdb), leases, relay.New(rdb, 50*time.Millisecond), ms, att, cfg)
	t.Cleanup(svc.Wait)

	r := gin.New()
	api := r.Group("/api", Identity())
	NewChatHandler(svc).RegisterRoutes(api)
	NewModelHandler(ms).RegisterRoutes(api)
	NewUploadHandler(att).RegisterRoutes(api)

	return &testServer{router: r, svc: svc, leases: leases, chatModel: chatModel}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, "u1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createChat(t *testing.T) models.Chat {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/chats", gin.H{"model": "gemini-2.5-flash", "provider": "openrouter"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var chat models.Chat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chat))
	return chat
}

func TestIdentityMiddleware(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/chats", nil, HeaderUserBanned, "true")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/chats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatLifecycle(t *testing.T) {
	s := newTestServer(t)
	chat := s.createChat(t)

	w := s.do(t, http.MethodPost, "/api/chats", gin.H{"model": "nope", "provider": "openrouter"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPatch, "/api/chats/"+chat.ID, gin.H{"label": "Renamed", "pinned": true})
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.Chat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "Renamed", updated.Label)
	assert.True(t, updated.Pinned)

	w = s.do(t, http.MethodGet, "/api/chats?page=1&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list models.ChatListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Chats, 1)
	assert.Equal(t, 5, list.Limit)

	w = s.do(t, http.MethodGet, "/api/chats/"+chat.ID, nil, HeaderUserID, "someone-else")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/api/chats/"+chat.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/chats/"+chat.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitStreamsSSE(t *testing.T) {
	s := newTestServer(t)
	chat := s.createChat(t)
	s.chatModel.Chunks = []string{"The answer ", "is 4"}

	w := s.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", gin.H{"text": "What is 2+2?"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: chunk\n"))
	assert.Contains(t, body, `"text":"The answer "`)
	assert.True(t, strings.HasPrefix(body[strings.LastIndex(body, "event: "):], "event: done\n"))

	s.svc.Wait()
	w = s.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "The answer is 4", resp.Messages[1].Text())
}

func TestSubmitErrors(t *testing.T) {
	s := newTestServer(t)
	chat := s.createChat(t)
	path := "/api/chats/" + chat.ID + "/messages"

	w := s.do(t, http.MethodPost, path, gin.H{"text": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/chats/missing/messages", gin.H{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, path, gin.H{"text": "hi", "model": "claude", "provider": "anthropic"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"credential_required"`)

	w = s.do(t, http.MethodPost, path, gin.H{"text": "hi", "model": "claude", "provider": "anthropic"}, HeaderProviderKey, "sk-caller")
	assert.Equal(t, http.StatusOK, w.Code)
	s.svc.Wait()

	_, ok, err := s.leases.Acquire(context.Background(), chat.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	w = s.do(t, http.MethodPost, path, gin.H{"text": "hi"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/status", nil)
	assert.JSONEq(t, `{"generating":true}`, w.Body.String())
}

func TestRegenerateAndTruncate(t *testing.T) {
	s := newTestServer(t)
	chat := s.createChat(t)
	base := "/api/chats/" + chat.ID

	w := s.do(t, http.MethodPost, base+"/messages", gin.H{"text": "first"})
	require.Equal(t, http.StatusOK, w.Code)
	s.svc.Wait()

	w = s.do(t, http.MethodPost, base+"/regenerate", gin.H{"index": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, base+"/regenerate", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.chatModel.Chunks = []string{"again"}
	w = s.do(t, http.MethodPost, base+"/regenerate", gin.H{"index": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"text":"again"`)
	s.svc.Wait()

	w = s.do(t, http.MethodDelete, base+"/messages?from=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, base+"/messages?from=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "first", resp.Messages[0].Text())
}

func TestObserveStreamsNextTurn(t *testing.T) {
	s := newTestServer(t)
	chat := s.createChat(t)
	s.chatModel.Chunks = []string{"seen"}

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/chats/"+chat.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderUserID, "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	w := s.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", gin.H{"text": "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"text":"seen"`)
	assert.Contains(t, buf.String(), "event: done\n")
}

func TestUploadAndServe(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUserID, "u1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var att models.Attachment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &att))
	assert.Equal(t, "notes.txt", att.Filename)
	assert.True(t, strings.HasPrefix(att.URL, attachment.URLPrefix))

	w = s.do(t, http.MethodGet, att.URL, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = s.do(t, http.MethodGet, "/api/uploads/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/uploads", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListModels(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Models []models.ModelConfig `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "gemini-2.5-flash", resp.Models[0].ID)
	assert.Equal(t, []string{models.ModalityText}, resp.Models[0].Modalities)
}
