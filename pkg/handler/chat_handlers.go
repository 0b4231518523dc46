// Chat HTTP handlers - chat metadata, turns and relay observation
package handler

import (
	"net/http"
	"strconv"

	"github.com/choraleia/relaychat/pkg/models"
	"github.com/choraleia/relaychat/pkg/service"
	"github.com/gin-gonic/gin"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chatService *service.ChatService
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	chats := r.Group("/chats")
	{
		chats.POST("", h.CreateChat)
		chats.GET("", h.ListChats)
		chats.GET("/:id", h.GetChat)
		chats.PATCH("/:id", h.UpdateChat)
		chats.DELETE("/:id", h.DeleteChat)

		// Messages and turns
		chats.GET("/:id/messages", h.GetMessages)
		chats.POST("/:id/messages", h.SubmitMessage)
		chats.DELETE("/:id/messages", h.DeleteMessages)
		chats.POST("/:id/regenerate", h.Regenerate)

		// Generation state
		chats.GET("/:id/stream", h.Observe)
		chats.GET("/:id/status", h.GetStatus)
	}
}

type createChatRequest struct {
	Model    string `json:"model" binding:"required"`
	Provider string `json:"provider" binding:"required"`
}

type submitRequest struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments"`
	Model       string              `json:"model"`
	Provider    string              `json:"provider"`
}

type regenerateRequest struct {
	Index    *int   `json:"index" binding:"required"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// CreateChat creates a new chat
// POST /api/chats
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.chatService.CreateChat(c.Request.Context(), UserID(c), req.Model, req.Provider)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, chat)
}

// ListChats lists the caller's chats, pinned first
// GET /api/chats?page=1&limit=20
func (h *ChatHandler) ListChats(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	resp, err := h.chatService.ListChats(c.Request.Context(), UserID(c), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetChat gets a chat by ID
// GET /api/chats/:id
func (h *ChatHandler) GetChat(c *gin.Context) {
	chat, err := h.chatService.GetChat(c.Request.Context(), UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, chat)
}

// UpdateChat merges label and pinned
// PATCH /api/chats/:id
func (h *ChatHandler) UpdateChat(c *gin.Context) {
	var req models.ChatUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.chatService.UpdateChat(c.Request.Context(), UserID(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, chat)
}

// DeleteChat deletes a chat
// DELETE /api/chats/:id
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	if err := h.chatService.DeleteChat(c.Request.Context(), UserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// GetMessages gets the history of a chat
// GET /api/chats/:id/messages
func (h *ChatHandler) GetMessages(c *gin.Context) {
	messages, err := h.chatService.Messages(c.Request.Context(), UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
	})
}

// SubmitMessage starts a turn and streams it as SSE
// POST /api/chats/:id/messages
func (h *ChatHandler) SubmitMessage(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.chatService.Submit(c.Request.Context(), service.TurnRequest{
		UserID:      UserID(c),
		ChatID:      c.Param("id"),
		Text:        req.Text,
		Attachments: req.Attachments,
		Model:       req.Model,
		Provider:    req.Provider,
		APIKey:      providerKey(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	streamEntries(c, entries)
}

// Regenerate replays a user message and streams the new turn as SSE
// POST /api/chats/:id/regenerate
func (h *ChatHandler) Regenerate(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.chatService.Regenerate(c.Request.Context(), service.RegenerateRequest{
		UserID:   UserID(c),
		ChatID:   c.Param("id"),
		Index:    *req.Index,
		Model:    req.Model,
		Provider: req.Provider,
		APIKey:   providerKey(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	streamEntries(c, entries)
}

// DeleteMessages truncates the history and returns what is left
// DELETE /api/chats/:id/messages?from=k
func (h *ChatHandler) DeleteMessages(c *gin.Context) {
	from, err := strconv.Atoi(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an integer"})
		return
	}

	kept, err := h.chatService.DeleteFrom(c.Request.Context(), UserID(c), c.Param("id"), from)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": kept,
	})
}

// Observe follows the chat's relay until the current or next turn ends
// GET /api/chats/:id/stream
func (h *ChatHandler) Observe(c *gin.Context) {
	entries, err := h.chatService.Observe(c.Request.Context(), UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	streamEntries(c, entries)
}

// GetStatus reports whether the chat is generating
// GET /api/chats/:id/status
func (h *ChatHandler) GetStatus(c *gin.Context) {
	generating, err := h.chatService.IsGenerating(c.Request.Context(), UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"generating": generating,
	})
}
