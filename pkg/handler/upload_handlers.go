package handler

import (
	"net/http"
	"os"

	"github.com/choraleia/relaychat/pkg/attachment"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// UploadHandler stores attachment bytes and serves them back.
type UploadHandler struct {
	store *attachment.Store
}

func NewUploadHandler(store *attachment.Store) *UploadHandler {
	return &UploadHandler{store: store}
}

func (h *UploadHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/uploads", h.Upload)
	r.GET("/uploads/:name", h.Serve)
}

// Upload saves the multipart field "file"
// POST /api/uploads
func (h *UploadHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field 'file'"})
		return
	}
	defer func() { _ = file.Close() }()

	att, err := h.store.Save(file, header.Filename)
	if err != nil {
		if errors.Is(err, attachment.ErrTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		utils.GetLogger().Error("Failed to store upload", "filename", header.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}
	c.JSON(http.StatusCreated, att)
}

// Serve returns stored bytes
// GET /api/uploads/:name
func (h *UploadHandler) Serve(c *gin.Context) {
	p, err := h.store.Path(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if _, err := os.Stat(p); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(p)
}
