package handler

import (
	"net/http"

	"github.com/choraleia/relaychat/pkg/service"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case errors.Is(err, service.ErrAlreadyGenerating):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrCredentialRequired):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error(), "code": "credential_required"})
	default:
		utils.GetLogger().Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
