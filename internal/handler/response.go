// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"quimicai-go/internal/middleware"
	"quimicai-go/internal/service"

	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// respondServiceError 将 service 层的哨兵错误映射为 HTTP 状态码。
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrProcessing):
		respondError(c, http.StatusConflict, "a message is already being processed")
	case errors.Is(err, service.ErrEmptyMessage):
		respondError(c, http.StatusBadRequest, "message text is empty")
	case errors.Is(err, service.ErrConversationNotFound):
		respondError(c, http.StatusNotFound, "conversation not found")
	case errors.Is(err, service.ErrSessionClosed):
		respondError(c, http.StatusServiceUnavailable, "session closed")
	default:
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}

// openStore 取出 SessionAuth 中间件写入的会话 ID，并返回对应的 store。
func openStore(c *gin.Context, sessions *service.SessionManager) (*service.ConversationStore, bool) {
	sessionID := c.GetString(middleware.ContextSessionID)
	store, err := sessions.Open(c.Request.Context(), sessionID)
	if err != nil {
		respondServiceError(c, err)
		return nil, false
	}
	return store, true
}
