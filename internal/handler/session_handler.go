package handler

import (
	"net/http"
	"quimicai-go/internal/middleware"
	"quimicai-go/internal/service"
	"quimicai-go/pkg/log"
	"quimicai-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// SessionHandler 负责签发和关闭浏览器会话。
type SessionHandler struct {
	sessions   *service.SessionManager
	jwtManager *token.JWTManager
}

// NewSessionHandler 创建一个新的 SessionHandler。
func NewSessionHandler(sessions *service.SessionManager, jwtManager *token.JWTManager) *SessionHandler {
	return &SessionHandler{sessions: sessions, jwtManager: jwtManager}
}

// Create 签发新的会话 token，并立即打开（恢复或初始化）对应的 store。
func (h *SessionHandler) Create(c *gin.Context) {
	sessionID := h.sessions.NewSessionID()
	tok, err := h.jwtManager.GenerateToken(sessionID)
	if err != nil {
		log.Error("签发会话 token 失败", err)
		respondError(c, http.StatusInternalServerError, "failed to create session")
		return
	}
	if _, err := h.sessions.Open(c.Request.Context(), sessionID); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"token": tok, "sessionId": sessionID})
}

// Close 释放会话在内存中的状态；持久化数据保留，下次访问时恢复。
// 发送进行中时返回 409。
func (h *SessionHandler) Close(c *gin.Context) {
	if err := h.sessions.Close(c.GetString(middleware.ContextSessionID)); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, nil)
}
