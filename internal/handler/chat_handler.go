package handler

import (
	"net/http"
	"quimicai-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ChatHandler 负责把用户消息交给 ChatService。
type ChatHandler struct {
	sessions    *service.SessionManager
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(sessions *service.SessionManager, chatService service.ChatService) *ChatHandler {
	return &ChatHandler{sessions: sessions, chatService: chatService}
}

type sendRequest struct {
	Text string `json:"text"`
}

// Send 发送一条消息并返回机器人回复。已有发送进行中时返回 409。
func (h *ChatHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	store, ok := openStore(c, h.sessions)
	if !ok {
		return
	}
	reply, err := h.chatService.Send(c.Request.Context(), store, req.Text)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, reply)
}
