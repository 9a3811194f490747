package handler

import (
	"net/http"
	"quimicai-go/internal/service"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理会话列表相关的 API 请求。
type ConversationHandler struct {
	sessions *service.SessionManager
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(sessions *service.SessionManager) *ConversationHandler {
	return &ConversationHandler{sessions: sessions}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type selectConversationRequest struct {
	ID int64 `json:"id" binding:"required"`
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

// List 返回会话列表快照。
func (h *ConversationHandler) List(c *gin.Context) {
	store, ok := openStore(c, h.sessions)
	if !ok {
		return
	}
	respondOK(c, store.Snapshot())
}

// Create 新建会话并设为当前会话。
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	// 请求体可选
	_ = c.ShouldBindJSON(&req)
	store, ok := openStore(c, h.sessions)
	if !ok {
		return
	}
	respondOK(c, store.CreateConversation(c.Request.Context(), req.Title))
}

// Select 切换当前会话。
func (h *ConversationHandler) Select(c *gin.Context) {
	var req selectConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request payload: id is required")
		return
	}
	store, ok := openStore(c, h.sessions)
	if !ok {
		return
	}
	if err := store.SelectConversation(c.Request.Context(), req.ID); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, store.Snapshot())
}

// Rename 修改会话标题。空标题被静默忽略。
func (h *ConversationHandler) Rename(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req renameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	store, ok := openStore(c, h.sessions)
	if !ok {
		return
	}
	store.RenameConversation(c.Request.Context(), id, req.Title)
	respondOK(c, store.Snapshot())
}

// Delete 删除会话。
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	store, ok := openStore(c, h.sessions)
	if !ok {
		return
	}
	if err := store.DeleteConversation(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, store.Snapshot())
}

// DeleteMessage 删除会话中指定下标的消息。下标越界被静默忽略。
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid message index")
		return
	}
	store, ok := openStore(c, h.sessions)
	if !ok {
		return
	}
	if err := store.DeleteMessage(c.Request.Context(), id, index); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, store.Snapshot())
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}
