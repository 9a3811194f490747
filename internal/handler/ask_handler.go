package handler

import (
	"net/http"
	"quimicai-go/internal/service"
	"quimicai-go/pkg/ask"
	"quimicai-go/pkg/log"
	"strings"

	"github.com/gin-gonic/gin"
)

// AskHandler 实现问答端点，请求与响应格式与 pkg/ask 客户端一致。
type AskHandler struct {
	answerService service.AnswerService
}

// NewAskHandler 创建一个新的 AskHandler。
func NewAskHandler(answerService service.AnswerService) *AskHandler {
	return &AskHandler{answerService: answerService}
}

// Ask 处理 POST /api/ask。
func (h *AskHandler) Ask(c *gin.Context) {
	if !h.answerService.Ready() {
		log.Errorf("问答服务未初始化")
		c.JSON(http.StatusInternalServerError, ask.Response{Error: "El asistente no está disponible"})
		return
	}

	var req ask.Request
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, ask.Response{Error: "No se envió ninguna pregunta"})
		return
	}

	log.Infof("处理问题: %s", req.Question)
	answer, err := h.answerService.Answer(c.Request.Context(), req.Question)
	if err != nil {
		log.Error("处理问题失败", err)
		c.JSON(http.StatusInternalServerError, ask.Response{Error: "Error al procesar la pregunta"})
		return
	}
	c.JSON(http.StatusOK, ask.Response{Answer: answer, Sources: []map[string]any{}})
}

// Health 处理 GET /api/health。
func (h *AskHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"assistant_ready": h.answerService.Ready(),
	})
}
