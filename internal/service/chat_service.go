package service

import (
	"context"
	"errors"
	"quimicai-go/internal/model"
	"quimicai-go/pkg/ask"
	"quimicai-go/pkg/log"
	"strings"
	"time"
)

const (
	// NoAnswerText 在响应缺少 answer 字段时作为机器人回复。
	NoAnswerText = "⚠ No se recibió respuesta"
	// ConnectionErrorText 在请求失败时作为机器人回复。
	ConnectionErrorText = "❌ Error de conexión con el servidor"
)

// ChatService 定义了一次消息交换（用户提问 → 机器人回复）的流程。
type ChatService interface {
	// Send 在 store 的当前会话中发送一条用户消息，并返回追加的机器人消息。
	Send(ctx context.Context, store *ConversationStore, text string) (model.Message, error)
}

type chatService struct {
	askClient ask.Client
	timeout   time.Duration
}

// NewChatService 创建一个新的 ChatService 实例。timeout 为 0 时不额外限制请求时长。
func NewChatService(askClient ask.Client, timeout time.Duration) ChatService {
	return &chatService{askClient: askClient, timeout: timeout}
}

// Send 执行 Idle → Sending → (Fulfilled | Failed) → Idle 的完整流程。
func (s *chatService) Send(ctx context.Context, store *ConversationStore, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}

	conversationID, err := store.BeginSend(ctx)
	if err != nil {
		return model.Message{}, err
	}
	defer store.EndSend()

	// 用户消息立即追加（乐观更新）；"处理中" 指示只存在于 snapshot 中
	if _, err := store.AppendMessage(conversationID, model.SenderUser, text); err != nil {
		return model.Message{}, err
	}

	// 即使调用方断开，也要把回复写回会话
	reqCtx := context.WithoutCancel(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, s.timeout)
		defer cancel()
	}

	replyText := NoAnswerText
	answer, err := s.askClient.Ask(reqCtx, text)
	switch {
	case err != nil:
		log.Errorw("问答请求失败", "sessionId", store.SessionID(), "conversationId", conversationID, "error", err)
		replyText = ConnectionErrorText
	case strings.TrimSpace(answer) != "":
		replyText = answer
	}

	reply, err := store.AppendMessage(conversationID, model.SenderBot, replyText)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			log.Warnw("会话已被删除，丢弃回复", "sessionId", store.SessionID(), "conversationId", conversationID)
		}
		return model.Message{}, err
	}

	store.Save(context.WithoutCancel(ctx))
	return reply, nil
}
