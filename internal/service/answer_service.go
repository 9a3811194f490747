package service

import (
	"context"
	"fmt"
	"quimicai-go/pkg/llm"
	"strings"
)

// AnswerService 为 /api/ask 端点生成答案。
type AnswerService interface {
	Answer(ctx context.Context, question string) (string, error)
	Ready() bool
}

type answerService struct {
	llmClient    llm.Client
	systemPrompt string
}

// NewAnswerService 创建一个新的 AnswerService。llmClient 为 nil 时服务视为未就绪。
func NewAnswerService(llmClient llm.Client, systemPrompt string) AnswerService {
	return &answerService{llmClient: llmClient, systemPrompt: systemPrompt}
}

func (s *answerService) Ready() bool {
	return s.llmClient != nil
}

// Answer 以 system + user 两条消息调用模型，并把流式分块拼接为完整答案。
func (s *answerService) Answer(ctx context.Context, question string) (string, error) {
	if !s.Ready() {
		return "", fmt.Errorf("answer service is not configured")
	}
	msgs := make([]llm.Message, 0, 2)
	if s.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: s.systemPrompt})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: question})

	var sb answerBuilder
	if err := s.llmClient.StreamChatMessages(ctx, msgs, nil, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// answerBuilder 满足 llm.ChunkWriter 接口。
type answerBuilder struct {
	strings.Builder
}

func (b *answerBuilder) WriteChunk(chunk string) error {
	_, err := b.WriteString(chunk)
	return err
}
