// Package kafka 提供了将会话变更事件发布到 Kafka 的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"quimicai-go/internal/config"
	"quimicai-go/internal/model"
	"quimicai-go/pkg/log"
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventPublisher 以会话 ID 为 key 异步写入事件，保证同一会话内的顺序。
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher 初始化 Kafka 生产者。
func NewEventPublisher(cfg config.KafkaConfig) *EventPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
		// 异步写入：store 在持有锁时发布事件，不能被网络阻塞
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Errorf("写入 Kafka 事件失败: %d 条, err=%v", len(messages), err)
			}
		},
	}
	log.Info("Kafka 事件生产者初始化成功")
	return &EventPublisher{writer: writer}
}

// Publish 发送一条会话事件。
func (p *EventPublisher) Publish(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
	})
}

// Close 刷新缓冲区并关闭生产者。
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
