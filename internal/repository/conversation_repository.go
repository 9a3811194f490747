package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"quimicai-go/internal/model"
	"strconv"
)

const (
	conversationsKey = "conversations"
	currentIDKey     = "current_id"
)

// ConversationRepository 定义了会话列表在 KV 存储中的读写操作。
// 每个浏览器会话（sessionID）拥有独立的命名空间。
type ConversationRepository interface {
	// LoadConversations 在键不存在时返回 (nil, nil)。
	LoadConversations(ctx context.Context, sessionID string) ([]model.Conversation, error)
	SaveConversations(ctx context.Context, sessionID string, conversations []model.Conversation) error
	// LoadCurrentID 在键不存在时返回 ok=false。
	LoadCurrentID(ctx context.Context, sessionID string) (id int64, ok bool, err error)
	// SaveCurrentID 传入 nil 时删除键。
	SaveCurrentID(ctx context.Context, sessionID string, id *int64) error
}

type kvConversationRepository struct {
	kv     KVStore
	prefix string
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(kv KVStore, prefix string) ConversationRepository {
	return &kvConversationRepository{kv: kv, prefix: prefix}
}

func (r *kvConversationRepository) key(sessionID, name string) string {
	if r.prefix == "" {
		return fmt.Sprintf("session:%s:%s", sessionID, name)
	}
	return fmt.Sprintf("%s:session:%s:%s", r.prefix, sessionID, name)
}

// LoadConversations 从 KV 存储中读取并反序列化会话列表。
func (r *kvConversationRepository) LoadConversations(ctx context.Context, sessionID string) ([]model.Conversation, error) {
	raw, err := r.kv.Get(ctx, r.key(sessionID, conversationsKey))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	var conversations []model.Conversation
	if err := json.Unmarshal([]byte(raw), &conversations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
	}
	for i := range conversations {
		if conversations[i].Messages == nil {
			conversations[i].Messages = []model.Message{}
		}
	}
	return conversations, nil
}

// SaveConversations 序列化完整的会话列表并写入 KV 存储。
func (r *kvConversationRepository) SaveConversations(ctx context.Context, sessionID string, conversations []model.Conversation) error {
	if conversations == nil {
		conversations = []model.Conversation{}
	}
	data, err := json.Marshal(conversations)
	if err != nil {
		return fmt.Errorf("failed to marshal conversations: %w", err)
	}
	if err := r.kv.Set(ctx, r.key(sessionID, conversationsKey), string(data)); err != nil {
		return fmt.Errorf("failed to set conversations: %w", err)
	}
	return nil
}

func (r *kvConversationRepository) LoadCurrentID(ctx context.Context, sessionID string) (int64, bool, error) {
	raw, err := r.kv.Get(ctx, r.key(sessionID, currentIDKey))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current id: %w", err)
	}
	// 浏览器版本在未选中时会写入字面量 "null"
	if raw == "" || raw == "null" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse current id %q: %w", raw, err)
	}
	return id, true, nil
}

func (r *kvConversationRepository) SaveCurrentID(ctx context.Context, sessionID string, id *int64) error {
	key := r.key(sessionID, currentIDKey)
	if id == nil {
		if err := r.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to clear current id: %w", err)
		}
		return nil
	}
	if err := r.kv.Set(ctx, key, strconv.FormatInt(*id, 10)); err != nil {
		return fmt.Errorf("failed to set current id: %w", err)
	}
	return nil
}
