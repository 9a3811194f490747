// Package model 包含了应用的数据模型定义。
package model

import "time"

// Sender 标识一条消息的发送方。
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Valid 判断 sender 是否为已知取值。
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderBot
}

// Message 代表一轮对话中的单条消息。
type Message struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// Conversation 是带标题、按时间顺序排列的消息序列。
// ID 同时作为会话内的唯一标识。
type Conversation struct {
	ID       int64     `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Clone 返回一个不与原对象共享消息切片的副本。
func (c *Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return Conversation{ID: c.ID, Title: c.Title, Messages: msgs}
}

// Snapshot 是推送给展示层的只读视图。
// Processing 与 PendingConversationID 表示"处理中"的临时指示，不会写入消息序列。
type Snapshot struct {
	Conversations         []Conversation `json:"conversations"`
	CurrentID             *int64         `json:"currentId"`
	Processing            bool           `json:"processing"`
	PendingConversationID *int64         `json:"pendingConversationId"`
}

// EventType 描述 store 上发生的变更类型。
type EventType string

const (
	EventStoreLoaded          EventType = "store.loaded"
	EventConversationCreated  EventType = "conversation.created"
	EventConversationSelected EventType = "conversation.selected"
	EventConversationRenamed  EventType = "conversation.renamed"
	EventConversationDeleted  EventType = "conversation.deleted"
	EventMessageAppended      EventType = "message.appended"
	EventMessageDeleted       EventType = "message.deleted"
	EventSendStarted          EventType = "send.started"
	EventSendFinished         EventType = "send.finished"
)

// Event 是 store 的变更通知。
type Event struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"sessionId"`
	ConversationID int64     `json:"conversationId,omitempty"`
	At             time.Time `json:"at"`
}
