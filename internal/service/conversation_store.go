// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"quimicai-go/internal/model"
	"quimicai-go/internal/repository"
	"quimicai-go/pkg/log"
	"strings"
	"sync"
	"time"
)

var (
	// ErrProcessing 表示当前会话已有一次发送在进行中。
	ErrProcessing = errors.New("a message is already being processed")
	// ErrConversationNotFound 表示目标会话不存在。
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrEmptyMessage 表示发送的文本为空。
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrSessionClosed 表示 store 或 session manager 已关闭。
	ErrSessionClosed = errors.New("session closed")
)

const (
	// titleMaxRunes 是从第一条用户消息派生标题时截取的字符数。
	titleMaxRunes = 15
	// InitialConversationTitle 是空 store 启动时种子会话的标题。
	InitialConversationTitle = "Conversación inicial"

	subscriberBuffer = 16
)

// EventPublisher 将 store 变更事件转发到进程外（例如 Kafka）。
type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// ConversationStore 持有一个浏览器会话的全部会话列表、当前选中项和处理中标志。
// 所有变更都在 mu 保护下串行执行；持久化失败只记录日志，内存状态始终是权威数据。
type ConversationStore struct {
	mu sync.Mutex

	sessionID string
	repo      repository.ConversationRepository
	publisher EventPublisher
	now       func() time.Time

	conversations []*model.Conversation // newest-first
	current       *model.Conversation

	titleCounter int
	lastID       int64

	processing bool
	pendingID  int64

	subscribers map[int]chan model.Event
	nextSubID   int
	closed      bool
}

// StoreOption 配置 ConversationStore。
type StoreOption func(*ConversationStore)

// WithPublisher 为 store 配置事件发布器。
func WithPublisher(p EventPublisher) StoreOption {
	return func(s *ConversationStore) { s.publisher = p }
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) StoreOption {
	return func(s *ConversationStore) { s.now = now }
}

// NewConversationStore 创建一个空的 ConversationStore。调用方通常随后调用 Open。
func NewConversationStore(sessionID string, repo repository.ConversationRepository, opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		sessionID:    sessionID,
		repo:         repo,
		now:          time.Now,
		titleCounter: 1,
		subscribers:  make(map[int]chan model.Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID 返回 store 所属的会话标识。
func (s *ConversationStore) SessionID() string {
	return s.sessionID
}

// Open 从持久化存储恢复状态；若没有可用数据则写入一个空的默认会话。
func (s *ConversationStore) Open(ctx context.Context) {
	if s.Load(ctx) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conversations) > 0 {
		return
	}
	conv := &model.Conversation{ID: s.nextID(), Title: InitialConversationTitle, Messages: []model.Message{}}
	s.conversations = []*model.Conversation{conv}
	s.current = conv
	s.saveLocked(ctx)
	s.emitLocked(model.EventConversationCreated, conv.ID)
}

// CreateConversation 新建一个会话，插入到列表最前面并设为当前会话。
func (s *ConversationStore) CreateConversation(ctx context.Context, titleHint string) model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, titleHint).Clone()
}

func (s *ConversationStore) createLocked(ctx context.Context, titleHint string) *model.Conversation {
	title := strings.TrimSpace(titleHint)
	if title == "" {
		title = fmt.Sprintf("Conversación %d", s.titleCounter)
		s.titleCounter++
	}
	conv := &model.Conversation{ID: s.nextID(), Title: title, Messages: []model.Message{}}
	s.conversations = append([]*model.Conversation{conv}, s.conversations...)
	s.current = conv
	s.saveLocked(ctx)
	s.emitLocked(model.EventConversationCreated, conv.ID)
	return conv
}

// SelectConversation 将当前会话切换为 id 对应的会话，id 不存在时为 no-op。
// 发送进行中时返回 ErrProcessing。
func (s *ConversationStore) SelectConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return ErrProcessing
	}
	conv := s.findLocked(id)
	if conv == nil {
		return nil
	}
	s.current = conv
	s.saveLocked(ctx)
	s.emitLocked(model.EventConversationSelected, id)
	return nil
}

// RenameConversation 修改会话标题；去除空白后为空或 id 不存在时为 no-op。
func (s *ConversationStore) RenameConversation(ctx context.Context, id int64, newTitle string) {
	title := strings.TrimSpace(newTitle)
	if title == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return
	}
	conv.Title = title
	s.saveLocked(ctx)
	s.emitLocked(model.EventConversationRenamed, id)
}

// DeleteConversation 删除会话。若删除的是当前会话，当前会话变为剩余列表的第一个（或置空）。
// 发送进行中时返回 ErrProcessing。
func (s *ConversationStore) DeleteConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return ErrProcessing
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil
	}
	removed := s.conversations[idx]
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	if s.current == removed {
		s.current = nil
		if len(s.conversations) > 0 {
			s.current = s.conversations[0]
		}
	}
	s.saveLocked(ctx)
	s.emitLocked(model.EventConversationDeleted, id)
	return nil
}

// AppendMessage 向会话追加一条消息。
// 空会话收到第一条用户消息时，标题被替换为该消息的前 15 个字符。
// 本方法不负责持久化，由消息交换流程在完成后统一保存。
func (s *ConversationStore) AppendMessage(conversationID int64, sender model.Sender, text string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(conversationID)
	if conv == nil {
		return model.Message{}, ErrConversationNotFound
	}
	msg := model.Message{Sender: sender, Text: text}
	if len(conv.Messages) == 0 && sender == model.SenderUser {
		conv.Title = deriveTitle(text)
	}
	conv.Messages = append(conv.Messages, msg)
	s.emitLocked(model.EventMessageAppended, conversationID)
	return msg, nil
}

// DeleteMessage 删除指定下标的消息，下标越界或会话不存在时为 no-op。
// 发送进行中时返回 ErrProcessing。
func (s *ConversationStore) DeleteMessage(ctx context.Context, conversationID int64, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return ErrProcessing
	}
	conv := s.findLocked(conversationID)
	if conv == nil || index < 0 || index >= len(conv.Messages) {
		return nil
	}
	conv.Messages = append(conv.Messages[:index], conv.Messages[index+1:]...)
	s.saveLocked(ctx)
	s.emitLocked(model.EventMessageDeleted, conversationID)
	return nil
}

// Save 将完整的会话列表和当前会话 ID 写入持久化存储。失败只记录日志。
func (s *ConversationStore) Save(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(ctx)
}

func (s *ConversationStore) saveLocked(ctx context.Context) {
	// 已关闭的 store 可能已被同一会话的新 store 取代，写入会覆盖新数据
	if s.closed {
		log.Warnw("store 已关闭，跳过保存", "sessionId", s.sessionID)
		return
	}
	snapshot := make([]model.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		snapshot[i] = c.Clone()
	}
	if err := s.repo.SaveConversations(ctx, s.sessionID, snapshot); err != nil {
		log.Errorw("保存会话列表失败", "sessionId", s.sessionID, "error", err)
		return
	}
	var currentID *int64
	if s.current != nil {
		id := s.current.ID
		currentID = &id
	}
	if err := s.repo.SaveCurrentID(ctx, s.sessionID, currentID); err != nil {
		log.Errorw("保存当前会话 ID 失败", "sessionId", s.sessionID, "error", err)
	}
}

// Load 从持久化存储恢复会话列表和当前会话，返回是否恢复到非空列表。
// 任何读取或解析失败都只记录日志并返回 false，内存状态保持不变。
func (s *ConversationStore) Load(ctx context.Context) bool {
	convs, err := s.repo.LoadConversations(ctx, s.sessionID)
	if err != nil {
		log.Errorw("加载会话列表失败", "sessionId", s.sessionID, "error", err)
		return false
	}
	if len(convs) == 0 {
		return false
	}
	currentID, hasCurrent, err := s.repo.LoadCurrentID(ctx, s.sessionID)
	if err != nil {
		log.Warnw("加载当前会话 ID 失败，回退到第一个会话", "sessionId", s.sessionID, "error", err)
		hasCurrent = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make([]*model.Conversation, len(convs))
	for i := range convs {
		conv := convs[i]
		s.conversations[i] = &conv
		if conv.ID > s.lastID {
			s.lastID = conv.ID
		}
	}
	s.current = s.conversations[0]
	if hasCurrent {
		if conv := s.findLocked(currentID); conv != nil {
			s.current = conv
		}
	}
	s.titleCounter = len(s.conversations) + 1
	s.emitLocked(model.EventStoreLoaded, s.current.ID)
	return true
}

// Get 返回指定会话的副本。
func (s *ConversationStore) Get(id int64) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(id)
	if conv == nil {
		return model.Conversation{}, false
	}
	return conv.Clone(), true
}

// Current 返回当前会话的副本。
func (s *ConversationStore) Current() (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.Conversation{}, false
	}
	return s.current.Clone(), true
}

// Snapshot 返回展示层渲染所需的完整只读视图。
func (s *ConversationStore) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := model.Snapshot{
		Conversations: make([]model.Conversation, len(s.conversations)),
		Processing:    s.processing,
	}
	for i, c := range s.conversations {
		snap.Conversations[i] = c.Clone()
	}
	if s.current != nil {
		id := s.current.ID
		snap.CurrentID = &id
	}
	if s.processing {
		id := s.pendingID
		snap.PendingConversationID = &id
	}
	return snap
}

// Processing 报告是否有发送正在进行。
func (s *ConversationStore) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// BeginSend 获取处理中标志，并返回本次发送的目标会话 ID。
// 没有当前会话时先新建一个。标志已被占用时返回 ErrProcessing。
func (s *ConversationStore) BeginSend(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	if s.processing {
		return 0, ErrProcessing
	}
	if s.current == nil {
		s.createLocked(ctx, "")
	}
	s.processing = true
	s.pendingID = s.current.ID
	s.emitLocked(model.EventSendStarted, s.pendingID)
	return s.pendingID, nil
}

// EndSend 释放处理中标志。
func (s *ConversationStore) EndSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing {
		return
	}
	id := s.pendingID
	s.processing = false
	s.pendingID = 0
	s.emitLocked(model.EventSendFinished, id)
}

// Subscribe 订阅 store 的变更通知。返回的 cancel 函数用于取消订阅。
// 订阅者消费过慢时事件会被丢弃，store 不会因此阻塞。
func (s *ConversationStore) Subscribe() (<-chan model.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan model.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close 关闭所有订阅。之后的发送请求返回 ErrSessionClosed，变更不再写入持久化存储。
func (s *ConversationStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// CloseIdle 与 Close 相同，但发送进行中时返回 ErrProcessing 且 store 保持打开。
func (s *ConversationStore) CloseIdle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return ErrProcessing
	}
	s.closeLocked()
	return nil
}

func (s *ConversationStore) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *ConversationStore) emitLocked(eventType model.EventType, conversationID int64) {
	evt := model.Event{
		Type:           eventType,
		SessionID:      s.sessionID,
		ConversationID: conversationID,
		At:             s.now(),
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(context.Background(), evt); err != nil {
			log.Warnw("发布会话事件失败", "type", evt.Type, "sessionId", s.sessionID, "error", err)
		}
	}
}

// nextID 以毫秒时间戳作为会话 ID，并保证单调递增，避免同一毫秒内创建导致冲突。
func (s *ConversationStore) nextID() int64 {
	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *ConversationStore) findLocked(id int64) *model.Conversation {
	if idx := s.indexLocked(id); idx >= 0 {
		return s.conversations[idx]
	}
	return nil
}

func (s *ConversationStore) indexLocked(id int64) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return text
}
