package service

import (
	"context"
	"quimicai-go/internal/repository"
	"quimicai-go/pkg/log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SessionManager 持有每个浏览器会话对应的 ConversationStore。
// store 在会话首次访问时从存储恢复，在会话关闭或进程退出时释放。
type SessionManager struct {
	mu     sync.Mutex
	repo   repository.ConversationRepository
	opts   []StoreOption
	stores map[string]*ConversationStore
	closed bool
	// opening 合并同一会话的并发加载，加载期间不持有 mu
	opening singleflight.Group
}

// NewSessionManager 创建一个新的 SessionManager。opts 会应用到每个新建的 store。
func NewSessionManager(repo repository.ConversationRepository, opts ...StoreOption) *SessionManager {
	return &SessionManager{
		repo:   repo,
		opts:   opts,
		stores: make(map[string]*ConversationStore),
	}
}

// NewSessionID 生成一个新的会话标识。
func (m *SessionManager) NewSessionID() string {
	return uuid.NewString()
}

// Open 返回会话对应的 store，不存在时创建并从持久化存储恢复。
// 存储读写在 mu 之外进行，慢会话不会阻塞其他会话。
func (m *SessionManager) Open(ctx context.Context, sessionID string) (*ConversationStore, error) {
	if store, ok, err := m.lookup(sessionID); ok || err != nil {
		return store, err
	}
	v, err, _ := m.opening.Do(sessionID, func() (interface{}, error) {
		// 上一轮加载可能刚刚完成
		if store, ok, err := m.lookup(sessionID); ok || err != nil {
			return store, err
		}
		store := NewConversationStore(sessionID, m.repo, m.opts...)
		store.Open(context.WithoutCancel(ctx))

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			store.Close()
			return nil, ErrSessionClosed
		}
		m.stores[sessionID] = store
		log.Infow("会话已打开", "sessionId", sessionID, "conversations", len(store.Snapshot().Conversations))
		return store, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ConversationStore), nil
}

// lookup 在 mu 内检查已打开的 store；ok 为 false 且 err 为 nil 时需要加载。
func (m *SessionManager) lookup(sessionID string) (*ConversationStore, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrSessionClosed
	}
	store, ok := m.stores[sessionID]
	return store, ok, nil
}

// Close 释放会话的内存状态，持久化数据保留。
// 发送进行中时返回 ErrProcessing，store 保持打开，避免同一会话出现第二个 store。
func (m *SessionManager) Close(sessionID string) error {
	m.mu.Lock()
	store, ok := m.stores[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if err := store.CloseIdle(); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.stores, sessionID)
	m.mu.Unlock()
	log.Infow("会话已关闭", "sessionId", sessionID)
	return nil
}

// Active 返回当前持有的会话数量。
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stores)
}

// Shutdown 保存并关闭所有会话，之后的 Open 返回 ErrSessionClosed。
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	stores := m.stores
	m.stores = make(map[string]*ConversationStore)
	m.closed = true
	m.mu.Unlock()

	for _, store := range stores {
		store.Save(ctx)
		store.Close()
	}
	log.Infof("已关闭 %d 个会话", len(stores))
}
