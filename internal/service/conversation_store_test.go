package service

import (
	"context"
	"errors"
	"math/rand"
	"quimicai-go/internal/model"
	"quimicai-go/internal/repository"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// failingKV 模拟存储不可用。
type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, error) { return "", errors.New("storage down") }
func (failingKV) Set(context.Context, string, string) error   { return errors.New("quota exceeded") }
func (failingKV) Delete(context.Context, string) error        { return errors.New("storage down") }

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func newTestStore(t *testing.T, opts ...StoreOption) (*ConversationStore, repository.ConversationRepository) {
	t.Helper()
	repo := repository.NewConversationRepository(repository.NewMemoryKV(), "test")
	opts = append([]StoreOption{WithClock(fixedClock)}, opts...)
	return NewConversationStore("s1", repo, opts...), repo
}

// assertIntegrity 检查 current 为空或指向列表中的元素。
func assertIntegrity(t *testing.T, s *ConversationStore) {
	t.Helper()
	snap := s.Snapshot()
	if len(snap.Conversations) == 0 {
		assert.Nil(t, snap.CurrentID)
		return
	}
	if snap.CurrentID == nil {
		return
	}
	found := false
	for _, c := range snap.Conversations {
		if c.ID == *snap.CurrentID {
			found = true
		}
	}
	assert.True(t, found, "current id %d not in conversations", *snap.CurrentID)
}

func TestOpen_SeedsDefaultConversation(t *testing.T) {
	s, repo := newTestStore(t)
	s.Open(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, InitialConversationTitle, snap.Conversations[0].Title)
	assert.Empty(t, snap.Conversations[0].Messages)
	require.NotNil(t, snap.CurrentID)
	assert.Equal(t, snap.Conversations[0].ID, *snap.CurrentID)

	persisted, err := repo.LoadConversations(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestOpen_RestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	s.Open(ctx)
	s.CreateConversation(ctx, "segunda")

	restored := NewConversationStore("s1", repo)
	restored.Open(ctx)
	assert.Equal(t, s.Snapshot(), restored.Snapshot())
}

func TestCreateConversation_InsertsAtFrontAndSelects(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first := s.CreateConversation(ctx, "")
	second := s.CreateConversation(ctx, "  Lejía  ")

	assert.Equal(t, "Conversación 1", first.Title)
	assert.Equal(t, "Lejía", second.Title)
	assert.Greater(t, second.ID, first.ID)

	snap := s.Snapshot()
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, second.ID, snap.Conversations[0].ID)
	assert.Equal(t, second.ID, *snap.CurrentID)
}

func TestCreateConversation_UniqueIDsWithinSameMillisecond(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		c := s.CreateConversation(ctx, "")
		assert.False(t, seen[c.ID], "duplicate id %d", c.ID)
		seen[c.ID] = true
	}
}

func TestSelectConversation(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	a := s.CreateConversation(ctx, "a")
	s.CreateConversation(ctx, "b")

	require.NoError(t, s.SelectConversation(ctx, a.ID))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, a.ID, cur.ID)

	id, ok, err := repo.LoadCurrentID(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, id)

	// 不存在的 id 为 no-op
	require.NoError(t, s.SelectConversation(ctx, 999))
	cur, _ = s.Current()
	assert.Equal(t, a.ID, cur.ID)
}

func TestRenameConversation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.CreateConversation(ctx, "original")

	s.RenameConversation(ctx, c.ID, "   ")
	got, _ := s.Get(c.ID)
	assert.Equal(t, "original", got.Title)

	s.RenameConversation(ctx, c.ID, " Amoníaco ")
	got, _ = s.Get(c.ID)
	assert.Equal(t, "Amoníaco", got.Title)

	// 不存在的 id 不应 panic
	s.RenameConversation(ctx, 12345, "x")
}

func TestDeleteConversation_CurrentReassignedToFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := s.CreateConversation(ctx, "a")
	b := s.CreateConversation(ctx, "b")
	c := s.CreateConversation(ctx, "c")

	require.NoError(t, s.DeleteConversation(ctx, c.ID))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, b.ID, cur.ID)

	require.NoError(t, s.DeleteConversation(ctx, b.ID))
	cur, _ = s.Current()
	assert.Equal(t, a.ID, cur.ID)

	require.NoError(t, s.DeleteConversation(ctx, a.ID))
	_, ok = s.Current()
	assert.False(t, ok)
	assert.Empty(t, s.Snapshot().Conversations)
	assertIntegrity(t, s)
}

func TestDeleteConversation_NonCurrentLeavesCurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := s.CreateConversation(ctx, "a")
	b := s.CreateConversation(ctx, "b")

	require.NoError(t, s.DeleteConversation(ctx, a.ID))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, b.ID, cur.ID)

	// 不存在的 id 为 no-op
	require.NoError(t, s.DeleteConversation(ctx, a.ID))
	assert.Len(t, s.Snapshot().Conversations, 1)
}

func TestAppendMessage_DerivesTitleFromFirstUserMessage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.CreateConversation(ctx, "")

	_, err := s.AppendMessage(c.ID, model.SenderUser, "What cleans glass?")
	require.NoError(t, err)

	got, _ := s.Get(c.ID)
	assert.Equal(t, "What cleans gla", got.Title)
	assert.Len(t, got.Messages, 1)

	_, err = s.AppendMessage(c.ID, model.SenderUser, "And what about mirrors?")
	require.NoError(t, err)
	got, _ = s.Get(c.ID)
	assert.Equal(t, "What cleans gla", got.Title)
	assert.Len(t, got.Messages, 2)
}

func TestAppendMessage_TitleCountsCharactersNotBytes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.CreateConversation(ctx, "")

	_, err := s.AppendMessage(c.ID, model.SenderUser, "¿Qué pasa si mezclo lejía con vinagre?")
	require.NoError(t, err)
	got, _ := s.Get(c.ID)
	assert.Equal(t, "¿Qué pasa si me", got.Title)
	assert.Equal(t, 15, len([]rune(got.Title)))
}

func TestAppendMessage_ShortTextKeptWhole(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.CreateConversation(ctx, "")

	_, err := s.AppendMessage(c.ID, model.SenderUser, "Hola")
	require.NoError(t, err)
	got, _ := s.Get(c.ID)
	assert.Equal(t, "Hola", got.Title)
}

func TestAppendMessage_BotFirstMessageKeepsTitle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.CreateConversation(ctx, "Bienvenida")

	_, err := s.AppendMessage(c.ID, model.SenderBot, "Hola, soy QuimicAI")
	require.NoError(t, err)
	_, err = s.AppendMessage(c.ID, model.SenderUser, "gracias")
	require.NoError(t, err)

	got, _ := s.Get(c.ID)
	assert.Equal(t, "Bienvenida", got.Title)
}

func TestAppendMessage_RenameAfterDerivationSticks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.CreateConversation(ctx, "")

	_, _ = s.AppendMessage(c.ID, model.SenderUser, "primera pregunta larga")
	s.RenameConversation(ctx, c.ID, "Mi título")
	_, _ = s.AppendMessage(c.ID, model.SenderUser, "segunda")

	got, _ := s.Get(c.ID)
	assert.Equal(t, "Mi título", got.Title)
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AppendMessage(42, model.SenderUser, "hola")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	c := s.CreateConversation(ctx, "")
	_, _ = s.AppendMessage(c.ID, model.SenderUser, "uno")

	// 越界为 no-op
	require.NoError(t, s.DeleteMessage(ctx, c.ID, 5))
	require.NoError(t, s.DeleteMessage(ctx, c.ID, -1))
	require.NoError(t, s.DeleteMessage(ctx, 999, 0))
	got, _ := s.Get(c.ID)
	assert.Len(t, got.Messages, 1)

	_, _ = s.AppendMessage(c.ID, model.SenderBot, "dos")
	require.NoError(t, s.DeleteMessage(ctx, c.ID, 0))
	got, _ = s.Get(c.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "dos", got.Messages[0].Text)

	persisted, err := repo.LoadConversations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Len(t, persisted[0].Messages, 1)
}

func TestProcessingGate_BlocksDestructiveOperations(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := s.CreateConversation(ctx, "a")
	b := s.CreateConversation(ctx, "b")
	_, _ = s.AppendMessage(b.ID, model.SenderUser, "hola")

	pending, err := s.BeginSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, pending)

	_, err = s.BeginSend(ctx)
	assert.ErrorIs(t, err, ErrProcessing)
	assert.ErrorIs(t, s.SelectConversation(ctx, a.ID), ErrProcessing)
	assert.ErrorIs(t, s.DeleteConversation(ctx, b.ID), ErrProcessing)
	assert.ErrorIs(t, s.DeleteMessage(ctx, b.ID, 0), ErrProcessing)

	snap := s.Snapshot()
	assert.True(t, snap.Processing)
	require.NotNil(t, snap.PendingConversationID)
	assert.Equal(t, b.ID, *snap.PendingConversationID)

	s.EndSend()
	assert.False(t, s.Processing())
	assert.Nil(t, s.Snapshot().PendingConversationID)
	assert.NoError(t, s.SelectConversation(ctx, a.ID))
}

func TestBeginSend_CreatesConversationWhenNoneCurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.BeginSend(ctx)
	require.NoError(t, err)
	defer s.EndSend()

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, id, cur.ID)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	a := s.CreateConversation(ctx, "")
	_, _ = s.AppendMessage(a.ID, model.SenderUser, "¿Es tóxico el bicarbonato?")
	_, _ = s.AppendMessage(a.ID, model.SenderBot, "No en cantidades domésticas.")
	s.CreateConversation(ctx, "vacía")
	require.NoError(t, s.SelectConversation(ctx, a.ID))
	s.Save(ctx)

	fresh := NewConversationStore("s1", repo)
	require.True(t, fresh.Load(ctx))
	assert.Equal(t, s.Snapshot(), fresh.Snapshot())

	// 新建的会话 id 仍然单调递增
	next := fresh.CreateConversation(ctx, "")
	assert.Greater(t, next.ID, a.ID)
}

func TestLoad_EmptyOrMissingReturnsFalse(t *testing.T) {
	ctx := context.Background()
	kv := repository.NewMemoryKV()
	repo := repository.NewConversationRepository(kv, "")

	s := NewConversationStore("s1", repo)
	assert.False(t, s.Load(ctx))

	require.NoError(t, kv.Set(ctx, "session:s1:conversations", "[]"))
	assert.False(t, s.Load(ctx))
	assert.Empty(t, s.Snapshot().Conversations)
}

func TestLoad_CorruptDataLeavesStateEmpty(t *testing.T) {
	ctx := context.Background()
	kv := repository.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "session:s1:conversations", "{broken"))
	s := NewConversationStore("s1", repository.NewConversationRepository(kv, ""))

	assert.False(t, s.Load(ctx))
	assert.Empty(t, s.Snapshot().Conversations)

	// Open 在加载失败后写入默认会话
	s.Open(ctx)
	assert.Len(t, s.Snapshot().Conversations, 1)
}

func TestLoad_UnknownCurrentIDFallsBackToFirst(t *testing.T) {
	ctx := context.Background()
	kv := repository.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "session:s1:conversations", `[{"id":2,"title":"b","messages":[]},{"id":1,"title":"a","messages":[]}]`))
	require.NoError(t, kv.Set(ctx, "session:s1:current_id", "77"))
	s := NewConversationStore("s1", repository.NewConversationRepository(kv, ""))

	require.True(t, s.Load(ctx))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, int64(2), cur.ID)

	require.NoError(t, kv.Set(ctx, "session:s1:current_id", "1"))
	require.True(t, s.Load(ctx))
	cur, _ = s.Current()
	assert.Equal(t, int64(1), cur.ID)
}

func TestStorageFailuresNeverAbortOperations(t *testing.T) {
	ctx := context.Background()
	s := NewConversationStore("s1", repository.NewConversationRepository(failingKV{}, ""), WithClock(fixedClock))

	s.Open(ctx)
	require.Len(t, s.Snapshot().Conversations, 1)

	c := s.CreateConversation(ctx, "")
	_, err := s.AppendMessage(c.ID, model.SenderUser, "hola")
	require.NoError(t, err)
	s.RenameConversation(ctx, c.ID, "renombrada")
	require.NoError(t, s.DeleteMessage(ctx, c.ID, 0))
	require.NoError(t, s.DeleteConversation(ctx, c.ID))
	s.Save(ctx)
	assert.False(t, s.Load(ctx))

	assert.Len(t, s.Snapshot().Conversations, 1)
	assertIntegrity(t, s)
}

func TestReferentialIntegrity_RandomOperations(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		snap := s.Snapshot()
		pick := func() int64 {
			if len(snap.Conversations) == 0 || rng.Intn(5) == 0 {
				return rng.Int63n(1000)
			}
			return snap.Conversations[rng.Intn(len(snap.Conversations))].ID
		}
		switch rng.Intn(3) {
		case 0:
			s.CreateConversation(ctx, "")
		case 1:
			require.NoError(t, s.SelectConversation(ctx, pick()))
		case 2:
			require.NoError(t, s.DeleteConversation(ctx, pick()))
		}
		assertIntegrity(t, s)
	}
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s, _ := newTestStore(t, WithPublisher(pub))

	events, cancel := s.Subscribe()
	c := s.CreateConversation(ctx, "")
	_, _ = s.AppendMessage(c.ID, model.SenderUser, "hola")

	evt := <-events
	assert.Equal(t, model.EventConversationCreated, evt.Type)
	assert.Equal(t, "s1", evt.SessionID)
	assert.Equal(t, c.ID, evt.ConversationID)
	assert.Equal(t, fixedNow, evt.At)

	evt = <-events
	assert.Equal(t, model.EventMessageAppended, evt.Type)

	assert.Equal(t, []model.EventType{model.EventConversationCreated, model.EventMessageAppended}, pub.types())

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestSubscribe_SlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			s.CreateConversation(ctx, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("store blocked on a slow subscriber")
	}
}

func TestClose_ClosesSubscriptionsAndRejectsSends(t *testing.T) {
	s, _ := newTestStore(t)
	events, _ := s.Subscribe()

	s.Close()
	_, open := <-events
	assert.False(t, open)

	_, err := s.BeginSend(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)

	late, cancel := s.Subscribe()
	defer cancel()
	_, open = <-late
	assert.False(t, open)
}

func TestCloseIdle_RejectedWhileSending(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.Open(ctx)

	_, err := s.BeginSend(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, s.CloseIdle(), ErrProcessing)

	// 仍然打开：订阅照常工作
	events, cancel := s.Subscribe()
	defer cancel()
	s.EndSend()
	assert.Equal(t, model.EventSendFinished, (<-events).Type)

	require.NoError(t, s.CloseIdle())
	_, err = s.BeginSend(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestClose_StopsPersisting(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	s.Open(ctx)
	s.Close()

	s.CreateConversation(ctx, "tardía")

	persisted, err := repo.LoadConversations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, InitialConversationTitle, persisted[0].Title)
}
