package service

import (
	"context"
	"errors"
	"quimicai-go/internal/model"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAskClient struct {
	mu        sync.Mutex
	answer    string
	err       error
	questions []string
	block     chan struct{}
	started   chan struct{}
}

func (f *fakeAskClient) Ask(ctx context.Context, question string) (string, error) {
	f.mu.Lock()
	f.questions = append(f.questions, question)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.answer, f.err
}

func openedStore(t *testing.T) (*ConversationStore, int64) {
	t.Helper()
	s, _ := newTestStore(t)
	s.Open(context.Background())
	cur, ok := s.Current()
	require.True(t, ok)
	return s, cur.ID
}

func TestSend_Fulfilled(t *testing.T) {
	s, id := openedStore(t)
	client := &fakeAskClient{answer: "Mezcla vinagre blanco con agua a partes iguales."}

	reply, err := NewChatService(client, time.Second).Send(context.Background(), s, "  What cleans glass?  ")
	require.NoError(t, err)
	assert.Equal(t, model.Message{Sender: model.SenderBot, Text: "Mezcla vinagre blanco con agua a partes iguales."}, reply)
	assert.Equal(t, []string{"What cleans glass?"}, client.questions)

	conv, _ := s.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.Message{Sender: model.SenderUser, Text: "What cleans glass?"}, conv.Messages[0])
	assert.Equal(t, "What cleans gla", conv.Title)
	assert.False(t, s.Processing())
}

func TestSend_MissingAnswerUsesFallback(t *testing.T) {
	s, id := openedStore(t)

	reply, err := NewChatService(&fakeAskClient{answer: "   "}, 0).Send(context.Background(), s, "hola")
	require.NoError(t, err)
	assert.Equal(t, NoAnswerText, reply.Text)

	conv, _ := s.Get(id)
	assert.Len(t, conv.Messages, 2)
}

func TestSend_RequestFailureAppendsConnectionError(t *testing.T) {
	s, id := openedStore(t)

	reply, err := NewChatService(&fakeAskClient{err: errors.New("connection refused")}, 0).Send(context.Background(), s, "hola")
	require.NoError(t, err)
	assert.Equal(t, model.SenderBot, reply.Sender)
	assert.Equal(t, ConnectionErrorText, reply.Text)

	conv, _ := s.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, ConnectionErrorText, conv.Messages[1].Text)
	assert.False(t, s.Processing())
}

func TestSend_PersistsAfterExchange(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	s.Open(ctx)

	_, err := NewChatService(&fakeAskClient{answer: "ok"}, 0).Send(ctx, s, "pregunta")
	require.NoError(t, err)

	persisted, err := repo.LoadConversations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Len(t, persisted[0].Messages, 2)
}

func TestSend_EmptyTextRejected(t *testing.T) {
	s, id := openedStore(t)
	client := &fakeAskClient{answer: "x"}

	_, err := NewChatService(client, 0).Send(context.Background(), s, " \t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, client.questions)

	conv, _ := s.Get(id)
	assert.Empty(t, conv.Messages)
}

func TestSend_SecondConcurrentSendRejected(t *testing.T) {
	s, id := openedStore(t)
	client := &fakeAskClient{answer: "primera", block: make(chan struct{}), started: make(chan struct{})}
	chat := NewChatService(client, 0)

	done := make(chan error, 1)
	go func() {
		_, err := chat.Send(context.Background(), s, "uno")
		done <- err
	}()
	<-client.started

	// 处理中时 snapshot 带有临时指示，但消息序列中只有用户消息
	snap := s.Snapshot()
	assert.True(t, snap.Processing)
	require.NotNil(t, snap.PendingConversationID)
	assert.Equal(t, id, *snap.PendingConversationID)

	_, err := chat.Send(context.Background(), s, "dos")
	assert.ErrorIs(t, err, ErrProcessing)

	conv, _ := s.Get(id)
	assert.Len(t, conv.Messages, 1)

	close(client.block)
	require.NoError(t, <-done)

	conv, _ = s.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "primera", conv.Messages[1].Text)
	assert.False(t, s.Processing())
}

func TestSend_TimeoutReleasesGate(t *testing.T) {
	s, id := openedStore(t)
	client := &fakeAskClient{block: make(chan struct{})}
	defer close(client.block)

	reply, err := NewChatService(client, 20*time.Millisecond).Send(context.Background(), s, "hola")
	require.NoError(t, err)
	assert.Equal(t, ConnectionErrorText, reply.Text)
	assert.False(t, s.Processing())

	conv, _ := s.Get(id)
	assert.Len(t, conv.Messages, 2)
}

func TestSend_CallerCancellationDoesNotAbortExchange(t *testing.T) {
	s, id := openedStore(t)
	client := &fakeAskClient{answer: "respuesta", block: make(chan struct{}), started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reply, err := NewChatService(client, 0).Send(ctx, s, "hola")
		assert.NoError(t, err)
		assert.Equal(t, "respuesta", reply.Text)
	}()
	<-client.started
	cancel()
	close(client.block)
	<-done

	conv, _ := s.Get(id)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "respuesta", conv.Messages[1].Text)
}

func TestSend_CreatesConversationWhenNoneCurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	s.Open(ctx)
	cur, _ := s.Current()
	require.NoError(t, s.DeleteConversation(ctx, cur.ID))
	_, ok := s.Current()
	require.False(t, ok)

	_, err := NewChatService(&fakeAskClient{answer: "ok"}, 0).Send(ctx, s, "hola")
	require.NoError(t, err)

	cur, ok = s.Current()
	require.True(t, ok)
	assert.Len(t, cur.Messages, 2)
	assert.Equal(t, "hola", cur.Title)
}

func TestSend_EmitsLifecycleEvents(t *testing.T) {
	s, _ := openedStore(t)
	events, cancel := s.Subscribe()
	defer cancel()

	_, err := NewChatService(&fakeAskClient{answer: "ok"}, 0).Send(context.Background(), s, "hola")
	require.NoError(t, err)

	var got []model.EventType
	for i := 0; i < 4; i++ {
		got = append(got, (<-events).Type)
	}
	assert.Equal(t, []model.EventType{
		model.EventSendStarted,
		model.EventMessageAppended,
		model.EventMessageAppended,
		model.EventSendFinished,
	}, got)
}
