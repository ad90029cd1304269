package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/model"
	_ "inbox-service/internal/plugin/route/conversations"
	_ "inbox-service/internal/plugin/route/messages"
	"inbox-service/internal/testutil/testapi"
)

func startServer(t *testing.T) string {
	t.Helper()
	api := testapi.New(t, nil)
	srv := httptest.NewServer(api.Router)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := startServer(t)
	alice := New(base, "alice", WithRole("user"))
	acme := New(base, "acme", WithRole("business"))

	sent, err := alice.SendMessage(ctx, "pair:alice:acme", SendMessage{Text: "hello", IdempotencyKey: "0b6f7a1e-5a43-4c3e-8a77-1b1d1e0c9f10"})
	require.NoError(t, err)
	assert.False(t, sent.Replayed)
	assert.Equal(t, "hello", sent.Message.Body)

	again, err := alice.SendMessage(ctx, "pair:alice:acme", SendMessage{Text: "hello", IdempotencyKey: "0b6f7a1e-5a43-4c3e-8a77-1b1d1e0c9f10"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, sent.Message.ID, again.Message.ID)

	summary, err := acme.GetConversation(ctx, "pair:alice:acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.UnreadCount)

	convs, err := acme.ListConversations(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, convs.Conversations, 1)

	page, err := acme.ListMessages(ctx, sent.Message.ConversationID.String(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(0), page.UnreadCount)

	state, err := acme.MarkRead(ctx, sent.Message.ConversationID.String(), sent.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.UnreadCount)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	base := startServer(t)

	sent, err := New(base, "alice", WithRole("user")).SendMessage(ctx, "pair:alice:acme", SendMessage{Text: "hi"})
	require.NoError(t, err)

	_, err = New(base, "mallory", WithRole("user")).ListMessages(ctx, sent.Message.ConversationID.String(), "", 10)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	_, err = New(base, "alice", WithRole("user")).ListMessages(ctx, sent.Message.ConversationID.String(), "garbage", 10)
	assert.True(t, IsInvalidCursor(err))

	_, err = New(base, "", WithRole("user")).ListConversations(ctx, "", 0)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

type collector struct {
	mu       sync.Mutex
	messages []model.Message
	notify   chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 16)}
}

func (c *collector) handle(_ context.Context, msgs []model.Message) error {
	c.mu.Lock()
	c.messages = append(c.messages, msgs...)
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *collector) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Body
	}
	return out
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}
}

func TestPollerDeliversNewMessagesOnTrigger(t *testing.T) {
	base := startServer(t)
	alice := New(base, "alice", WithRole("user"))
	acme := New(base, "acme", WithRole("business"))

	sent, err := alice.SendMessage(context.Background(), "pair:alice:acme", SendMessage{Text: "first"})
	require.NoError(t, err)

	col := newCollector()
	poller := NewPoller(acme, sent.Message.ConversationID.String(), time.Hour, col.handle)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	col.wait(t)
	assert.Equal(t, []string{"first"}, col.bodies())

	_, err = alice.SendMessage(context.Background(), sent.Message.ConversationID.String(), SendMessage{Text: "second"})
	require.NoError(t, err)
	poller.Trigger()
	col.wait(t)
	assert.Equal(t, []string{"first", "second"}, col.bodies())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

func TestPollResetsInvalidCursor(t *testing.T) {
	base := startServer(t)
	alice := New(base, "alice", WithRole("user"))
	sent, err := alice.SendMessage(context.Background(), "pair:alice:acme", SendMessage{Text: "only"})
	require.NoError(t, err)

	col := newCollector()
	poller := NewPoller(New(base, "acme", WithRole("business")), sent.Message.ConversationID.String(), time.Hour, col.handle)
	poller.SetCursor("not-a-cursor")

	require.NoError(t, poller.Poll(context.Background()))
	assert.Equal(t, []string{"only"}, col.bodies())
	assert.NotEmpty(t, poller.Cursor())
	assert.NotEqual(t, "not-a-cursor", poller.Cursor())

	require.NoError(t, poller.Poll(context.Background()))
	assert.Equal(t, []string{"only"}, col.bodies(), "an unchanged conversation delivers nothing new")
}

func TestPollKeepsCursorWhenHandlerFails(t *testing.T) {
	base := startServer(t)
	alice := New(base, "alice", WithRole("user"))
	sent, err := alice.SendMessage(context.Background(), "pair:alice:acme", SendMessage{Text: "x"})
	require.NoError(t, err)

	boom := errors.New("boom")
	poller := NewPoller(New(base, "acme", WithRole("business")), sent.Message.ConversationID.String(), time.Hour,
		func(context.Context, []model.Message) error { return boom })
	assert.ErrorIs(t, poller.Poll(context.Background()), boom)
	assert.Empty(t, poller.Cursor())
}
