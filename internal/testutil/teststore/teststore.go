// Package teststore holds behavior tests shared by every ConversationStore plugin.
package teststore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/model"
	"inbox-service/internal/plugin/store/gormstore"
	registrystore "inbox-service/internal/registry/store"
)

// Run exercises store against the ConversationStore contract. Every subtest uses
// fresh participant ids, so one store instance can serve the whole run.
func Run(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	t.Run("FirstSendCreatesConversation", func(t *testing.T) { testFirstSend(t, ctx, store) })
	t.Run("ConcurrentFirstSends", func(t *testing.T) { testConcurrentFirstSends(t, ctx, store) })
	t.Run("AccessByConversationID", func(t *testing.T) { testAccessByID(t, ctx, store) })
	t.Run("PaginationPartition", func(t *testing.T) { testPagination(t, ctx, store) })
	t.Run("CursorStableUnderAppends", func(t *testing.T) { testCursorStable(t, ctx, store) })
	t.Run("InvalidCursor", func(t *testing.T) { testInvalidCursor(t, ctx, store) })
	t.Run("MarkRead", func(t *testing.T) { testMarkRead(t, ctx, store) })
	t.Run("MarkReadAheadOfPosition", func(t *testing.T) { testMarkReadAhead(t, ctx, store) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, ctx, store) })
	t.Run("ListConversations", func(t *testing.T) { testListConversations(t, ctx, store) })
	t.Run("Eviction", func(t *testing.T) { testEviction(t, ctx, store) })
	if gs, ok := store.(*gormstore.Store); ok {
		t.Run("FrozenClockStillOrders", func(t *testing.T) { testFrozenClock(t, ctx, gs) })
	}
}

type parties struct {
	user     model.Principal
	business model.Principal
	pair     registrystore.Pair
}

func newParties() parties {
	u := model.Principal{ID: "user-" + uuid.NewString(), Role: model.RoleUser}
	b := model.Principal{ID: "biz-" + uuid.NewString(), Role: model.RoleBusiness}
	return parties{user: u, business: b, pair: registrystore.Pair{UserID: u.ID, BusinessID: b.ID}}
}

func sendToPair(t *testing.T, ctx context.Context, store registrystore.ConversationStore, p parties, from model.Principal, body string) *registrystore.AppendResult {
	t.Helper()
	pair := p.pair
	res, err := store.AppendMessage(ctx, registrystore.AppendMessageRequest{Pair: &pair, Sender: from, Body: body})
	require.NoError(t, err)
	return res
}

func send(t *testing.T, ctx context.Context, store registrystore.ConversationStore, convID uuid.UUID, from model.Principal, body string) *registrystore.AppendResult {
	t.Helper()
	res, err := store.AppendMessage(ctx, registrystore.AppendMessageRequest{ConversationID: &convID, Sender: from, Body: body})
	require.NoError(t, err)
	return res
}

func listAll(t *testing.T, ctx context.Context, store registrystore.ConversationStore, convID uuid.UUID, pageSize int) []model.Message {
	t.Helper()
	var all []model.Message
	var after *registrystore.Position
	for {
		page, err := store.ListMessages(ctx, convID, after, pageSize)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Messages), pageSize)
		all = append(all, page.Messages...)
		if page.Next == nil {
			return all
		}
		after = page.Next
	}
}

func requireAscending(t *testing.T, msgs []model.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		prev := registrystore.Position{At: msgs[i-1].CreatedAt, ID: msgs[i-1].ID}
		cur := registrystore.Position{At: msgs[i].CreatedAt, ID: msgs[i].ID}
		require.True(t, cur.After(prev), "message %d is not after message %d", i, i-1)
	}
}

func testFirstSend(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	res := sendToPair(t, ctx, store, p, p.user, "hello")
	assert.True(t, res.Created)
	assert.False(t, res.Replayed)
	assert.Equal(t, "hello", res.Message.Body)
	assert.Equal(t, model.RoleUser, res.Message.SenderRole)

	conv, err := store.GetConversation(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.BusinessUnreadCount)
	assert.Equal(t, int64(0), conv.UserUnreadCount)
	assert.True(t, conv.LastActivityAt.Equal(res.Message.CreatedAt))

	byPair, err := store.FindConversationByPair(ctx, p.pair)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, byPair.ID)

	reply := sendToPair(t, ctx, store, p, p.business, "hi there")
	assert.False(t, reply.Created)
	assert.Equal(t, conv.ID, reply.Conversation.ID)
	assert.Equal(t, int64(1), reply.Conversation.UserUnreadCount)
	assert.Equal(t, int64(1), reply.Conversation.BusinessUnreadCount)
}

func testConcurrentFirstSends(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	senders := []model.Principal{p.user, p.business, p.user, p.business}

	var wg sync.WaitGroup
	results := make([]*registrystore.AppendResult, len(senders))
	errs := make([]error, len(senders))
	for i, sender := range senders {
		wg.Add(1)
		go func(i int, sender model.Principal) {
			defer wg.Done()
			pair := p.pair
			results[i], errs[i] = store.AppendMessage(ctx, registrystore.AppendMessageRequest{Pair: &pair, Sender: sender, Body: "race"})
		}(i, sender)
	}
	wg.Wait()

	created := 0
	for i := range senders {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Conversation.ID, results[i].Conversation.ID)
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	msgs := listAll(t, ctx, store, results[0].Conversation.ID, 100)
	assert.Len(t, msgs, len(senders))
	requireAscending(t, msgs)

	conv, err := store.GetConversation(ctx, results[0].Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.UserUnreadCount)
	assert.Equal(t, int64(2), conv.BusinessUnreadCount)
}

func testAccessByID(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	res := sendToPair(t, ctx, store, p, p.user, "first")
	convID := res.Conversation.ID

	stranger := model.Principal{ID: "user-" + uuid.NewString(), Role: model.RoleUser}
	_, err := store.AppendMessage(ctx, registrystore.AppendMessageRequest{ConversationID: &convID, Sender: stranger, Body: "let me in"})
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	// Right id, wrong role.
	impostor := model.Principal{ID: p.user.ID, Role: model.RoleBusiness}
	_, err = store.AppendMessage(ctx, registrystore.AppendMessageRequest{ConversationID: &convID, Sender: impostor, Body: "x"})
	require.ErrorAs(t, err, &forbidden)

	unknown := uuid.New()
	_, err = store.AppendMessage(ctx, registrystore.AppendMessageRequest{ConversationID: &unknown, Sender: p.user, Body: "x"})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = store.GetConversation(ctx, unknown)
	require.ErrorAs(t, err, &notFound)

	msgs := listAll(t, ctx, store, convID, 10)
	assert.Len(t, msgs, 1)
}

func testPagination(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	first := sendToPair(t, ctx, store, p, p.user, "m0")
	convID := first.Conversation.ID
	want := []uuid.UUID{first.Message.ID}
	for i := 1; i < 10; i++ {
		from := p.user
		if i%2 == 0 {
			from = p.business
		}
		want = append(want, send(t, ctx, store, convID, from, "m").Message.ID)
	}

	for _, size := range []int{1, 3, 4, 10, 100} {
		msgs := listAll(t, ctx, store, convID, size)
		requireAscending(t, msgs)
		got := make([]uuid.UUID, len(msgs))
		for i, m := range msgs {
			got[i] = m.ID
		}
		assert.Equal(t, want, got, "page size %d", size)
	}

	// A full last page has no next cursor.
	page, err := store.ListMessages(ctx, convID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 10)
	assert.Nil(t, page.Next)
}

func testCursorStable(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	convID := sendToPair(t, ctx, store, p, p.user, "a").Conversation.ID
	send(t, ctx, store, convID, p.business, "b")
	send(t, ctx, store, convID, p.user, "c")

	page1, err := store.ListMessages(ctx, convID, nil, 2)
	require.NoError(t, err)
	require.NotNil(t, page1.Next)
	token := registrystore.EncodeCursor(*page1.Next)

	send(t, ctx, store, convID, p.business, "d")
	send(t, ctx, store, convID, p.user, "e")

	after, err := registrystore.ParseCursor(token)
	require.NoError(t, err)
	page2, err := store.ListMessages(ctx, convID, after, 10)
	require.NoError(t, err)
	bodies := []string{}
	for _, m := range page2.Messages {
		bodies = append(bodies, m.Body)
	}
	assert.Equal(t, []string{"c", "d", "e"}, bodies)
	assert.Nil(t, page2.Next)
}

func testInvalidCursor(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	res := sendToPair(t, ctx, store, p, p.user, "a")
	convID := res.Conversation.ID

	var invalid *registrystore.InvalidCursorError
	_, err := store.ListMessages(ctx, convID, &registrystore.Position{At: time.Now().UTC(), ID: uuid.New()}, 10)
	require.ErrorAs(t, err, &invalid)

	wrongTime := registrystore.Position{At: res.Message.CreatedAt.Add(time.Second), ID: res.Message.ID}
	_, err = store.ListMessages(ctx, convID, &wrongTime, 10)
	require.ErrorAs(t, err, &invalid)

	// A cursor from another conversation does not resolve here.
	other := newParties()
	otherMsg := sendToPair(t, ctx, store, other, other.user, "z").Message
	_, err = store.ListMessages(ctx, convID, &registrystore.Position{At: otherMsg.CreatedAt, ID: otherMsg.ID}, 10)
	require.ErrorAs(t, err, &invalid)
}

func testMarkRead(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	convID := sendToPair(t, ctx, store, p, p.user, "u1").Conversation.ID
	send(t, ctx, store, convID, p.business, "b1")
	send(t, ctx, store, convID, p.user, "u2")
	send(t, ctx, store, convID, p.user, "u3")

	msgs := listAll(t, ctx, store, convID, 10)
	require.Len(t, msgs, 4)
	pos := func(i int) registrystore.Position {
		return registrystore.Position{At: msgs[i].CreatedAt, ID: msgs[i].ID}
	}

	// Business has three unseen messages from the user; its own reply does not count.
	res, err := store.MarkRead(ctx, convID, p.business, nil, pos(1))
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, int64(2), res.UnreadCount)

	// Moving backwards is a no-op.
	res, err = store.MarkRead(ctx, convID, p.business, nil, pos(0))
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, int64(2), res.UnreadCount)
	require.NotNil(t, res.Position)
	assert.Equal(t, msgs[1].ID, res.Position.ID)

	res, err = store.MarkRead(ctx, convID, p.business, nil, pos(3))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.UnreadCount)

	// Reading again never goes negative.
	res, err = store.MarkRead(ctx, convID, p.business, nil, pos(3))
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, int64(0), res.UnreadCount)

	res, err = store.MarkRead(ctx, convID, p.user, nil, pos(3))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.UnreadCount)

	conv, err := store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conv.UserUnreadCount)
	assert.Equal(t, int64(0), conv.BusinessUnreadCount)

	stranger := model.Principal{ID: "biz-" + uuid.NewString(), Role: model.RoleBusiness}
	_, err = store.MarkRead(ctx, convID, stranger, nil, pos(3))
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

// A page served from a cursor past unseen messages lowers the unread count by
// what it served and leaves the skipped messages unread.
func testMarkReadAhead(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	convID := sendToPair(t, ctx, store, p, p.user, "u0").Conversation.ID
	for _, body := range []string{"u1", "u2", "u3", "u4", "u5"} {
		send(t, ctx, store, convID, p.user, body)
	}
	msgs := listAll(t, ctx, store, convID, 10)
	require.Len(t, msgs, 6)
	pos := func(i int) registrystore.Position {
		return registrystore.Position{At: msgs[i].CreatedAt, ID: msgs[i].ID}
	}
	at := func(i int) *registrystore.Position {
		q := pos(i)
		return &q
	}

	res, err := store.MarkRead(ctx, convID, p.business, at(1), pos(3))
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, int64(4), res.UnreadCount)
	assert.Nil(t, res.Position, "read position does not jump over unseen messages")

	// Serving the same range again counts nothing.
	res, err = store.MarkRead(ctx, convID, p.business, at(1), pos(3))
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, int64(4), res.UnreadCount)

	// A second range separated by an unseen message is not counted.
	res, err = store.MarkRead(ctx, convID, p.business, at(4), pos(5))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.UnreadCount)

	// Reading the skipped prefix joins the earlier range without counting it twice.
	res, err = store.MarkRead(ctx, convID, p.business, nil, pos(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.UnreadCount)
	require.NotNil(t, res.Position)
	assert.Equal(t, msgs[3].ID, res.Position.ID)

	res, err = store.MarkRead(ctx, convID, p.business, nil, pos(5))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.UnreadCount)

	conv, err := store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conv.BusinessUnreadCount)
}

func testIdempotency(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	key := uuid.NewString()
	pair := p.pair
	req := registrystore.AppendMessageRequest{Pair: &pair, Sender: p.user, Body: "once", IdempotencyKey: &key}

	first, err := store.AppendMessage(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := store.AppendMessage(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	conv, err := store.GetConversation(ctx, first.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.BusinessUnreadCount)
	assert.Len(t, listAll(t, ctx, store, conv.ID, 10), 1)

	changed := req
	changed.Body = "twice"
	_, err = store.AppendMessage(ctx, changed)
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)

	// The same key from the other participant is a different message.
	bizReq := registrystore.AppendMessageRequest{Pair: &pair, Sender: p.business, Body: "reply", IdempotencyKey: &key}
	reply, err := store.AppendMessage(ctx, bizReq)
	require.NoError(t, err)
	assert.False(t, reply.Replayed)
}

func testListConversations(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	user := model.Principal{ID: "user-" + uuid.NewString(), Role: model.RoleUser}
	var convIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		biz := model.Principal{ID: "biz-" + uuid.NewString(), Role: model.RoleBusiness}
		p := parties{user: user, business: biz, pair: registrystore.Pair{UserID: user.ID, BusinessID: biz.ID}}
		convIDs = append(convIDs, sendToPair(t, ctx, store, p, biz, "promo").Conversation.ID)
	}
	// Touch the first conversation so it becomes the most recent.
	send(t, ctx, store, convIDs[0], user, "reply")

	var got []registrystore.ConversationSummary
	var after *registrystore.Position
	for {
		page, err := store.ListConversations(ctx, user, after, 2)
		require.NoError(t, err)
		got = append(got, page.Conversations...)
		if page.Next == nil {
			break
		}
		after = page.Next
	}
	require.Len(t, got, 3)
	assert.Equal(t, convIDs[0], got[0].ID)
	assert.Equal(t, int64(1), got[0].UnreadCount, "replying does not mark the business message read")
	for _, s := range got {
		assert.Equal(t, user.ID, s.UserID)
		assert.Equal(t, s.BusinessID, s.CounterpartID)
	}
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].LastActivityAt.After(got[i-1].LastActivityAt))
	}
}

func testEviction(t *testing.T, ctx context.Context, store registrystore.ConversationStore) {
	p := newParties()
	res := sendToPair(t, ctx, store, p, p.user, "old news")
	convID := res.Conversation.ID
	_, err := store.MarkRead(ctx, convID, p.business, nil, registrystore.Position{At: res.Message.CreatedAt, ID: res.Message.ID})
	require.NoError(t, err)

	ids, err := store.FindEvictableConversationIDs(ctx, time.Now().Add(time.Hour), 10000)
	require.NoError(t, err)
	assert.Contains(t, ids, convID)

	ids, err = store.FindEvictableConversationIDs(ctx, res.Message.CreatedAt.Add(-time.Hour), 10000)
	require.NoError(t, err)
	assert.NotContains(t, ids, convID)

	require.NoError(t, store.DeleteConversations(ctx, []uuid.UUID{convID}))
	_, err = store.GetConversation(ctx, convID)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
	_, err = store.GetMessage(ctx, convID, res.Message.ID)
	require.ErrorAs(t, err, &notFound)

	// The pair can start over.
	again := sendToPair(t, ctx, store, p, p.user, "hello again")
	assert.True(t, again.Created)
	assert.NotEqual(t, convID, again.Conversation.ID)
}

func testFrozenClock(t *testing.T, ctx context.Context, gs *gormstore.Store) {
	frozen := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	store := gormstore.New(gs.DB(), gormstore.Options{Now: func() time.Time { return frozen }})

	p := newParties()
	convID := sendToPair(t, ctx, store, p, p.user, "1").Conversation.ID
	for i := 0; i < 4; i++ {
		send(t, ctx, store, convID, p.business, "n")
	}
	msgs := listAll(t, ctx, store, convID, 2)
	require.Len(t, msgs, 5)
	requireAscending(t, msgs)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}

	require.NoError(t, store.DeleteConversations(ctx, []uuid.UUID{convID}))
}
