package service_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/access"
	"inbox-service/internal/config"
	"inbox-service/internal/model"
	"inbox-service/internal/plugin/store/sqlite"
	registrymigrate "inbox-service/internal/registry/migrate"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/service"
)

var (
	alice = model.Principal{ID: "alice", Role: model.RoleUser}
	acme  = model.Principal{ID: "acme", Role: model.RoleBusiness}
	bob   = model.Principal{ID: "bob", Role: model.RoleUser}
)

type fixture struct {
	ctx     context.Context
	cfg     *config.Config
	store   registrystore.ConversationStore
	access  *access.Evaluator
	ingest  *service.Ingest
	history *service.History
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "inbox.db")
	cfg.AttachmentAllowedOrigins = "https://cdn.example.com/,s3://uploads/"
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))
	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	evaluator := access.NewEvaluator(store, nil, time.Minute)
	return &fixture{
		ctx:     ctx,
		cfg:     &cfg,
		store:   store,
		access:  evaluator,
		ingest:  service.NewIngest(store, evaluator, &cfg),
		history: service.NewHistory(store, evaluator, &cfg),
	}
}

func (f *fixture) sendToPair(t *testing.T, from model.Principal, pair registrystore.Pair, body string) *registrystore.AppendResult {
	t.Helper()
	res, err := f.ingest.Send(f.ctx, from, service.SendRequest{Pair: &pair, Body: body})
	require.NoError(t, err)
	return res
}

func (f *fixture) send(t *testing.T, from model.Principal, convID uuid.UUID, body string) *registrystore.AppendResult {
	t.Helper()
	res, err := f.ingest.Send(f.ctx, from, service.SendRequest{ConversationID: &convID, Body: body})
	require.NoError(t, err)
	return res
}

func ptr(s string) *string { return &s }

var alicePair = registrystore.Pair{UserID: "alice", BusinessID: "acme"}

func TestFirstContactScenario(t *testing.T) {
	f := newFixture(t)

	res := f.sendToPair(t, alice, alicePair, "hello")
	assert.True(t, res.Created)
	assert.Equal(t, int64(1), res.Conversation.BusinessUnreadCount)
	assert.Equal(t, int64(0), res.Conversation.UserUnreadCount)

	page, err := f.history.List(f.ctx, acme, res.Conversation.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Body)
	assert.Equal(t, int64(0), page.UnreadCount)
	assert.Nil(t, page.NextCursor)
	require.NotNil(t, page.TailCursor)

	summary, err := f.history.Conversation(f.ctx, acme, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.UnreadCount)
	assert.Equal(t, "alice", summary.CounterpartID)

	summary, err = f.history.Conversation(f.ctx, alice, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.UnreadCount)
}

func TestListingDecrementsUnreadByPageSize(t *testing.T) {
	f := newFixture(t)
	convID := f.sendToPair(t, alice, alicePair, "1").Conversation.ID
	for i := 2; i <= 5; i++ {
		f.send(t, alice, convID, "n")
	}

	wantUnread := []int64{3, 1, 0}
	cursor := ""
	var seen []uuid.UUID
	for i, want := range wantUnread {
		page, err := f.history.List(f.ctx, acme, convID, cursor, 2)
		require.NoError(t, err)
		assert.Equal(t, want, page.UnreadCount, "page %d", i)
		for _, m := range page.Messages {
			seen = append(seen, m.ID)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}
	assert.Len(t, seen, 5)

	// Re-reading from the start never goes negative.
	page, err := f.history.List(f.ctx, acme, convID, "", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.UnreadCount)
	assert.Len(t, page.Messages, 5)
}

func TestListingFromForeignCursorLeavesSkippedUnread(t *testing.T) {
	f := newFixture(t)
	convID := f.sendToPair(t, alice, alicePair, "m1").Conversation.ID
	for _, body := range []string{"m2", "m3", "m4", "m5"} {
		f.send(t, alice, convID, body)
	}

	// Alice pages her own view to obtain a cursor after m2.
	own, err := f.history.List(f.ctx, alice, convID, "", 2)
	require.NoError(t, err)
	require.NotNil(t, own.NextCursor)

	page, err := f.history.List(f.ctx, acme, convID, *own.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "m3", page.Messages[0].Body)
	assert.Equal(t, int64(2), page.UnreadCount)

	summary, err := f.history.Conversation(f.ctx, acme, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.UnreadCount)

	// Reading from the start picks up m1 and m2 without counting m3..m5 again.
	page, err = f.history.List(f.ctx, acme, convID, "", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.UnreadCount)
	page, err = f.history.List(f.ctx, acme, convID, *page.NextCursor, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.UnreadCount)
}

func TestTailCursorPicksUpLaterAppends(t *testing.T) {
	f := newFixture(t)
	convID := f.sendToPair(t, alice, alicePair, "one").Conversation.ID

	page, err := f.history.List(f.ctx, acme, convID, "", 50)
	require.NoError(t, err)
	tail := *page.TailCursor

	empty, err := f.history.List(f.ctx, acme, convID, tail, 50)
	require.NoError(t, err)
	assert.Empty(t, empty.Messages)
	assert.Equal(t, tail, *empty.TailCursor)

	f.send(t, alice, convID, "two")
	next, err := f.history.List(f.ctx, acme, convID, tail, 50)
	require.NoError(t, err)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "two", next.Messages[0].Body)
	assert.Equal(t, int64(0), next.UnreadCount)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	pair := alicePair

	cases := map[string]service.SendRequest{
		"empty":               {Pair: &pair},
		"whitespace":          {Pair: &pair, Body: "   \n"},
		"too long":            {Pair: &pair, Body: strings.Repeat("a", 4001)},
		"name without url":    {Pair: &pair, Body: "x", AttachmentName: ptr("a.pdf")},
		"origin not allowed":  {Pair: &pair, AttachmentURL: ptr("https://evil.example.net/a.pdf")},
		"bad scheme":          {Pair: &pair, AttachmentURL: ptr("file:///etc/passwd")},
		"long name":           {Pair: &pair, AttachmentURL: ptr("https://cdn.example.com/a"), AttachmentName: ptr(strings.Repeat("n", 256))},
		"bad idempotency key": {Pair: &pair, Body: "x", IdempotencyKey: ptr("not-a-uuid")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ingest.Send(f.ctx, alice, req)
			assert.Equal(t, registrystore.KindInvalidInput, registrystore.KindOf(err), "%v", err)
		})
	}

	_, err := f.store.FindConversationByPair(f.ctx, pair)
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err), "rejected sends must not create the conversation")
}

func TestSendAcceptsLimits(t *testing.T) {
	f := newFixture(t)
	pair := alicePair

	res, err := f.ingest.Send(f.ctx, alice, service.SendRequest{Pair: &pair, Body: strings.Repeat("é", 4000)})
	require.NoError(t, err)
	assert.Equal(t, 4000, len([]rune(res.Message.Body)))

	res, err = f.ingest.Send(f.ctx, acme, service.SendRequest{
		Pair:           &pair,
		AttachmentURL:  ptr(" https://cdn.example.com/files/r.pdf "),
		AttachmentName: ptr("r.pdf"),
	})
	require.NoError(t, err)
	assert.Equal(t, "", res.Message.Body)
	assert.Equal(t, "https://cdn.example.com/files/r.pdf", *res.Message.AttachmentURL)
	assert.Equal(t, "r.pdf", *res.Message.AttachmentName)
}

func TestSendAccessRules(t *testing.T) {
	f := newFixture(t)
	pair := alicePair

	_, err := f.ingest.Send(f.ctx, bob, service.SendRequest{Pair: &pair, Body: "hi"})
	assert.Equal(t, registrystore.KindForbidden, registrystore.KindOf(err))

	_, err = f.ingest.Send(f.ctx, model.Principal{ID: "alice", Role: model.RoleBusiness}, service.SendRequest{Pair: &pair, Body: "hi"})
	assert.Equal(t, registrystore.KindForbidden, registrystore.KindOf(err))

	convID := f.sendToPair(t, alice, pair, "hi").Conversation.ID
	_, err = f.ingest.Send(f.ctx, bob, service.SendRequest{ConversationID: &convID, Body: "hi"})
	assert.Equal(t, registrystore.KindForbidden, registrystore.KindOf(err))

	unknown := uuid.New()
	_, err = f.ingest.Send(f.ctx, alice, service.SendRequest{ConversationID: &unknown, Body: "hi"})
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))

	_, err = f.history.List(f.ctx, bob, convID, "", 10)
	assert.Equal(t, registrystore.KindForbidden, registrystore.KindOf(err))
	_, err = f.history.List(f.ctx, alice, unknown, "", 10)
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))
}

func TestIdempotentSend(t *testing.T) {
	f := newFixture(t)
	pair := alicePair
	key := uuid.NewString()
	req := service.SendRequest{Pair: &pair, Body: "pay invoice", IdempotencyKey: ptr(strings.ToUpper(key))}

	first, err := f.ingest.Send(f.ctx, alice, req)
	require.NoError(t, err)
	again, err := f.ingest.Send(f.ctx, alice, service.SendRequest{Pair: &pair, Body: "pay invoice", IdempotencyKey: &key})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	req.Body = "different"
	_, err = f.ingest.Send(f.ctx, alice, req)
	assert.Equal(t, registrystore.KindConflict, registrystore.KindOf(err))
}

func TestListParameters(t *testing.T) {
	f := newFixture(t)
	convID := f.sendToPair(t, alice, alicePair, "x").Conversation.ID

	_, err := f.history.List(f.ctx, alice, convID, "", 101)
	assert.Equal(t, registrystore.KindInvalidInput, registrystore.KindOf(err))
	_, err = f.history.List(f.ctx, alice, convID, "", -1)
	assert.Equal(t, registrystore.KindInvalidInput, registrystore.KindOf(err))
	_, err = f.history.List(f.ctx, alice, convID, "garbage!", 10)
	assert.Equal(t, registrystore.KindInvalidCursor, registrystore.KindOf(err))

	page, err := f.history.List(f.ctx, alice, convID, "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestExplicitMarkRead(t *testing.T) {
	f := newFixture(t)
	first := f.sendToPair(t, alice, alicePair, "a")
	convID := first.Conversation.ID
	f.send(t, alice, convID, "b")
	last := f.send(t, alice, convID, "c")

	state, err := f.history.MarkRead(f.ctx, acme, convID, first.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.UnreadCount)
	assert.Equal(t, first.Message.ID, *state.LastReadMessageID)

	state, err = f.history.MarkRead(f.ctx, acme, convID, last.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.UnreadCount)

	state, err = f.history.MarkRead(f.ctx, acme, convID, first.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, last.Message.ID, *state.LastReadMessageID, "read state never moves backwards")

	_, err = f.history.MarkRead(f.ctx, acme, convID, uuid.New())
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))
	_, err = f.history.MarkRead(f.ctx, bob, convID, last.Message.ID)
	assert.Equal(t, registrystore.KindForbidden, registrystore.KindOf(err))
}

func TestConversationsListing(t *testing.T) {
	f := newFixture(t)
	for _, biz := range []string{"b1", "b2", "b3"} {
		f.sendToPair(t, model.Principal{ID: biz, Role: model.RoleBusiness}, registrystore.Pair{UserID: "alice", BusinessID: biz}, "hi")
	}

	page, err := f.history.Conversations(f.ctx, alice, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "b3", page.Conversations[0].CounterpartID)
	assert.Equal(t, int64(1), page.Conversations[0].UnreadCount)

	rest, err := f.history.Conversations(f.ctx, alice, *page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, rest.Conversations, 1)
	assert.Equal(t, "b1", rest.Conversations[0].CounterpartID)
	assert.Nil(t, rest.NextCursor)

	_, err = f.history.Conversations(f.ctx, alice, "", 1000)
	assert.Equal(t, registrystore.KindInvalidInput, registrystore.KindOf(err))
}

func TestParseConversationRef(t *testing.T) {
	id := uuid.New()
	gotID, pair, err := service.ParseConversationRef(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, *gotID)
	assert.Nil(t, pair)

	gotID, pair, err = service.ParseConversationRef("pair:alice:acme")
	require.NoError(t, err)
	assert.Nil(t, gotID)
	assert.Equal(t, alicePair, *pair)

	_, _, err = service.ParseConversationRef("pair:alice")
	assert.Equal(t, registrystore.KindInvalidInput, registrystore.KindOf(err))
	_, _, err = service.ParseConversationRef("nonsense")
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))
}

func TestResolvePairKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.history.Resolve(f.ctx, alice, alicePair.Key())
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))

	convID := f.sendToPair(t, alice, alicePair, "hi").Conversation.ID
	got, err := f.history.Resolve(f.ctx, acme, alicePair.Key())
	require.NoError(t, err)
	assert.Equal(t, convID, got)

	got, err = f.history.Resolve(f.ctx, bob, convID.String())
	require.NoError(t, err, "ids resolve without an access check")
	assert.Equal(t, convID, got)

	_, err = f.history.Resolve(f.ctx, bob, alicePair.Key())
	assert.Equal(t, registrystore.KindForbidden, registrystore.KindOf(err))
}
