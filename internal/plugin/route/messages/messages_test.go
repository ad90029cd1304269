package messages_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/model"
	_ "inbox-service/internal/plugin/route/conversations"
	"inbox-service/internal/plugin/route/messages"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/service"
	"inbox-service/internal/testutil/testapi"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
	Field string `json:"field"`
}

func send(t *testing.T, api *testapi.API, as, role, ref string, body any) (*model.Message, int) {
	t.Helper()
	w := api.Do(t, testapi.Request{Method: http.MethodPost, Path: "/conversations/" + ref + "/messages", As: as, Role: role, Body: body})
	if w.Code >= 300 {
		return nil, w.Code
	}
	var msg model.Message
	testapi.Decode(t, w, &msg)
	return &msg, w.Code
}

func TestFirstSendThenList(t *testing.T) {
	api := testapi.New(t, nil)

	msg, status := send(t, api, "alice", "user", "pair:alice:acme", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, model.RoleUser, msg.SenderRole)

	conv, err := api.Store.GetConversation(api.Ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.BusinessUnreadCount)
	assert.Equal(t, int64(0), conv.UserUnreadCount)

	w := api.Do(t, testapi.Request{Method: http.MethodGet, Path: "/conversations/" + msg.ConversationID.String() + "/messages?pageSize=10", As: "acme", Role: "business"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page service.Page
	testapi.Decode(t, w, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].ID)
	assert.Equal(t, int64(0), page.UnreadCount)
	assert.Nil(t, page.NextCursor)

	conv, err = api.Store.GetConversation(api.Ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), conv.BusinessUnreadCount)
}

func TestSecondSendReusesConversation(t *testing.T) {
	api := testapi.New(t, nil)
	first, status := send(t, api, "alice", "user", "pair:alice:acme", map[string]any{"text": "one"})
	require.Equal(t, http.StatusCreated, status)
	second, status := send(t, api, "acme", "business", "pair:alice:acme", map[string]any{"text": "two"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	third, status := send(t, api, "alice", "user", first.ConversationID.String(), map[string]any{"text": "three"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, first.ConversationID, third.ConversationID)

	w := api.Do(t, testapi.Request{Method: http.MethodGet, Path: "/v1/conversations/pair:alice:acme/messages", As: "alice", Role: "user"})
	require.Equal(t, http.StatusOK, w.Code)
	var page service.Page
	testapi.Decode(t, w, &page)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{page.Messages[0].Body, page.Messages[1].Body, page.Messages[2].Body})
}

func TestSendErrors(t *testing.T) {
	api := testapi.New(t, nil)
	existing, status := send(t, api, "alice", "user", "pair:alice:acme", map[string]any{"text": "hi"})
	require.Equal(t, http.StatusCreated, status)

	tests := []struct {
		name   string
		as     string
		role   string
		ref    string
		body   any
		status int
		code   string
	}{
		{"empty message", "alice", "user", "pair:alice:acme", map[string]any{"text": ""}, http.StatusBadRequest, "invalid_input"},
		{"oversized", "alice", "user", "pair:alice:acme", map[string]any{"text": strings.Repeat("x", 4001)}, http.StatusBadRequest, "invalid_input"},
		{"foreign attachment", "alice", "user", "pair:alice:acme", map[string]any{"attachmentUrl": "https://evil.example.net/x"}, http.StatusBadRequest, "invalid_input"},
		{"malformed json", "alice", "user", "pair:alice:acme", "{", http.StatusBadRequest, "invalid_input"},
		{"outsider by pair", "mallory", "user", "pair:alice:acme", map[string]any{"text": "hi"}, http.StatusForbidden, "forbidden"},
		{"wrong role for pair", "acme", "user", "pair:alice:acme", map[string]any{"text": "hi"}, http.StatusForbidden, "forbidden"},
		{"outsider by id", "mallory", "user", existing.ConversationID.String(), map[string]any{"text": "hi"}, http.StatusForbidden, "forbidden"},
		{"unknown id", "alice", "user", uuid.NewString(), map[string]any{"text": "hi"}, http.StatusNotFound, "not_found"},
		{"garbage ref", "alice", "user", "not-a-conversation", map[string]any{"text": "hi"}, http.StatusNotFound, "not_found"},
		{"bad pair key", "alice", "user", "pair:alice", map[string]any{"text": "hi"}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.Do(t, testapi.Request{Method: http.MethodPost, Path: "/v1/conversations/" + tt.ref + "/messages", As: tt.as, Role: tt.role, Body: tt.body})
			require.Equal(t, tt.status, w.Code, w.Body.String())
			var body errorBody
			testapi.Decode(t, w, &body)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}

	w := api.Do(t, testapi.Request{Method: http.MethodPost, Path: "/conversations/pair:alice:acme/messages", Body: map[string]any{"text": "hi"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdempotencyKey(t *testing.T) {
	api := testapi.New(t, nil)
	key := uuid.NewString()
	req := testapi.Request{
		Method:  http.MethodPost,
		Path:    "/v1/conversations/pair:alice:acme/messages",
		As:      "alice",
		Role:    "user",
		Body:    map[string]any{"text": "once"},
		Headers: map[string]string{messages.HeaderIdempotencyKey: key},
	}

	w := api.Do(t, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var first model.Message
	testapi.Decode(t, w, &first)

	w = api.Do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(messages.HeaderIdempotentReplayed))
	var replayed model.Message
	testapi.Decode(t, w, &replayed)
	assert.Equal(t, first.ID, replayed.ID)

	conv, err := api.Store.GetConversation(api.Ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.BusinessUnreadCount, "a replay must not count twice")

	req.Body = map[string]any{"text": "changed"}
	w = api.Do(t, req)
	require.Equal(t, http.StatusConflict, w.Code)
	var body errorBody
	testapi.Decode(t, w, &body)
	assert.Equal(t, string(registrystore.KindConflict), body.Code)

	req.Headers = map[string]string{messages.HeaderIdempotencyKey: "nope"}
	w = api.Do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListPaginationAndCursors(t *testing.T) {
	api := testapi.New(t, nil)
	first, _ := send(t, api, "alice", "user", "pair:alice:acme", map[string]any{"text": "m0"})
	ref := first.ConversationID.String()
	for i := 1; i < 5; i++ {
		_, status := send(t, api, "alice", "user", ref, map[string]any{"text": "m"})
		require.Equal(t, http.StatusCreated, status)
	}

	var all []uuid.UUID
	cursor := ""
	for {
		path := "/v1/conversations/" + ref + "/messages?pageSize=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := api.Do(t, testapi.Request{Method: http.MethodGet, Path: path, As: "acme", Role: "business"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page service.Page
		testapi.Decode(t, w, &page)
		for _, m := range page.Messages {
			all = append(all, m.ID)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}
	require.Len(t, all, 5)
	assert.Equal(t, first.ID, all[0])

	for _, q := range []string{"pageSize=0x", "pageSize=101", "cursor=%21%21"} {
		w := api.Do(t, testapi.Request{Method: http.MethodGet, Path: "/v1/conversations/" + ref + "/messages?" + q, As: "acme", Role: "business"})
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	w := api.Do(t, testapi.Request{Method: http.MethodGet, Path: "/v1/conversations/" + ref + "/messages", As: "globex", Role: "business"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAttachmentDownload(t *testing.T) {
	source := &testapi.Source{Objects: map[string]testapi.Object{
		"https://cdn.example.com/files/r.pdf": {Body: "%PDF-1.7", ContentType: "application/pdf"},
	}}
	api := testapi.New(t, source)

	msg, status := send(t, api, "acme", "business", "pair:alice:acme", map[string]any{
		"attachmentUrl":  "https://cdn.example.com/files/r.pdf",
		"attachmentName": "Invoice March.pdf",
	})
	require.Equal(t, http.StatusCreated, status)
	textOnly, _ := send(t, api, "acme", "business", "pair:alice:acme", map[string]any{"text": "no file"})

	path := "/v1/conversations/" + msg.ConversationID.String() + "/messages/"
	w := api.Do(t, testapi.Request{Method: http.MethodGet, Path: path + msg.ID.String() + "/attachment", As: "alice", Role: "user"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "%PDF-1.7", w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="Invoice March.pdf"`)

	w = api.Do(t, testapi.Request{Method: http.MethodGet, Path: path + msg.ID.String() + "/attachment", As: "mallory", Role: "user"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = api.Do(t, testapi.Request{Method: http.MethodGet, Path: path + textOnly.ID.String() + "/attachment", As: "alice", Role: "user"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1, source.Fetches())
}
