package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/model"
)

func TestParsePairKey(t *testing.T) {
	pair, err := ParsePairKey("pair:alice:acme")
	require.NoError(t, err)
	assert.Equal(t, Pair{UserID: "alice", BusinessID: "acme"}, pair)
	assert.Equal(t, "pair:alice:acme", pair.Key())

	for _, bad := range []string{"alice:acme", "pair:", "pair:alice", "pair::acme", "pair:alice:", "pair:a:b:c", "pair:same:same"} {
		_, err := ParsePairKey(bad)
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation, bad)
	}
}

func TestPairIncludes(t *testing.T) {
	pair := Pair{UserID: "alice", BusinessID: "acme"}
	assert.True(t, pair.Includes(model.Principal{ID: "alice", Role: model.RoleUser}))
	assert.True(t, pair.Includes(model.Principal{ID: "acme", Role: model.RoleBusiness}))
	assert.False(t, pair.Includes(model.Principal{ID: "alice", Role: model.RoleBusiness}))
	assert.False(t, pair.Includes(model.Principal{ID: "bob", Role: model.RoleUser}))
}

func TestSamePayload(t *testing.T) {
	url := "https://cdn.example.com/a.pdf"
	empty := ""
	req := AppendMessageRequest{Body: "hi", AttachmentURL: &url}
	assert.True(t, req.SamePayload(&model.Message{Body: "hi", AttachmentURL: &url}))
	assert.False(t, req.SamePayload(&model.Message{Body: "hi"}))
	assert.False(t, req.SamePayload(&model.Message{Body: "bye", AttachmentURL: &url}))

	plain := AppendMessageRequest{Body: "hi", AttachmentName: &empty}
	assert.True(t, plain.SamePayload(&model.Message{Body: "hi"}))
}
