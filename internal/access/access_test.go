package access_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/access"
	"inbox-service/internal/model"
	registrycache "inbox-service/internal/registry/cache"
	registrystore "inbox-service/internal/registry/store"
)

type fakeStore struct {
	registrystore.ConversationStore
	convs map[uuid.UUID]*model.Conversation
	gets  int
}

func (f *fakeStore) GetConversation(_ context.Context, id uuid.UUID) (*model.Conversation, error) {
	f.gets++
	c, ok := f.convs[id]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
	}
	return c, nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]registrycache.CachedParticipants
	failGet bool
}

func (m *mapCache) Available() bool { return true }
func (m *mapCache) Get(_ context.Context, id uuid.UUID) (*registrycache.CachedParticipants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("redis down")
	}
	v, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}
func (m *mapCache) Set(_ context.Context, id uuid.UUID, p registrycache.CachedParticipants, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = p
	return nil
}
func (m *mapCache) Remove(_ context.Context, ids ...uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

var (
	alice = model.Principal{ID: "alice", Role: model.RoleUser}
	acme  = model.Principal{ID: "acme", Role: model.RoleBusiness}
)

func setup() (*fakeStore, *mapCache, uuid.UUID) {
	id := uuid.New()
	store := &fakeStore{convs: map[uuid.UUID]*model.Conversation{
		id: {ID: id, UserID: "alice", BusinessID: "acme"},
	}}
	return store, &mapCache{entries: map[uuid.UUID]registrycache.CachedParticipants{}}, id
}

func TestCanAccessParticipants(t *testing.T) {
	store, _, id := setup()
	e := access.NewEvaluator(store, nil, time.Minute)

	require.NoError(t, e.CanAccess(context.Background(), alice, id))
	require.NoError(t, e.CanAccess(context.Background(), acme, id))
}

func TestCanAccessDeniesEveryoneElse(t *testing.T) {
	store, _, id := setup()
	e := access.NewEvaluator(store, nil, time.Minute)

	for _, p := range []model.Principal{
		{ID: "bob", Role: model.RoleUser},
		{ID: "globex", Role: model.RoleBusiness},
		{ID: "alice", Role: model.RoleBusiness},
		{ID: "acme", Role: model.RoleUser},
		{ID: "", Role: model.RoleUser},
	} {
		err := e.CanAccess(context.Background(), p, id)
		var forbidden *registrystore.ForbiddenError
		assert.ErrorAs(t, err, &forbidden, "%+v", p)
	}
}

func TestCanAccessUnknownConversation(t *testing.T) {
	store, _, _ := setup()
	e := access.NewEvaluator(store, nil, time.Minute)
	err := e.CanAccess(context.Background(), alice, uuid.New())
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCanAccessReadsThroughCache(t *testing.T) {
	store, cache, id := setup()
	e := access.NewEvaluator(store, cache, time.Minute)

	require.NoError(t, e.CanAccess(context.Background(), alice, id))
	require.NoError(t, e.CanAccess(context.Background(), acme, id))
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, e.CanAccess(context.Background(), model.Principal{ID: "bob", Role: model.RoleUser}, id), &forbidden)
	assert.Equal(t, 1, store.gets)

	e.Forget(context.Background(), id)
	require.NoError(t, e.CanAccess(context.Background(), alice, id))
	assert.Equal(t, 2, store.gets)
}

func TestCanAccessFallsBackWhenCacheFails(t *testing.T) {
	store, cache, id := setup()
	cache.failGet = true
	e := access.NewEvaluator(store, cache, time.Minute)

	require.NoError(t, e.CanAccess(context.Background(), alice, id))
	assert.Equal(t, 1, store.gets)
}

func TestAuthorizeReturnsConversation(t *testing.T) {
	store, _, id := setup()
	e := access.NewEvaluator(store, nil, time.Minute)
	conv, err := e.Authorize(context.Background(), acme, id)
	require.NoError(t, err)
	assert.Equal(t, id, conv.ID)
}
