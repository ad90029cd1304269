// Package testapi builds a fully wired API router over a temporary sqlite
// database for route tests.
package testapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"inbox-service/internal/access"
	"inbox-service/internal/config"
	"inbox-service/internal/plugin/store/sqlite"
	"inbox-service/internal/proxy"
	registryattach "inbox-service/internal/registry/attach"
	registrymigrate "inbox-service/internal/registry/migrate"
	registryroute "inbox-service/internal/registry/route"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/security"
	"inbox-service/internal/service"
)

// AllowedOrigin is the only attachment origin the test API accepts.
const AllowedOrigin = "https://cdn.example.com/"

// API is a router plus the store behind it.
type API struct {
	Router *gin.Engine
	Store  registrystore.ConversationStore
	Config *config.Config
	Ctx    context.Context
}

// New wires every linked route plugin against a fresh sqlite store. Attachments
// are served from source for the https scheme.
func New(tb testing.TB, source registryattach.Source) *API {
	tb.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(tb.TempDir(), "api.db")
	cfg.AttachmentAllowedOrigins = AllowedOrigin
	cfg.AttachmentFetchTimeout = 5 * time.Second
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport
	if err := registrymigrate.RunAll(ctx); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	loader, err := registrystore.Select("sqlite")
	if err != nil {
		tb.Fatalf("select store: %v", err)
	}
	store, err := loader(ctx)
	if err != nil {
		tb.Fatalf("open store: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })

	sources := map[string]registryattach.Source{}
	if source != nil {
		sources["https"] = source
	}
	evaluator := access.NewEvaluator(store, nil, time.Minute)
	deps := &registryroute.Deps{
		Config:  &cfg,
		Store:   store,
		Ingest:  service.NewIngest(store, evaluator, &cfg),
		History: service.NewHistory(store, evaluator, &cfg),
		Proxy:   proxy.New(sources, cfg.AllowedOrigins(), cfg.AttachmentFetchTimeout),
		Auth:    security.AuthMiddleware(security.NewTokenResolver(&cfg)),
	}

	r := gin.New()
	r.Use(security.RequestDeadlineMiddleware(cfg.RequestTimeout))
	if err := registryroute.Mount(r, deps, registryroute.MainRouteLoaders()); err != nil {
		tb.Fatalf("mount routes: %v", err)
	}
	if err := registryroute.Mount(r, deps, registryroute.ManagementRouteLoaders()); err != nil {
		tb.Fatalf("mount management routes: %v", err)
	}
	return &API{Router: r, Store: store, Config: &cfg, Ctx: ctx}
}

// Request describes one call against the API.
type Request struct {
	Method string
	Path   string
	// As is the principal id; Role is "user" or "business". Empty As sends no Authorization header.
	As      string
	Role    string
	Body    any
	Headers map[string]string
}

// Do runs req and returns the recorded response.
func (a *API) Do(tb testing.TB, req Request) *httptest.ResponseRecorder {
	tb.Helper()
	var body io.Reader
	if req.Body != nil {
		switch v := req.Body.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				tb.Fatalf("marshal body: %v", err)
			}
			body = bytes.NewReader(data)
		}
	}
	r := httptest.NewRequest(req.Method, req.Path, body)
	if req.Body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.As != "" {
		r.Header.Set("Authorization", "Bearer "+req.As)
		if req.Role != "" {
			r.Header.Set(security.HeaderPrincipalRole, req.Role)
		}
	}
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, r)
	return w
}

// Decode unmarshals a JSON response body into out.
func Decode(tb testing.TB, w *httptest.ResponseRecorder, out any) {
	tb.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		tb.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

// Source serves fixed attachment bodies keyed by URL and records every fetch.
type Source struct {
	mu      sync.Mutex
	Objects map[string]Object
	Fetched []string
}

// Object is a canned origin response. A non-zero Status answers with that error status.
type Object struct {
	Body        string
	ContentType string
	Status      int
}

func (s *Source) Open(_ context.Context, u *url.URL) (*registryattach.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fetched = append(s.Fetched, u.String())
	obj, ok := s.Objects[u.String()]
	if !ok {
		return nil, &registryattach.StatusError{StatusCode: http.StatusNotFound}
	}
	if obj.Status != 0 {
		return nil, &registryattach.StatusError{StatusCode: obj.Status}
	}
	return &registryattach.Object{
		Body:          io.NopCloser(strings.NewReader(obj.Body)),
		ContentType:   obj.ContentType,
		ContentLength: int64(len(obj.Body)),
	}, nil
}

// Fetches returns how many times the origin was contacted.
func (s *Source) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Fetched)
}
