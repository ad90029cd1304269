package proxy_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/plugin/attach/httpsource"
	"inbox-service/internal/proxy"
	registryattach "inbox-service/internal/registry/attach"
	registrystore "inbox-service/internal/registry/store"
)

type fakeSource struct {
	calls atomic.Int32
	open  func(ctx context.Context, u *url.URL) (*registryattach.Object, error)
}

func (f *fakeSource) Open(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
	f.calls.Add(1)
	return f.open(ctx, u)
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func newProxy(src registryattach.Source, allowed ...string) *proxy.Proxy {
	return proxy.New(map[string]registryattach.Source{"http": src, "https": src}, allowed, 200*time.Millisecond)
}

func TestFetchStreamsWithHeaders(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("pdf bytes")}
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		assert.Equal(t, "/files/r.pdf", u.Path)
		return &registryattach.Object{Body: body, ContentType: "application/pdf", ContentLength: 9}, nil
	}}

	dl, err := newProxy(src).Fetch(context.Background(), "https://cdn.example.com/files/r.pdf", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", dl.ContentType)
	assert.Equal(t, int64(9), dl.ContentLength)
	assert.Equal(t, `attachment; filename="report.pdf"`, dl.ContentDisposition)

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "pdf bytes", string(data))
	require.NoError(t, dl.Body.Close())
	assert.True(t, body.closed.Load())
	require.NoError(t, dl.Body.Close(), "second close is a no-op")
}

func TestFetchDefaultsContentTypeAndName(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		return &registryattach.Object{Body: io.NopCloser(strings.NewReader("x")), ContentLength: -1}, nil
	}}
	dl, err := newProxy(src).Fetch(context.Background(), "https://cdn.example.com/blob", "")
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, "application/octet-stream", dl.ContentType)
	assert.Equal(t, `attachment; filename="download"`, dl.ContentDisposition)
}

func TestFetchRejectsBeforeAnyRequest(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		t.Fatal("source must not be called")
		return nil, nil
	}}
	p := newProxy(src, "https://cdn.example.com/public/")

	for _, raw := range []string{
		"",
		"not a url",
		"ftp://cdn.example.com/public/a",
		"https://cdn.example.com/private/a",
		"https://cdn.example.com.evil.net/public/a",
		"https://user:pw@cdn.example.com/public/a",
	} {
		_, err := p.Fetch(context.Background(), raw, "")
		var validation *registrystore.ValidationError
		assert.ErrorAs(t, err, &validation, raw)
	}
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestFetchRejectsRedirectOffAllowList(t *testing.T) {
	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
		_, _ = w.Write([]byte("foreign bytes"))
	}))
	defer foreign.Close()
	allowed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, foreign.URL+"/payload", http.StatusFound)
	}))
	defer allowed.Close()

	src := httpsource.New(true, time.Second)
	p := proxy.New(map[string]registryattach.Source{"http": src}, []string{allowed.URL + "/"}, time.Second)

	dl, err := p.Fetch(context.Background(), allowed.URL+"/file", "x.bin")
	require.Error(t, err)
	assert.Nil(t, dl)
	var upstream *registrystore.UpstreamError
	assert.ErrorAs(t, err, &upstream)
	assert.Equal(t, int32(0), foreignHits.Load())
}

func TestFetchFollowsRedirectWithinAllowList(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, srv.URL+"/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("moved"))
	}))
	defer srv.Close()

	src := httpsource.New(true, time.Second)
	p := proxy.New(map[string]registryattach.Source{"http": src}, []string{srv.URL + "/"}, time.Second)

	dl, err := p.Fetch(context.Background(), srv.URL+"/old", "")
	require.NoError(t, err)
	defer dl.Body.Close()
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "moved", string(data))
}

func TestFetchUnregisteredScheme(t *testing.T) {
	src := &fakeSource{}
	_, err := newProxy(src).Fetch(context.Background(), "s3://bucket/key", "")
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestFetchUpstreamStatus(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		return nil, &registryattach.StatusError{StatusCode: 500}
	}}
	_, err := newProxy(src).Fetch(context.Background(), "https://cdn.example.com/a", "a")
	var upstream *registrystore.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 500, upstream.StatusCode)
	assert.Equal(t, registrystore.KindUpstreamUnavailable, registrystore.KindOf(err))
}

func TestFetchTransportError(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		return nil, errors.New("connection refused")
	}}
	_, err := newProxy(src).Fetch(context.Background(), "https://cdn.example.com/a", "a")
	assert.Equal(t, registrystore.KindUpstreamUnavailable, registrystore.KindOf(err))
}

func TestFetchTimeout(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	start := time.Now()
	_, err := newProxy(src).Fetch(context.Background(), "https://cdn.example.com/slow", "a")
	assert.Equal(t, registrystore.KindTimeout, registrystore.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchCallerDeadline(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := proxy.New(map[string]registryattach.Source{"https": src}, nil, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Fetch(ctx, "https://cdn.example.com/slow", "a")
	assert.Equal(t, registrystore.KindTimeout, registrystore.KindOf(err))
}

func TestStalledBodyIsCancelled(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write([]byte("first"))
			<-ctx.Done()
			_ = pw.CloseWithError(context.Cause(ctx))
		}()
		return &registryattach.Object{Body: pr, ContentLength: -1}, nil
	}}
	dl, err := newProxy(src).Fetch(context.Background(), "https://cdn.example.com/stall", "a")
	require.NoError(t, err)
	defer dl.Body.Close()

	data, err := io.ReadAll(dl.Body)
	assert.Equal(t, "first", string(data))
	require.Error(t, err)
}

func TestValidateAttachmentURL(t *testing.T) {
	allowed := []string{"https://cdn.example.com/public", "s3://uploads/"}

	for _, ok := range []string{
		"https://cdn.example.com/public",
		"https://cdn.example.com/public/a/b.png",
		"HTTPS://CDN.EXAMPLE.COM/public/x",
		"s3://uploads/2024/a.pdf",
	} {
		_, err := proxy.ValidateAttachmentURL(ok, allowed)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{
		"https://cdn.example.com/publicity/a",
		"http://cdn.example.com/public/a",
		"s3://other/a.pdf",
	} {
		_, err := proxy.ValidateAttachmentURL(bad, allowed)
		assert.Error(t, err, bad)
	}

	_, err := proxy.ValidateAttachmentURL("http://anything.example.org/x", nil)
	assert.NoError(t, err)
}
