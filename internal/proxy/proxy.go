// Package proxy relays attachment bodies from their origin to the client
// without buffering or persisting them.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	registryattach "inbox-service/internal/registry/attach"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/security"
)

const defaultContentType = "application/octet-stream"

var errFetchTimeout = errors.New("attachment fetch timed out")

// Download is an open attachment ready to be streamed. The caller must Close Body.
type Download struct {
	Body               io.ReadCloser
	ContentType        string
	ContentLength      int64
	ContentDisposition string
}

// Proxy fetches attachments through the registered sources.
type Proxy struct {
	sources map[string]registryattach.Source
	allowed []string
	timeout time.Duration
}

// New creates a Proxy. timeout bounds the wait for the origin to answer and
// any later stall while streaming the body.
func New(sources map[string]registryattach.Source, allowedOrigins []string, timeout time.Duration) *Proxy {
	return &Proxy{sources: sources, allowed: allowedOrigins, timeout: timeout}
}

// Fetch opens rawURL and returns its body with response headers for the client.
func (p *Proxy) Fetch(ctx context.Context, rawURL, displayName string) (*Download, error) {
	u, err := ValidateAttachmentURL(rawURL, p.allowed)
	if err != nil {
		security.RecordAttachmentFetch("rejected", 0)
		return nil, err
	}
	src, ok := p.sources[strings.ToLower(u.Scheme)]
	if !ok {
		security.RecordAttachmentFetch("rejected", 0)
		return nil, &registrystore.ValidationError{Field: "url", Message: "unsupported URL scheme"}
	}

	fetchCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(p.timeout, func() { cancel(errFetchTimeout) })
	fetchCtx = registryattach.WithRedirectCheck(fetchCtx, p.checkRedirect)

	obj, err := src.Open(fetchCtx, u)
	if err != nil {
		timer.Stop()
		timedOut := errors.Is(context.Cause(fetchCtx), errFetchTimeout) || ctx.Err() != nil
		cancel(nil)
		return nil, p.fetchError(u, err, timedOut)
	}

	contentType := strings.TrimSpace(obj.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	timer.Reset(p.timeout)
	return &Download{
		Body:               &guardedBody{rc: obj.Body, timer: timer, timeout: p.timeout, cancel: cancel},
		ContentType:        contentType,
		ContentLength:      obj.ContentLength,
		ContentDisposition: ContentDisposition(displayName),
	}, nil
}

// checkRedirect holds redirect targets to the same allow-list as the original URL.
func (p *Proxy) checkRedirect(target *url.URL) error {
	if _, err := ValidateAttachmentURL(target.String(), p.allowed); err != nil {
		log.Warn("Attachment redirect rejected", "host", target.Host)
		return err
	}
	return nil
}

func (p *Proxy) fetchError(u *url.URL, err error, timedOut bool) error {
	if timedOut {
		security.RecordAttachmentFetch("timeout", 0)
		log.Warn("Attachment fetch timed out", "host", u.Host, "timeout", p.timeout)
		return &registrystore.TimeoutError{Op: "fetch_attachment", Err: err}
	}
	security.RecordAttachmentFetch("upstream_error", 0)
	var status *registryattach.StatusError
	if errors.As(err, &status) {
		log.Warn("Attachment origin returned an error", "host", u.Host, "status", status.StatusCode)
		return &registrystore.UpstreamError{StatusCode: status.StatusCode, Err: err}
	}
	log.Warn("Attachment fetch failed", "host", u.Host, "err", err)
	return &registrystore.UpstreamError{Err: err}
}

// guardedBody cancels the fetch when the stream stalls for longer than timeout
// and releases it on Close.
type guardedBody struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
	n       int64
	once    sync.Once
}

func (b *guardedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.n += int64(n)
	if err == nil {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *guardedBody) Close() error {
	var err error
	b.once.Do(func() {
		b.timer.Stop()
		err = b.rc.Close()
		b.cancel(nil)
		security.RecordAttachmentFetch("ok", b.n)
	})
	return err
}

// ValidateAttachmentURL parses raw and checks it against the scheme and origin allow-list.
// An empty allow-list admits any http, https or s3 URL.
func ValidateAttachmentURL(raw string, allowedOrigins []string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &registrystore.ValidationError{Field: "url", Message: "url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, &registrystore.ValidationError{Field: "url", Message: "url must be an absolute URL"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "s3":
	default:
		return nil, &registrystore.ValidationError{Field: "url", Message: "url scheme must be http, https or s3"}
	}
	if u.User != nil {
		return nil, &registrystore.ValidationError{Field: "url", Message: "url must not carry credentials"}
	}
	if len(allowedOrigins) == 0 {
		return u, nil
	}
	for _, origin := range allowedOrigins {
		if matchesOrigin(u, origin) {
			return u, nil
		}
	}
	return nil, &registrystore.ValidationError{Field: "url", Message: "url is not from an allowed origin"}
}

// matchesOrigin compares scheme and host exactly and the path by prefix, so
// "https://cdn.example.com" does not admit "https://cdn.example.com.evil.net".
func matchesOrigin(u *url.URL, origin string) bool {
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	if !strings.EqualFold(u.Scheme, o.Scheme) || !strings.EqualFold(u.Host, o.Host) {
		return false
	}
	prefix := o.EscapedPath()
	if prefix == "" || prefix == "/" {
		return true
	}
	path := u.EscapedPath()
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
