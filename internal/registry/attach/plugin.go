package attach

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
)

// Object is an open attachment body plus the metadata the origin reported.
// ContentLength is -1 when unknown.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Source opens attachments at URLs of the schemes it was registered for.
// Open returns once the origin has answered; the body is read by the caller.
type Source interface {
	Open(ctx context.Context, u *url.URL) (*Object, error)
}

// StatusError reports a non-success answer from the origin.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin responded with status %d", e.StatusCode)
}

type redirectCheckKey struct{}

// WithRedirectCheck returns a context under which sources that follow
// redirects call check on every target before requesting it.
func WithRedirectCheck(ctx context.Context, check func(*url.URL) error) context.Context {
	return context.WithValue(ctx, redirectCheckKey{}, check)
}

// CheckRedirect applies the redirect check carried by ctx, if any.
func CheckRedirect(ctx context.Context, target *url.URL) error {
	if check, ok := ctx.Value(redirectCheckKey{}).(func(*url.URL) error); ok && check != nil {
		return check(target)
	}
	return nil
}

// Loader creates a Source from config.
type Loader func(ctx context.Context) (Source, error)

// Plugin represents an attachment source plugin.
type Plugin struct {
	Name    string
	Schemes []string
	Loader  Loader
}

var plugins []Plugin

// Register adds an attachment source plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered attachment source plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Schemes returns every URL scheme some registered plugin can open.
func Schemes() []string {
	var schemes []string
	for _, p := range plugins {
		schemes = append(schemes, p.Schemes...)
	}
	sort.Strings(schemes)
	return schemes
}

// LoadAll builds one Source per registered plugin and indexes them by scheme.
func LoadAll(ctx context.Context) (map[string]Source, error) {
	sources := map[string]Source{}
	for _, p := range plugins {
		src, err := p.Loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("attachment source %s: %w", p.Name, err)
		}
		for _, scheme := range p.Schemes {
			sources[strings.ToLower(scheme)] = src
		}
	}
	return sources, nil
}
