// Package httpsource opens http and https attachment URLs.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"inbox-service/internal/config"
	registryattach "inbox-service/internal/registry/attach"
)

const maxRedirects = 5

// ErrPrivateAddress is returned when a URL resolves to a loopback, private or link-local address.
var ErrPrivateAddress = errors.New("URLs targeting localhost or private networks are not allowed")

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:    "http",
		Schemes: []string{"http", "https"},
		Loader: func(ctx context.Context) (registryattach.Source, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil {
				d := config.DefaultConfig()
				cfg = &d
			}
			return New(cfg.AllowPrivateSourceURLs, cfg.AttachmentFetchTimeout), nil
		},
	})
}

// Source fetches attachments with a single GET.
type Source struct {
	client *http.Client
}

// New builds a Source. Unless allowPrivate is set, connections to non-public
// addresses are refused at dial time, which also covers redirects and DNS
// answers that change between checks.
func New(allowPrivate bool, headerTimeout time.Duration) *Source {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !allowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || isPrivate(ip) {
				return ErrPrivateAddress
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = headerTimeout

	return &Source{client: &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			if err := ValidateURL(req.URL); err != nil {
				return err
			}
			return registryattach.CheckRedirect(req.Context(), req.URL)
		},
	}}
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsUnspecified()
}

// ValidateURL checks that u is an absolute http(s) URL with a host.
func ValidateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("only http and https URLs are supported")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}

func (s *Source) Open(ctx context.Context, u *url.URL) (*registryattach.Object, error) {
	if err := ValidateURL(u); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, &registryattach.StatusError{StatusCode: resp.StatusCode}
	}
	return &registryattach.Object{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

var _ registryattach.Source = (*Source)(nil)
