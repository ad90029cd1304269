package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the inbox service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-Principal-Role header is honored for bearer-token principals.
	Mode string

	// Database
	DBURL string

	// Datastore backend type
	DatastoreType string // "postgres" or "sqlite"

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type
	CacheType string // "redis", "infinispan" or "none"

	// Redis
	RedisURL string

	// Infinispan (RESP endpoint)
	InfinispanHost           string
	InfinispanUsername       string
	InfinispanPassword       string
	InfinispanStartupTimeout time.Duration

	// How long conversation participants stay cached. Participants never
	// change once a conversation exists, so this only bounds memory use.
	CacheParticipantTTL time.Duration

	// Messages
	MessageMaxBodyLength      int // in runes
	MessageMaxAttachmentName  int
	MessageMaxAttachmentURL   int
	HistoryDefaultPageSize    int
	HistoryMaxPageSize        int
	ConversationsListPageSize int

	// Attachments
	// AttachmentAllowedOrigins is a comma-separated list of URL prefixes that
	// attachment URLs must start with (e.g. "https://cdn.example.com/,s3://uploads/").
	// Empty allows any http, https or s3 URL.
	AttachmentAllowedOrigins string
	AllowPrivateSourceURLs   bool
	AttachmentFetchTimeout   time.Duration
	S3Region                 string
	S3Endpoint               string
	S3UsePathStyle           bool

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)
	// OIDCRoleClaim names the token claim that carries the principal role ("user" or "business").
	OIDCRoleClaim string
	// BusinessOIDCRole is the role/group value that marks a token subject as a business principal.
	BusinessOIDCRole string

	// JWTSecret enables HS256 session tokens issued by a trusted session service.
	JWTSecret string

	// BusinessPrincipals is a comma-separated list of principal IDs that act as businesses
	// when the token itself carries no role.
	BusinessPrincipals string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=inbox-service".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or INBOX_SERVICE_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// RequestTimeout bounds every API request; store calls past it fail with a timeout error.
	RequestTimeout time.Duration

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// Retention
	ConversationRetention time.Duration // 0 disables eviction
	EvictionInterval      time.Duration
	EvictionBatchSize     int
	EvictionBatchDelay    int // milliseconds
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                      ModeProd,
		DatastoreType:             "postgres",
		DatastoreMigrateAtStart:   true,
		DBMaxOpenConns:            25,
		DBMaxIdleConns:            5,
		CacheType:                 "none",
		CacheParticipantTTL:       time.Hour,
		InfinispanStartupTimeout:  30 * time.Second,
		MessageMaxBodyLength:      4000,
		MessageMaxAttachmentName:  255,
		MessageMaxAttachmentURL:   2048,
		HistoryDefaultPageSize:    50,
		HistoryMaxPageSize:        100,
		ConversationsListPageSize: 20,
		AttachmentFetchTimeout:    30 * time.Second,
		OIDCRoleClaim:             "principal_type",
		BusinessOIDCRole:          "business",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:        1024 * 1024,
		RequestTimeout:     15 * time.Second,
		DrainTimeout:       30,
		EvictionInterval:   time.Hour,
		EvictionBatchSize:  500,
		EvictionBatchDelay: 100,
	}
}

// AllowedOrigins returns the parsed attachment origin allow-list.
func (c *Config) AllowedOrigins() []string {
	if c == nil {
		return nil
	}
	var origins []string
	for _, part := range strings.Split(c.AttachmentAllowedOrigins, ",") {
		if v := strings.TrimSpace(part); v != "" {
			origins = append(origins, v)
		}
	}
	return origins
}

// ClampPageSize reports whether size is within [1, HistoryMaxPageSize].
// A zero size resolves to the default page size.
func (c *Config) ClampPageSize(size int) (int, bool) {
	if size == 0 {
		return c.HistoryDefaultPageSize, true
	}
	if size < 1 || size > c.HistoryMaxPageSize {
		return 0, false
	}
	return size, true
}
