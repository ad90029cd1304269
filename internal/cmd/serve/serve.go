package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"inbox-service/internal/config"
	registryattach "inbox-service/internal/registry/attach"
	registrycache "inbox-service/internal/registry/cache"
	registrystore "inbox-service/internal/registry/store"

	// Import all plugins to trigger init() registration
	_ "inbox-service/internal/plugin/attach/httpsource"
	_ "inbox-service/internal/plugin/attach/s3source"
	_ "inbox-service/internal/plugin/cache/infinispan"
	_ "inbox-service/internal/plugin/cache/noop"
	_ "inbox-service/internal/plugin/cache/redis"
	_ "inbox-service/internal/plugin/route/conversations"
	_ "inbox-service/internal/plugin/route/download"
	_ "inbox-service/internal/plugin/route/messages"
	_ "inbox-service/internal/plugin/route/system"
	_ "inbox-service/internal/plugin/store/postgres"
	_ "inbox-service/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the inbox service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing honors the X-Principal-Role header",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_REQUEST_TIMEOUT"),
			Destination: &cfg.RequestTimeout,
			Value:       cfg.RequestTimeout,
			Usage:       "Upper bound on API request processing; clients may shorten it with X-Request-Timeout (0 = none)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS headers for browser clients",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (empty = any)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("INBOX_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("INBOX_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("INBOX_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("INBOX_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Database backend (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("INBOX_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL (sqlite: file path)",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("INBOX_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Apply the schema on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("INBOX_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("INBOX_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("INBOX_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Participant cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-hosts",
			Category:    "Cache:",
			Sources:     cli.EnvVars("INBOX_SERVICE_REDIS_HOSTS", "INBOX_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.StringFlag{
			Name:        "infinispan-host",
			Category:    "Cache:",
			Sources:     cli.EnvVars("INBOX_SERVICE_INFINISPAN_HOST"),
			Destination: &cfg.InfinispanHost,
			Usage:       "Infinispan RESP endpoint host:port",
		},
		&cli.StringFlag{
			Name:        "infinispan-username",
			Category:    "Cache:",
			Sources:     cli.EnvVars("INBOX_SERVICE_INFINISPAN_USERNAME"),
			Destination: &cfg.InfinispanUsername,
			Usage:       "Infinispan username",
		},
		&cli.StringFlag{
			Name:        "infinispan-password",
			Category:    "Cache:",
			Sources:     cli.EnvVars("INBOX_SERVICE_INFINISPAN_PASSWORD"),
			Destination: &cfg.InfinispanPassword,
			Usage:       "Infinispan password",
		},
		&cli.DurationFlag{
			Name:        "infinispan-startup-timeout",
			Category:    "Cache:",
			Sources:     cli.EnvVars("INBOX_SERVICE_INFINISPAN_STARTUP_TIMEOUT"),
			Destination: &cfg.InfinispanStartupTimeout,
			Value:       cfg.InfinispanStartupTimeout,
			Usage:       "How long to wait for Infinispan at startup",
		},
		&cli.DurationFlag{
			Name:        "cache-participant-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("INBOX_SERVICE_CACHE_PARTICIPANT_TTL"),
			Destination: &cfg.CacheParticipantTTL,
			Value:       cfg.CacheParticipantTTL,
			Usage:       "How long conversation participants stay cached",
		},

		// ── Messages ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "message-max-length",
			Category:    "Messages:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MESSAGE_MAX_LENGTH"),
			Destination: &cfg.MessageMaxBodyLength,
			Value:       cfg.MessageMaxBodyLength,
			Usage:       "Maximum message text length in characters",
		},
		&cli.IntFlag{
			Name:        "history-default-page-size",
			Category:    "Messages:",
			Sources:     cli.EnvVars("INBOX_SERVICE_HISTORY_DEFAULT_PAGE_SIZE"),
			Destination: &cfg.HistoryDefaultPageSize,
			Value:       cfg.HistoryDefaultPageSize,
			Usage:       "Page size used when a history request omits pageSize",
		},
		&cli.IntFlag{
			Name:        "history-max-page-size",
			Category:    "Messages:",
			Sources:     cli.EnvVars("INBOX_SERVICE_HISTORY_MAX_PAGE_SIZE"),
			Destination: &cfg.HistoryMaxPageSize,
			Value:       cfg.HistoryMaxPageSize,
			Usage:       "Largest accepted history pageSize",
		},
		&cli.IntFlag{
			Name:        "conversations-page-size",
			Category:    "Messages:",
			Sources:     cli.EnvVars("INBOX_SERVICE_CONVERSATIONS_PAGE_SIZE"),
			Destination: &cfg.ConversationsListPageSize,
			Value:       cfg.ConversationsListPageSize,
			Usage:       "Default page size for the conversation list",
		},

		// ── Attachments ───────────────────────────────────────────
		&cli.StringFlag{
			Name:        "attachments-allowed-origins",
			Category:    "Attachments:",
			Sources:     cli.EnvVars("INBOX_SERVICE_ATTACHMENTS_ALLOWED_ORIGINS"),
			Destination: &cfg.AttachmentAllowedOrigins,
			Usage:       "Comma-separated URL prefixes attachment URLs must start with (empty = any " + strings.Join(registryattach.Schemes(), "|") + " URL)",
		},
		&cli.BoolFlag{
			Name:        "attachments-allow-private-source-urls",
			Category:    "Attachments:",
			Sources:     cli.EnvVars("INBOX_SERVICE_ATTACHMENTS_ALLOW_PRIVATE_SOURCE_URLS"),
			Destination: &cfg.AllowPrivateSourceURLs,
			Usage:       "Allow attachment URLs that resolve to private or loopback addresses",
		},
		&cli.DurationFlag{
			Name:        "attachments-fetch-timeout",
			Category:    "Attachments:",
			Sources:     cli.EnvVars("INBOX_SERVICE_ATTACHMENTS_FETCH_TIMEOUT"),
			Destination: &cfg.AttachmentFetchTimeout,
			Value:       cfg.AttachmentFetchTimeout,
			Usage:       "Timeout for connecting to an attachment origin",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-region",
			Category:    "Attachments:",
			Sources:     cli.EnvVars("INBOX_SERVICE_ATTACHMENTS_S3_REGION", "AWS_REGION"),
			Destination: &cfg.S3Region,
			Usage:       "Region for s3:// attachment URLs",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-endpoint",
			Category:    "Attachments:",
			Sources:     cli.EnvVars("INBOX_SERVICE_ATTACHMENTS_S3_ENDPOINT"),
			Destination: &cfg.S3Endpoint,
			Usage:       "Custom S3 endpoint (e.g. MinIO or LocalStack)",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-use-path-style",
			Category:    "Attachments:",
			Sources:     cli.EnvVars("INBOX_SERVICE_ATTACHMENTS_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 URLs",
		},

		// ── Retention ─────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "conversation-retention",
			Category:    "Retention:",
			Sources:     cli.EnvVars("INBOX_SERVICE_CONVERSATION_RETENTION"),
			Destination: &cfg.ConversationRetention,
			Usage:       "Delete conversations idle for longer than this (0 = keep forever)",
		},
		&cli.DurationFlag{
			Name:        "eviction-interval",
			Category:    "Retention:",
			Sources:     cli.EnvVars("INBOX_SERVICE_EVICTION_INTERVAL"),
			Destination: &cfg.EvictionInterval,
			Value:       cfg.EvictionInterval,
			Usage:       "How often idle conversations are evicted",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-size",
			Category:    "Retention:",
			Sources:     cli.EnvVars("INBOX_SERVICE_EVICTION_BATCH_SIZE"),
			Destination: &cfg.EvictionBatchSize,
			Value:       cfg.EvictionBatchSize,
			Usage:       "Conversations deleted per eviction batch",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-delay",
			Category:    "Retention:",
			Sources:     cli.EnvVars("INBOX_SERVICE_EVICTION_BATCH_DELAY"),
			Destination: &cfg.EvictionBatchDelay,
			Value:       cfg.EvictionBatchDelay,
			Usage:       "Pause between eviction batches in milliseconds",
		},

		// ── Authentication ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("INBOX_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("INBOX_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "Internal OIDC discovery URL when the issuer is not reachable",
		},
		&cli.StringFlag{
			Name:        "oidc-role-claim",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("INBOX_SERVICE_OIDC_ROLE_CLAIM"),
			Destination: &cfg.OIDCRoleClaim,
			Value:       cfg.OIDCRoleClaim,
			Usage:       "Token claim carrying the principal role (user|business)",
		},
		&cli.StringFlag{
			Name:        "business-oidc-role",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("INBOX_SERVICE_BUSINESS_OIDC_ROLE"),
			Destination: &cfg.BusinessOIDCRole,
			Value:       cfg.BusinessOIDCRole,
			Usage:       "Token role or group that marks a business principal",
		},
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("INBOX_SERVICE_JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "Shared secret for HS256 session tokens",
		},
		&cli.StringFlag{
			Name:        "business-principals",
			Category:    "Authentication:",
			Sources:     cli.EnvVars("INBOX_SERVICE_BUSINESS_PRINCIPALS"),
			Destination: &cfg.BusinessPrincipals,
			Usage:       "Comma-separated principal IDs treated as businesses when the token carries no role",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("INBOX_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Usage:       "Comma-separated key=value constant labels for all metrics (supports ${VAR})",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}
