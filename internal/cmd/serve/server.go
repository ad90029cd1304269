package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"inbox-service/internal/access"
	"inbox-service/internal/config"
	routesystem "inbox-service/internal/plugin/route/system"
	storemetrics "inbox-service/internal/plugin/store/metrics"
	"inbox-service/internal/proxy"
	registryattach "inbox-service/internal/registry/attach"
	registrycache "inbox-service/internal/registry/cache"
	registrymigrate "inbox-service/internal/registry/migrate"
	registryroute "inbox-service/internal/registry/route"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/security"
	"inbox-service/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.ConversationStore
	Router     *gin.Engine
	Running    *RunningServers
	Management *RunningServers

	stopWorkers context.CancelFunc
	workers     *errgroup.Group
}

// Shutdown stops accepting requests, waits for background workers and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Management != nil {
		if err := s.Management.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Running.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.stopWorkers()
	if err := s.workers.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting inbox service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"mode", cfg.Mode,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// The participant cache is optional: access checks fall back to the store.
	var participants registrycache.ParticipantCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if participants, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		participants = nil
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	sources, err := registryattach.LoadAll(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize attachment sources: %w", err)
	}

	evaluator := access.NewEvaluator(store, participants, cfg.CacheParticipantTTL)
	deps := &registryroute.Deps{
		Config:  cfg,
		Store:   store,
		Ingest:  service.NewIngest(store, evaluator, cfg),
		History: service.NewHistory(store, evaluator, cfg),
		Proxy:   proxy.New(sources, cfg.AllowedOrigins(), cfg.AttachmentFetchTimeout),
		Auth:    security.AuthMiddleware(security.NewTokenResolver(cfg)),
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}
	router.Use(security.RequestDeadlineMiddleware(cfg.RequestTimeout))

	if err := registryroute.Mount(router, deps, registryroute.MainRouteLoaders()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	// With a dedicated management port, health and metrics get their own bare
	// router. Otherwise they share the main router.
	var management *RunningServers
	if cfg.ManagementListenerEnabled {
		management, err = startManagementServer(cfg, deps)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else if err := registryroute.Mount(router, deps, registryroute.ManagementRouteLoaders()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load management routes: %w", err)
	}

	running, err := StartSinglePortHTTP("main", cfg.Listener, router)
	if err != nil {
		if management != nil {
			_ = management.Close(context.Background())
		}
		_ = store.Close()
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	// Background workers outlive the request context but stop on shutdown.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	workers, workerCtx := errgroup.WithContext(workerCtx)
	eviction := service.NewEvictionService(store, evaluator, cfg)
	workers.Go(func() error {
		eviction.Start(workerCtx)
		return nil
	})

	routesystem.MarkReady()
	return &Server{
		Config:      cfg,
		Store:       store,
		Router:      router,
		Running:     running,
		Management:  management,
		stopWorkers: stopWorkers,
		workers:     workers,
	}, nil
}
