package serve

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"inbox-service/internal/config"
	registryroute "inbox-service/internal/registry/route"
	"inbox-service/internal/security"
)

// startManagementServer serves health, readiness and metrics on a dedicated port.
// It shares TLS material with the main listener and falls back to plaintext when
// both modes are disabled.
func startManagementServer(cfg *config.Config, deps *registryroute.Deps) (*RunningServers, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	}
	if err := registryroute.Mount(router, deps, registryroute.ManagementRouteLoaders()); err != nil {
		return nil, fmt.Errorf("failed to load management routes: %w", err)
	}

	listener := cfg.ManagementListener
	listener.TLSCertFile = cfg.Listener.TLSCertFile
	listener.TLSKeyFile = cfg.Listener.TLSKeyFile
	listener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
	if !listener.EnablePlainText && !listener.EnableTLS {
		listener.EnablePlainText = true
	}

	running, err := StartSinglePortHTTP("management", listener, router)
	if err != nil {
		return nil, err
	}
	log.Info("Management server listening", "addr", running.Addr)
	return running, nil
}
