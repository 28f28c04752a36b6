package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/gateway"
	"github.com/kelmah/messaging-service/internal/notify"
	routeattachments "github.com/kelmah/messaging-service/internal/plugin/route/attachments"
	routeconversations "github.com/kelmah/messaging-service/internal/plugin/route/conversations"
	routemessages "github.com/kelmah/messaging-service/internal/plugin/route/messages"
	routenotifications "github.com/kelmah/messaging-service/internal/plugin/route/notifications"
	routesystem "github.com/kelmah/messaging-service/internal/plugin/route/system"
	routews "github.com/kelmah/messaging-service/internal/plugin/route/ws"
	registryattach "github.com/kelmah/messaging-service/internal/registry/attach"
	registryemail "github.com/kelmah/messaging-service/internal/registry/email"
	registrymigrate "github.com/kelmah/messaging-service/internal/registry/migrate"
	registrypresence "github.com/kelmah/messaging-service/internal/registry/presence"
	registryroute "github.com/kelmah/messaging-service/internal/registry/route"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
	"github.com/kelmah/messaging-service/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.MessageStore
	Router *gin.Engine
	Hub    *gateway.Hub

	httpServer     *http.Server
	stopBackground context.CancelFunc
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopBackground != nil {
		s.stopBackground()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// StartServer initializes all subsystems and starts the HTTP server.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting messaging service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"presence", cfg.PresenceType,
		"attachments", cfg.AttachType,
		"scanner", cfg.ScanType,
		"email", cfg.EmailType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
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

	// Initialize presence registry
	presenceLoader, err := registrypresence.Select(cfg.PresenceType)
	if err != nil {
		return nil, err
	}
	presence, err := presenceLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize presence registry: %w", err)
	}

	// Initialize attachment store (optional).
	var attachStore registryattach.AttachmentStore
	if cfg.AttachType != "" {
		attachLoader, err := registryattach.Select(cfg.AttachType)
		if err != nil {
			log.Warn("Attachment store not available", "err", err)
		} else {
			attachStore, err = attachLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize attachment store", "err", err)
			}
		}
	}

	// Initialize scanner. Attachments stay pending without one, so a missing
	// scanner is a startup failure rather than a silent skip.
	scanLoader, err := registryscan.Select(cfg.ScanType)
	if err != nil {
		return nil, err
	}
	scanner, err := scanLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scanner: %w", err)
	}

	// Initialize email sender.
	var emailSender registryemail.Sender
	emailLoader, err := registryemail.Select(cfg.EmailType)
	if err != nil {
		log.Warn("Email sender not available", "err", err)
	} else {
		emailSender, err = emailLoader(ctx)
		if err != nil {
			log.Warn("Failed to initialize email sender", "err", err)
		}
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

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Realtime hub and notification dispatcher reference each other; build the
	// hub first, then attach the dispatcher.
	hub := gateway.NewHub(cfg, store, presence)
	dispatcher, err := notify.NewDispatcher(cfg, store, hub, emailSender)
	if err != nil {
		return nil, err
	}
	hub.SetNotifier(dispatcher)

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Mount API routes
	routeconversations.MountRoutes(router, store, auth)
	routemessages.MountRoutes(router, store, hub, auth)
	routeattachments.MountRoutes(router, store, attachStore, scanner, cfg, auth)
	routenotifications.MountRoutes(router, store, dispatcher, auth)
	routews.MountRoutes(router, hub, auth)

	// Management routes share the main listener.
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	// Background services run until shutdown, not until the startup context ends.
	bgCtx, stopBackground := context.WithCancel(config.WithContext(context.Background(), cfg))

	scanWorker := service.NewScanWorker(cfg, store, scanner, attachStore)
	go scanWorker.Start(bgCtx)

	cleanup := service.NewNotificationCleanup(cfg, store)
	go cleanup.Start(bgCtx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Listener.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		var err error
		if cfg.Listener.TLSCertFile != "" && cfg.Listener.TLSKeyFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.Listener.TLSCertFile, cfg.Listener.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	log.Info("Server listening", "port", cfg.Listener.Port, "tls", cfg.Listener.TLSCertFile != "")

	routesystem.MarkReady()
	return &Server{
		Config:         cfg,
		Store:          store,
		Router:         router,
		Hub:            hub,
		httpServer:     httpServer,
		stopBackground: stopBackground,
	}, nil
}
