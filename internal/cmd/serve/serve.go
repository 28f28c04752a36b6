package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/kelmah/messaging-service/internal/config"
	registryattach "github.com/kelmah/messaging-service/internal/registry/attach"
	registryemail "github.com/kelmah/messaging-service/internal/registry/email"
	registrypresence "github.com/kelmah/messaging-service/internal/registry/presence"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/kelmah/messaging-service/internal/plugin/attach/dbstore"
	_ "github.com/kelmah/messaging-service/internal/plugin/attach/s3store"
	_ "github.com/kelmah/messaging-service/internal/plugin/email/noop"
	_ "github.com/kelmah/messaging-service/internal/plugin/email/relay"
	_ "github.com/kelmah/messaging-service/internal/plugin/presence/memory"
	_ "github.com/kelmah/messaging-service/internal/plugin/presence/redis"
	_ "github.com/kelmah/messaging-service/internal/plugin/route/system"
	_ "github.com/kelmah/messaging-service/internal/plugin/scan/clamav"
	_ "github.com/kelmah/messaging-service/internal/plugin/scan/httpscan"
	_ "github.com/kelmah/messaging-service/internal/plugin/scan/stub"
	_ "github.com/kelmah/messaging-service/internal/plugin/store/mongo"
	_ "github.com/kelmah/messaging-service/internal/plugin/store/sqlstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the messaging service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (default allows any)",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Presence ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "presence-kind",
			Category:    "Presence:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PRESENCE_KIND"),
			Destination: &cfg.PresenceType,
			Value:       cfg.PresenceType,
			Usage:       "Presence registry (" + strings.Join(registrypresence.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Presence:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the redis presence registry",
		},
		&cli.DurationFlag{
			Name:        "presence-ttl",
			Category:    "Presence:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PRESENCE_TTL"),
			Destination: &cfg.PresenceTTL,
			Value:       cfg.PresenceTTL,
			Usage:       "Expiry for presence entries in external backends",
		},

		// ── Attachment Storage ────────────────────────────────────
		&cli.StringFlag{
			Name:        "attachments-kind",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_KIND"),
			Destination: &cfg.AttachType,
			Value:       cfg.AttachType,
			Usage:       "Attachment store (" + strings.Join(registryattach.Names(), "|") + ")",
		},
		&cli.Int64Flag{
			Name:        "attachments-max-size",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_MAX_SIZE"),
			Destination: &cfg.AttachmentMaxSize,
			Value:       cfg.AttachmentMaxSize,
			Usage:       "Maximum attachment size in bytes",
		},
		&cli.DurationFlag{
			Name:        "attachments-download-url-expires-in",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_DOWNLOAD_URL_EXPIRES_IN"),
			Destination: &cfg.AttachmentDownloadURLExpiresIn,
			Value:       cfg.AttachmentDownloadURLExpiresIn,
			Usage:       "Validity window for presigned download URLs",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-bucket",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for attachments",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-prefix",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix for attachment objects",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-use-path-style",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-external-endpoint",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ATTACHMENTS_S3_EXTERNAL_ENDPOINT"),
			Destination: &cfg.S3ExternalEndpoint,
			Usage:       "Public endpoint substituted into presigned URLs",
		},

		// ── Virus Scanning ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "scan-kind",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_KIND"),
			Destination: &cfg.ScanType,
			Value:       cfg.ScanType,
			Usage:       "Scanner backend (" + strings.Join(registryscan.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "scan-clamav-address",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_CLAMAV_ADDRESS"),
			Destination: &cfg.ClamAVAddress,
			Usage:       "clamd daemon host:port",
		},
		&cli.DurationFlag{
			Name:        "scan-clamav-timeout",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_CLAMAV_TIMEOUT"),
			Destination: &cfg.ClamAVTimeout,
			Value:       cfg.ClamAVTimeout,
			Usage:       "Per-scan clamd socket deadline",
		},
		&cli.StringFlag{
			Name:        "scan-http-endpoint",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_HTTP_ENDPOINT"),
			Destination: &cfg.ScanHTTPEndpoint,
			Usage:       "HTTP scanner endpoint URL",
		},
		&cli.StringFlag{
			Name:        "scan-http-api-key",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_HTTP_API_KEY"),
			Destination: &cfg.ScanHTTPAPIKey,
			Usage:       "Bearer token for the HTTP scanner",
		},
		&cli.DurationFlag{
			Name:        "scan-http-timeout",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_HTTP_TIMEOUT"),
			Destination: &cfg.ScanHTTPTimeout,
			Value:       cfg.ScanHTTPTimeout,
			Usage:       "HTTP scanner request timeout",
		},
		&cli.Int64Flag{
			Name:        "scan-http-max-inline-size",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_HTTP_MAX_INLINE_SIZE"),
			Destination: &cfg.ScanHTTPMaxInlineSize,
			Value:       cfg.ScanHTTPMaxInlineSize,
			Usage:       "Largest payload submitted inline (base64) to the HTTP scanner",
		},
		&cli.BoolFlag{
			Name:        "scan-stream-download",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_STREAM_DOWNLOAD"),
			Destination: &cfg.ScanStreamDownload,
			Value:       cfg.ScanStreamDownload,
			Usage:       "Allow the scan worker to download stored objects for scanning",
		},
		&cli.DurationFlag{
			Name:        "scan-worker-interval",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_WORKER_INTERVAL"),
			Destination: &cfg.ScanWorkerInterval,
			Value:       cfg.ScanWorkerInterval,
			Usage:       "How often the scan worker polls for pending attachments",
		},
		&cli.IntFlag{
			Name:        "scan-worker-batch",
			Category:    "Virus Scanning:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_SCAN_WORKER_BATCH"),
			Destination: &cfg.ScanWorkerBatch,
			Value:       cfg.ScanWorkerBatch,
			Usage:       "Pending attachments claimed per scan worker tick",
		},

		// ── Email ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "email-kind",
			Category:    "Email:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_EMAIL_KIND"),
			Destination: &cfg.EmailType,
			Value:       cfg.EmailType,
			Usage:       "Email sender (" + strings.Join(registryemail.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "email-endpoint",
			Category:    "Email:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_EMAIL_ENDPOINT"),
			Destination: &cfg.EmailEndpoint,
			Usage:       "HTTP relay endpoint for outbound email",
		},
		&cli.StringFlag{
			Name:        "email-api-key",
			Category:    "Email:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_EMAIL_API_KEY"),
			Destination: &cfg.EmailAPIKey,
			Usage:       "Bearer token for the email relay",
		},
		&cli.StringFlag{
			Name:        "email-from",
			Category:    "Email:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_EMAIL_FROM"),
			Destination: &cfg.EmailFrom,
			Value:       cfg.EmailFrom,
			Usage:       "From address for outbound email",
		},
		&cli.DurationFlag{
			Name:        "email-timeout",
			Category:    "Email:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_EMAIL_TIMEOUT"),
			Destination: &cfg.EmailTimeout,
			Value:       cfg.EmailTimeout,
			Usage:       "Outbound email request timeout",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_JWT_SECRET", "JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "HMAC secret for gateway-issued JWTs (used when OIDC is not configured)",
		},
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts raw user IDs as bearer tokens",
		},
		&cli.StringFlag{
			Name:        "roles-admin-users",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_ROLES_ADMIN_USERS"),
			Destination: &cfg.AdminUsers,
			Usage:       "Comma-separated user IDs with admin permissions",
		},

		// ── Messaging ─────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "message-page-size",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MESSAGE_PAGE_SIZE"),
			Destination: &cfg.MessagePageSize,
			Value:       cfg.MessagePageSize,
			Usage:       "Default page size for message history",
		},
		&cli.DurationFlag{
			Name:        "message-edit-window",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_MESSAGE_EDIT_WINDOW"),
			Destination: &cfg.MessageEditWindow,
			Value:       cfg.MessageEditWindow,
			Usage:       "How long after sending a message stays editable",
		},
		&cli.IntFlag{
			Name:        "gateway-send-buffer",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_GATEWAY_SEND_BUFFER"),
			Destination: &cfg.GatewaySendBuffer,
			Value:       cfg.GatewaySendBuffer,
			Usage:       "Per-connection outbound websocket event buffer",
		},

		// ── Notifications ─────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "notification-retention",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_NOTIFICATION_RETENTION"),
			Destination: &cfg.NotificationRetention,
			Value:       cfg.NotificationRetention,
			Usage:       "How long notifications are kept before the cleanup sweep deletes them",
		},
		&cli.DurationFlag{
			Name:        "notification-cleanup-interval",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_NOTIFICATION_CLEANUP_INTERVAL"),
			Destination: &cfg.NotificationCleanupInterval,
			Value:       cfg.NotificationCleanupInterval,
			Usage:       "How often the notification retention sweep runs",
		},
		&cli.Int64Flag{
			Name:        "preference-cache-size",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_PREFERENCE_CACHE_SIZE"),
			Destination: &cfg.PreferenceCacheSize,
			Value:       cfg.PreferenceCacheSize,
			Usage:       "Notification preference records kept in the in-process cache",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MESSAGING_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=messaging-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
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
		if isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodPost || req.URL.Path != "/api/attachments" {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
