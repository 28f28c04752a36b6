package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
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

// Config holds all configuration for the messaging service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode bearer tokens are accepted as raw user IDs.
	Mode string

	// Database
	DBURL                   string
	DatastoreType           string // "postgres", "sqlite", or "mongo"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Presence registry backend
	PresenceType string // "memory" or "redis"
	RedisURL     string
	// PresenceTTL bounds how long a connection entry survives in an external
	// presence backend without a refresh (crash recovery).
	PresenceTTL time.Duration

	// Attachment blob storage
	AttachType                     string // "db" or "s3"
	AttachmentMaxSize              int64
	AttachmentDownloadURLExpiresIn time.Duration

	// S3
	S3Bucket           string
	S3Prefix           string
	S3UsePathStyle     bool
	S3ExternalEndpoint string

	// Virus scanning
	ScanType string // "clamav", "http", or "stub"
	// ClamAVAddress is the host:port of a clamd daemon speaking the INSTREAM protocol.
	ClamAVAddress string
	ClamAVTimeout time.Duration
	// ClamAVChunkSize is the INSTREAM chunk size in bytes.
	ClamAVChunkSize  int
	ScanHTTPEndpoint string
	ScanHTTPAPIKey   string
	ScanHTTPTimeout  time.Duration
	// ScanHTTPMaxInlineSize is the largest payload sent inline (base64) to the
	// HTTP scanner; larger objects are submitted as metadata only.
	ScanHTTPMaxInlineSize int64
	// ScanStreamDownload allows the scan worker to download remote objects for
	// scanning. When false, remote-only attachments stay pending with reason
	// "stream_disabled".
	ScanStreamDownload bool
	ScanWorkerInterval time.Duration
	ScanWorkerBatch    int

	// Email
	EmailType     string // "relay" or "none"
	EmailEndpoint string
	EmailAPIKey   string
	EmailFrom     string
	EmailTimeout  time.Duration

	// Auth
	OIDCIssuer       string
	OIDCDiscoveryURL string
	// JWTSecret enables HMAC-SHA256 verification of gateway-issued tokens when
	// OIDC is not configured.
	JWTSecret string
	// AdminUsers is a comma-separated list of user ids granted the admin role.
	AdminUsers string

	// Server
	Listener            ListenerConfig
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string
	MaxBodySize         int64
	DrainTimeout        int

	// Messaging behavior
	MessagePageSize int
	// MessageEditWindow is how long after sending a message remains editable.
	MessageEditWindow time.Duration
	TypingTTL         time.Duration

	// GatewaySendBuffer is the per-connection outbound event buffer; frames to
	// a client that cannot drain it are dropped rather than allowed to block
	// the hub.
	GatewaySendBuffer int

	// Notifications
	NotificationRetention       time.Duration
	NotificationCleanupInterval time.Duration
	// PreferenceCacheSize is the max number of NotificationPreference records
	// held in the in-process read cache.
	PreferenceCacheSize int64

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                           ModeProd,
		DatastoreType:                  "postgres",
		DatastoreMigrateAtStart:        true,
		DBMaxOpenConns:                 25,
		DBMaxIdleConns:                 5,
		PresenceType:                   "memory",
		PresenceTTL:                    90 * time.Second,
		AttachType:                     "db",
		AttachmentMaxSize:              10 * 1024 * 1024, // 10 MB
		AttachmentDownloadURLExpiresIn: 5 * time.Minute,
		ScanType:                       "stub",
		ClamAVTimeout:                  5 * time.Second,
		ClamAVChunkSize:                32 * 1024,
		ScanHTTPTimeout:                5 * time.Second,
		ScanHTTPMaxInlineSize:          2 * 1024 * 1024,
		ScanStreamDownload:             true,
		ScanWorkerInterval:             15 * time.Second,
		ScanWorkerBatch:                20,
		EmailType:                      "none",
		EmailTimeout:                   5 * time.Second,
		EmailFrom:                      "no-reply@kelmah.com",
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:                 20 * 1024 * 1024,
		DrainTimeout:                30,
		MessagePageSize:             50,
		MessageEditWindow:           24 * time.Hour,
		TypingTTL:                   10 * time.Second,
		GatewaySendBuffer:           64,
		NotificationRetention:       30 * 24 * time.Hour,
		NotificationCleanupInterval: 2 * time.Hour,
		PreferenceCacheSize:         10_000,
	}
}
