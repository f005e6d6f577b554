// Package config loads and validates KME configuration: the ETSI-recognized
// settings (spec §6) from a JSON file, layered under environment overrides
// for secrets, mirroring the original service's pydantic-settings precedence
// (init < env < dotenv < JSON file) and the teacher's env-driven pkg/config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AttachedKME describes a peer KME reachable over a QKD link, mirroring
// app.config.AttachedKmes in the original implementation.
type AttachedKME struct {
	URL      string `json:"url"`
	KmeID    string `json:"kme_id"`
	KmeCert  string `json:"kme_cert"`
	SaeCert  string `json:"sae_cert"`
	SaeKey   string `json:"sae_key"`
	LinkedTo string `json:"linked_to"`
	Distance int    `json:"distance"`
}

// AttachedSAE describes a locally attached Secure Application Entity.
type AttachedSAE struct {
	SaeID   string `json:"sae_id"`
	SaeCert string `json:"sae_cert"`
}

// AttachedTrustedNode describes a neighbor trusted node in the overlay.
type AttachedTrustedNode struct {
	URL  string `json:"url"`
	ID   string `json:"id"`
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// KME holds the settings recognized by spec §6, loaded verbatim from the
// JSON settings file named by -s/--settings.
type KME struct {
	ID string `json:"id"`

	ServerCertFile string `json:"server_cert_file"`
	ServerKeyFile  string `json:"server_key_file"`
	CAFile         string `json:"ca_file"`

	MinKeySize        int `json:"min_key_size"`
	MaxKeySize        int `json:"max_key_size"`
	DefaultKeySize    int `json:"default_key_size"`
	MaxKeyCount       int `json:"max_key_count"`
	MaxKeysPerRequest int `json:"max_keys_per_request"`
	KeyGenTimeoutSecs int `json:"key_generation_timeout_in_seconds"`

	IsMaster bool `json:"is_master"`

	MQHost        string `json:"mq_host"`
	MQPort        int    `json:"mq_port"`
	MQUsername    string `json:"mq_username"`
	MQPassword    string `json:"mq_password"`
	MQSharedQueue string `json:"mq_shared_queue"`

	AttachedKmes         []AttachedKME         `json:"attached_kmes"`
	AttachedSaes         []AttachedSAE         `json:"attached_saes"`
	AttachedTrustedNodes []AttachedTrustedNode `json:"attached_trusted_nodes"`
}

// KeyGenTimeout is KeyGenTimeoutSecs as a time.Duration.
func (k *KME) KeyGenTimeout() time.Duration {
	return time.Duration(k.KeyGenTimeoutSecs) * time.Second
}

// ServerConfig controls the HTTPS listener.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// AuditConfig points at the Postgres audit trail (event metadata only, never
// key material — consistent with the "no persistence of keys" non-goal).
type AuditConfig struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AdminConfig gates the debug key-store console (SPEC_FULL.md §12.1).
type AdminConfig struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
	SessionTTL   time.Duration
}

// TracingConfig holds the tracing settings read from the environment.
// Nothing reads it: discovery and relay wrap their outbound clients in
// otelhttp whatever Enabled says.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// RedisConfig points at the Redis instance backing pool-sync message
// streaming (internal/broker), rate limiting, and certificate revocation.
type RedisConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
}

// RateLimitConfig bounds request volume per caller.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// Config is the process-wide immutable snapshot (§9): built once at startup,
// read without locks thereafter.
type Config struct {
	KME       KME
	Server    ServerConfig
	Audit     AuditConfig
	Admin     AdminConfig
	Tracing   TracingConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
}

// CLIFlags are the recognized command-line flags (spec §6).
type CLIFlags struct {
	Port     int
	Reload   bool
	Settings string
}

// Load reads the JSON settings file named by flags.Settings, then layers
// ambient (non-ETSI) configuration from the environment, after loading a
// .env file if present.
func Load(flags CLIFlags) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(flags.Settings)
	if err != nil {
		return nil, fmt.Errorf("reading settings file %q: %w", flags.Settings, err)
	}

	var kme KME
	if err := json.Unmarshal(raw, &kme); err != nil {
		return nil, fmt.Errorf("parsing settings file %q: %w", flags.Settings, err)
	}

	port := strconv.Itoa(flags.Port)
	if port == "0" {
		port = getEnv("SERVER_PORT", "8443")
	}

	cfg := &Config{
		KME: kme,
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         port,
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Audit: AuditConfig{
			DatabaseURL:     getEnv("AUDIT_DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("AUDIT_DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("AUDIT_DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getDurationEnv("AUDIT_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Admin: AdminConfig{
			Username:     getEnv("ADMIN_USERNAME", "operator"),
			PasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
			TOTPSecret:   getEnv("ADMIN_TOTP_SECRET", ""),
			SessionTTL:   getDurationEnv("ADMIN_SESSION_TTL", 15*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:     getBoolEnv("TRACING_ENABLED", true),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "kme-"+kme.ID),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			Stream:   getEnv("REDIS_POOL_STREAM", "kme:"+kme.ID+":pool"),
			Group:    getEnv("REDIS_POOL_GROUP", "kme-pool-sync"),
		},
		RateLimit: RateLimitConfig{
			Limit:  getIntEnv("RATE_LIMIT_REQUESTS", 100),
			Window: getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
