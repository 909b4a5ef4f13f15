package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ConfigFile     string
	Listen         string
	ListenHTTP     string
	TLSMode        string
	Domain         string
	CertCacheDir   string
	TLSCertFile    string
	TLSKeyFile     string
	DBPath         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	APIKeyPepper   string
	LogLevel       string
	LogFile        string
	PprofListen    string

	RedisURL        string
	RedisChannel    string
	AlertWebhookURL string

	OutboxSize            int
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	PongTimeout           time.Duration
	MaxFrameBytes         int64
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
	CommandRetention      time.Duration
	DataRetention         time.Duration
	CleanupInterval       time.Duration
	IngestQueueSize       int
	IngestWorkers         int
}

// fileConfig mirrors ServerConfig for the optional YAML file. Durations are
// strings in time.ParseDuration format.
type fileConfig struct {
	Listen          string `yaml:"listen"`
	ListenHTTP      string `yaml:"http_challenge_listen"`
	TLSMode         string `yaml:"tls_mode"`
	Domain          string `yaml:"domain"`
	CertCacheDir    string `yaml:"cert_cache_dir"`
	TLSCertFile     string `yaml:"tls_cert_file"`
	TLSKeyFile      string `yaml:"tls_key_file"`
	DBPath          string `yaml:"db_path"`
	DBMaxOpenConns  int    `yaml:"db_max_open_conns"`
	DBMaxIdleConns  int    `yaml:"db_max_idle_conns"`
	APIKeyPepper    string `yaml:"api_key_pepper"`
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
	PprofListen     string `yaml:"pprof_listen"`
	RedisURL        string `yaml:"redis_url"`
	RedisChannel    string `yaml:"redis_channel"`
	AlertWebhookURL string `yaml:"alert_webhook_url"`

	Relay struct {
		OutboxSize    int    `yaml:"outbox_size"`
		WriteTimeout  string `yaml:"write_timeout"`
		PingInterval  string `yaml:"ping_interval"`
		PongTimeout   string `yaml:"pong_timeout"`
		MaxFrameBytes int64  `yaml:"max_frame_bytes"`
	} `yaml:"relay"`

	Commands struct {
		DefaultTimeout string `yaml:"default_timeout"`
		MaxTimeout     string `yaml:"max_timeout"`
		Retention      string `yaml:"retention"`
	} `yaml:"commands"`

	Ingest struct {
		QueueSize int `yaml:"queue_size"`
		Workers   int `yaml:"workers"`
	} `yaml:"ingest"`

	DataRetention   string `yaml:"data_retention"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

const (
	TLSModeOff    = "off"
	TLSModeStatic = "static"
	TLSModeAuto   = "auto"
)

const defaultListen = ":8080"
const defaultHTTPChallengeListen = ":80"
const defaultDBPath = "./devrelay.db"
const defaultCertCacheDir = "./cert"
const defaultRedisChannel = "devrelay:revocations"
const defaultOutboxSize = 256
const defaultWriteTimeout = 10 * time.Second
const defaultPingInterval = 30 * time.Second
const defaultPongTimeout = 75 * time.Second
const defaultMaxFrameBytes = 1 << 20
const defaultCommandTimeout = 30 * time.Second
const defaultMaxCommandTimeout = 5 * time.Minute
const defaultCommandRetention = 15 * time.Minute
const defaultDataRetention = 7 * 24 * time.Hour
const defaultCleanupInterval = time.Minute
const defaultIngestQueueSize = 4096
const defaultIngestWorkers = 2

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:                defaultListen,
		ListenHTTP:            defaultHTTPChallengeListen,
		TLSMode:               TLSModeOff,
		CertCacheDir:          defaultCertCacheDir,
		DBPath:                defaultDBPath,
		DBMaxOpenConns:        1,
		DBMaxIdleConns:        1,
		LogLevel:              "info",
		RedisChannel:          defaultRedisChannel,
		OutboxSize:            defaultOutboxSize,
		WriteTimeout:          defaultWriteTimeout,
		PingInterval:          defaultPingInterval,
		PongTimeout:           defaultPongTimeout,
		MaxFrameBytes:         defaultMaxFrameBytes,
		DefaultCommandTimeout: defaultCommandTimeout,
		MaxCommandTimeout:     defaultMaxCommandTimeout,
		CommandRetention:      defaultCommandRetention,
		DataRetention:         defaultDataRetention,
		CleanupInterval:       defaultCleanupInterval,
		IngestQueueSize:       defaultIngestQueueSize,
		IngestWorkers:         defaultIngestWorkers,
	}
}

// ParseServerFlags resolves the server configuration. Precedence, lowest
// first: built-in defaults, YAML file (--config or DEVRELAY_CONFIG),
// DEVRELAY_* environment, command-line flags.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	cfg.ConfigFile = configFileFromArgs(args)
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = strings.TrimSpace(os.Getenv("DEVRELAY_CONFIG"))
	}
	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return cfg, err
		}
	}

	cfg.Listen = envOrDefault("DEVRELAY_LISTEN", cfg.Listen)
	cfg.ListenHTTP = envOrDefault("DEVRELAY_LISTEN_HTTP_CHALLENGE", cfg.ListenHTTP)
	cfg.TLSMode = envOrDefault("DEVRELAY_TLS_MODE", cfg.TLSMode)
	cfg.Domain = envOrDefault("DEVRELAY_DOMAIN", cfg.Domain)
	cfg.CertCacheDir = envOrDefault("DEVRELAY_CERT_CACHE_DIR", cfg.CertCacheDir)
	cfg.TLSCertFile = envOrDefault("DEVRELAY_TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOrDefault("DEVRELAY_TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.DBPath = envOrDefault("DEVRELAY_DB_PATH", cfg.DBPath)
	cfg.DBMaxOpenConns = envIntOrDefault("DEVRELAY_DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.DBMaxIdleConns = envIntOrDefault("DEVRELAY_DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns)
	cfg.APIKeyPepper = envOrDefault("DEVRELAY_API_KEY_PEPPER", cfg.APIKeyPepper)
	cfg.LogLevel = envOrDefault("DEVRELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = envOrDefault("DEVRELAY_LOG_FILE", cfg.LogFile)
	cfg.PprofListen = envOrDefault("DEVRELAY_PPROF_LISTEN", cfg.PprofListen)
	cfg.RedisURL = envOrDefault("DEVRELAY_REDIS_URL", cfg.RedisURL)
	cfg.RedisChannel = envOrDefault("DEVRELAY_REDIS_CHANNEL", cfg.RedisChannel)
	cfg.AlertWebhookURL = envOrDefault("DEVRELAY_ALERT_WEBHOOK_URL", cfg.AlertWebhookURL)
	cfg.OutboxSize = envIntOrDefault("DEVRELAY_OUTBOX_SIZE", cfg.OutboxSize)
	cfg.DefaultCommandTimeout = envDurationOrDefault("DEVRELAY_COMMAND_TIMEOUT", cfg.DefaultCommandTimeout)
	cfg.MaxCommandTimeout = envDurationOrDefault("DEVRELAY_MAX_COMMAND_TIMEOUT", cfg.MaxCommandTimeout)
	cfg.CommandRetention = envDurationOrDefault("DEVRELAY_COMMAND_RETENTION", cfg.CommandRetention)
	cfg.DataRetention = envDurationOrDefault("DEVRELAY_DATA_RETENTION", cfg.DataRetention)
	cfg.PingInterval = envDurationOrDefault("DEVRELAY_PING_INTERVAL", cfg.PingInterval)
	cfg.PongTimeout = envDurationOrDefault("DEVRELAY_PONG_TIMEOUT", cfg.PongTimeout)

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP(S) listen address")
	fs.StringVar(&cfg.ListenHTTP, "http-challenge-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address (tls-mode=auto)")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|auto")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public host name for ACME certificates (tls-mode=auto)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file (tls-mode=static)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file (tls-mode=static)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotated file")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for revocation events (optional)")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "Redis pub/sub channel for revocation events")
	fs.StringVar(&cfg.AlertWebhookURL, "alert-webhook-url", cfg.AlertWebhookURL, "POST every data event to this URL (optional)")
	fs.IntVar(&cfg.OutboxSize, "outbox-size", cfg.OutboxSize, "Per-connection outbound queue capacity")
	fs.DurationVar(&cfg.DefaultCommandTimeout, "command-timeout", cfg.DefaultCommandTimeout, "Default command timeout")
	fs.DurationVar(&cfg.MaxCommandTimeout, "max-command-timeout", cfg.MaxCommandTimeout, "Upper bound for caller-specified command timeouts")
	fs.DurationVar(&cfg.CommandRetention, "command-retention", cfg.CommandRetention, "How long resolved commands stay queryable")
	fs.DurationVar(&cfg.DataRetention, "data-retention", cfg.DataRetention, "How long persisted data events and results are kept")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "WebSocket ping interval")
	fs.DurationVar(&cfg.PongTimeout, "pong-timeout", cfg.PongTimeout, "Close connections silent for this long")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (cfg *ServerConfig) validate() error {
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff:
	case TLSModeStatic:
		if strings.TrimSpace(cfg.TLSCertFile) == "" || strings.TrimSpace(cfg.TLSKeyFile) == "" {
			return errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	case TLSModeAuto:
		cfg.Domain = normalizeDomainHost(cfg.Domain)
		if cfg.Domain == "" {
			return errors.New("tls mode auto requires --domain or DEVRELAY_DOMAIN")
		}
	default:
		return errors.New("tls mode must be one of: off, static, auto")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return errors.New("db max idle conns must be <= db max open conns")
	}
	if cfg.OutboxSize <= 0 {
		return errors.New("outbox size must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("write timeout must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return errors.New("ping interval must be > 0")
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		return errors.New("pong timeout must be greater than ping interval")
	}
	if cfg.MaxFrameBytes <= 0 {
		return errors.New("max frame bytes must be > 0")
	}
	if cfg.DefaultCommandTimeout <= 0 {
		return errors.New("command timeout must be > 0")
	}
	if cfg.MaxCommandTimeout < cfg.DefaultCommandTimeout {
		return errors.New("max command timeout must be >= command timeout")
	}
	if cfg.CommandRetention <= 0 {
		return errors.New("command retention must be > 0")
	}
	if cfg.DataRetention <= 0 {
		return errors.New("data retention must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be > 0")
	}
	if cfg.IngestQueueSize <= 0 || cfg.IngestWorkers <= 0 {
		return errors.New("ingest queue size and workers must be > 0")
	}
	return nil
}

func (cfg *ServerConfig) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Listen, fc.Listen)
	setString(&cfg.ListenHTTP, fc.ListenHTTP)
	setString(&cfg.TLSMode, fc.TLSMode)
	setString(&cfg.Domain, fc.Domain)
	setString(&cfg.CertCacheDir, fc.CertCacheDir)
	setString(&cfg.TLSCertFile, fc.TLSCertFile)
	setString(&cfg.TLSKeyFile, fc.TLSKeyFile)
	setString(&cfg.DBPath, fc.DBPath)
	setInt(&cfg.DBMaxOpenConns, fc.DBMaxOpenConns)
	setInt(&cfg.DBMaxIdleConns, fc.DBMaxIdleConns)
	setString(&cfg.APIKeyPepper, fc.APIKeyPepper)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFile, fc.LogFile)
	setString(&cfg.PprofListen, fc.PprofListen)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.RedisChannel, fc.RedisChannel)
	setString(&cfg.AlertWebhookURL, fc.AlertWebhookURL)
	setInt(&cfg.OutboxSize, fc.Relay.OutboxSize)
	if fc.Relay.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = fc.Relay.MaxFrameBytes
	}
	setInt(&cfg.IngestQueueSize, fc.Ingest.QueueSize)
	setInt(&cfg.IngestWorkers, fc.Ingest.Workers)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.write_timeout", fc.Relay.WriteTimeout, &cfg.WriteTimeout},
		{"relay.ping_interval", fc.Relay.PingInterval, &cfg.PingInterval},
		{"relay.pong_timeout", fc.Relay.PongTimeout, &cfg.PongTimeout},
		{"commands.default_timeout", fc.Commands.DefaultTimeout, &cfg.DefaultCommandTimeout},
		{"commands.max_timeout", fc.Commands.MaxTimeout, &cfg.MaxCommandTimeout},
		{"commands.retention", fc.Commands.Retention, &cfg.CommandRetention},
		{"data_retention", fc.DataRetention, &cfg.DataRetention},
		{"cleanup_interval", fc.CleanupInterval, &cfg.CleanupInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// configFileFromArgs finds --config before the flag set is parsed so file
// values can seed flag defaults.
func configFileFromArgs(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
