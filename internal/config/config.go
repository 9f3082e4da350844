// Package config loads AgentIM's server and gateway configuration from
// environment variables, with an optional config file (YAML/JSON/TOML via
// viper) layered underneath for operators who prefer files to env vars.
// Flags set on the cobra command always win; env vars win over the config
// file; the config file wins over the built-in default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Server holds every environment variable the server binary reads (spec §6
// "Environment variables (core-relevant)" plus the server-only settings it
// lists by name without giving a full enumeration).
type Server struct {
	HTTPAddr   string
	DBDriver   string
	DBDSN      string
	LogLevel   string
	DataDir    string
	RedisAddr  string

	EncryptionKey string // ENCRYPTION_KEY, 32-byte AES-256-GCM key for Router.LlmApiKey

	AdminUsername string
	AdminPassword string

	WSAuthTimeout    time.Duration // WS_AUTH_TIMEOUT_MS
	ShutdownTimeout  time.Duration
	RouterTestTimeout time.Duration

	MaxMessageSize int
	MaxJSONDepth   int
	MaxActiveTasks int

	ClientMessageRateWindow time.Duration
	ClientMessageRateMax    int

	ConnLimitPerUser int

	KVFailOpenDefault bool // whether an unconfigured purpose fails open or closed
}

// Gateway holds every environment variable the gateway binary reads.
type Gateway struct {
	ServerURL      string
	GatewayID      string
	Token          string
	RefreshToken   string
	MaxReconnect   int           // AGENTIM_MAX_RECONNECT
	ProbeInterval  time.Duration // AGENTIM_PROBE_INTERVAL (ms)
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxQueueSize   int
	LogLevel       string
}

// Loader reads env vars with a config file (if present) as a fallback layer.
// v.AutomaticEnv means any key not found in the file still resolves from the
// environment.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader. configPath may be empty — a missing or absent
// file is not an error, since file-based config is optional (spec §6 lists
// env vars as the primary mechanism).
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading config file: %w", err)
			}
		}
	}

	return &Loader{v: v}, nil
}

// String returns key's value, preferring the config file / env over def.
func (l *Loader) String(key, def string) string {
	if l.v.IsSet(key) {
		return l.v.GetString(key)
	}
	return def
}

// Int returns key's value as an int, preferring the config file / env over def.
func (l *Loader) Int(key string, def int) int {
	if l.v.IsSet(key) {
		return l.v.GetInt(key)
	}
	return def
}

// Bool returns key's value as a bool, preferring the config file / env over def.
func (l *Loader) Bool(key string, def bool) bool {
	if l.v.IsSet(key) {
		return l.v.GetBool(key)
	}
	return def
}

// DurationMillis returns key's value as milliseconds converted to a time.Duration,
// matching the *_MS naming convention spec §6 uses for every timing env var.
func (l *Loader) DurationMillis(key string, defMillis int) time.Duration {
	if l.v.IsSet(key) {
		ms, err := strconv.Atoi(l.v.GetString(key))
		if err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(defMillis) * time.Millisecond
}

// LoadServer builds a Server config from env vars / config file, falling
// back to the documented defaults (spec §4.1-§4.10, §6).
func (l *Loader) LoadServer() Server {
	return Server{
		HTTPAddr:          l.String("AGENTIM_HTTP_ADDR", ":8080"),
		DBDriver:          l.String("AGENTIM_DB_DRIVER", "sqlite"),
		DBDSN:             l.String("AGENTIM_DB_DSN", "./agentim.db"),
		LogLevel:          l.String("AGENTIM_LOG_LEVEL", "info"),
		DataDir:           l.String("AGENTIM_DATA_DIR", "./data"),
		RedisAddr:         l.String("AGENTIM_REDIS_ADDR", "localhost:6379"),
		EncryptionKey:     l.String("ENCRYPTION_KEY", ""),
		AdminUsername:     l.String("ADMIN_USERNAME", ""),
		AdminPassword:     l.String("ADMIN_PASSWORD", ""),
		WSAuthTimeout:     l.DurationMillis("WS_AUTH_TIMEOUT_MS", 10_000),
		ShutdownTimeout:   l.DurationMillis("SHUTDOWN_TIMEOUT_MS", 10_000),
		RouterTestTimeout: l.DurationMillis("ROUTER_TEST_TIMEOUT_MS", 15_000),
		MaxMessageSize:    l.Int("MAX_MESSAGE_SIZE_BYTES", 64*1024),
		MaxJSONDepth:      l.Int("MAX_JSON_DEPTH", 10),
		MaxActiveTasks:    l.Int("MAX_ACTIVE_TASKS", 100),
		ClientMessageRateWindow: l.DurationMillis("CLIENT_MESSAGE_RATE_WINDOW_MS", 10_000),
		ClientMessageRateMax:    l.Int("CLIENT_MESSAGE_RATE_MAX", 20),
		ConnLimitPerUser:        l.Int("CONN_LIMIT_PER_USER", 10),
		KVFailOpenDefault:       l.Bool("KV_FAIL_OPEN_DEFAULT", true),
	}
}

// LoadGateway builds a Gateway config from env vars / config file.
func (l *Loader) LoadGateway() Gateway {
	return Gateway{
		ServerURL:     l.String("AGENTIM_SERVER_URL", "ws://localhost:8080/ws/gateway"),
		GatewayID:     l.String("AGENTIM_GATEWAY_ID", ""),
		Token:         l.String("AGENTIM_TOKEN", ""),
		RefreshToken:  l.String("AGENTIM_REFRESH_TOKEN", ""),
		MaxReconnect:  l.Int("AGENTIM_MAX_RECONNECT", 50),
		ProbeInterval: l.DurationMillis("AGENTIM_PROBE_INTERVAL", 300_000),
		PingInterval:  l.DurationMillis("AGENTIM_PING_INTERVAL_MS", 30_000),
		PongTimeout:   l.DurationMillis("AGENTIM_PONG_TIMEOUT_MS", 10_000),
		MaxQueueSize:  l.Int("AGENTIM_MAX_QUEUE_SIZE", 1000),
		LogLevel:      l.String("AGENTIM_LOG_LEVEL", "info"),
	}
}
