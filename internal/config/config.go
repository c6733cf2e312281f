package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ericfitz/docsync/internal/slogging"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ClientConfig identifies the document and peer a client session joins
type ClientConfig struct {
	ServerURL  string `yaml:"server_url" env:"DOCSYNC_SERVER_URL"`
	DocumentID string `yaml:"document_id" env:"DOCSYNC_DOCUMENT_ID"`
	PeerID     string `yaml:"peer_id" env:"DOCSYNC_PEER_ID"`
	UserName   string `yaml:"user_name" env:"DOCSYNC_USER_NAME"`
	Token      string `yaml:"token" env:"DOCSYNC_TOKEN"`
}

// SessionConfig holds document session tuning
type SessionConfig struct {
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"DOCSYNC_AUTOSAVE_INTERVAL"`
	MailboxSize      int           `yaml:"mailbox_size" env:"DOCSYNC_MAILBOX_SIZE"`
}

// TransportConfig holds websocket channel configuration
type TransportConfig struct {
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout" env:"DOCSYNC_HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration   `yaml:"write_timeout" env:"DOCSYNC_WRITE_TIMEOUT"`
	PongWait         time.Duration   `yaml:"pong_wait" env:"DOCSYNC_PONG_WAIT"`
	PingPeriod       time.Duration   `yaml:"ping_period" env:"DOCSYNC_PING_PERIOD"`
	MaxMessageBytes  int64           `yaml:"max_message_bytes" env:"DOCSYNC_MAX_MESSAGE_BYTES"`
	SendQueue        int             `yaml:"send_queue" env:"DOCSYNC_SEND_QUEUE"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds the redial backoff policy
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled" env:"DOCSYNC_RECONNECT_ENABLED"`
	MaxAttempts  int           `yaml:"max_attempts" env:"DOCSYNC_RECONNECT_MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"DOCSYNC_RECONNECT_INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"DOCSYNC_RECONNECT_MAX_DELAY"`
}

// RelayConfig holds relay server configuration
type RelayConfig struct {
	Listen          string        `yaml:"listen" env:"DOCSYNC_RELAY_LISTEN"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"DOCSYNC_RELAY_ALLOWED_ORIGINS"`
	JWTSecret       string        `yaml:"jwt_secret" env:"DOCSYNC_RELAY_JWT_SECRET"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"DOCSYNC_RELAY_READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"DOCSYNC_RELAY_SHUTDOWN_TIMEOUT"`
	MaxChatHistory  int           `yaml:"max_chat_history" env:"DOCSYNC_RELAY_MAX_CHAT_HISTORY"`
	MaxTitleLength  int           `yaml:"max_title_length" env:"DOCSYNC_RELAY_MAX_TITLE_LENGTH"`
	MaxChatLength   int           `yaml:"max_chat_length" env:"DOCSYNC_RELAY_MAX_CHAT_LENGTH"`
}

// StoreConfig selects and configures document persistence
type StoreConfig struct {
	Driver string       `yaml:"driver" env:"DOCSYNC_STORE_DRIVER"`
	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"DOCSYNC_REDIS_ADDR"`
	Password  string `yaml:"password" env:"DOCSYNC_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"DOCSYNC_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"DOCSYNC_REDIS_KEY_PREFIX"`
}

// SQLiteConfig holds SQLite configuration
type SQLiteConfig struct {
	Path string `yaml:"path" env:"DOCSYNC_SQLITE_PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string                        `yaml:"level" env:"DOCSYNC_LOG_LEVEL"`
	IsDev            bool                          `yaml:"is_dev" env:"DOCSYNC_LOG_IS_DEV"`
	IsTest           bool                          `yaml:"is_test" env:"DOCSYNC_LOG_IS_TEST"`
	LogDir           string                        `yaml:"log_dir" env:"DOCSYNC_LOG_DIR"`
	MaxAgeDays       int                           `yaml:"max_age_days" env:"DOCSYNC_LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int                           `yaml:"max_size_mb" env:"DOCSYNC_LOG_MAX_SIZE_MB"`
	MaxBackups       int                           `yaml:"max_backups" env:"DOCSYNC_LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool                          `yaml:"also_log_to_console" env:"DOCSYNC_LOG_TO_CONSOLE"`
	Frames           slogging.ChannelLoggingConfig `yaml:"frames"`
}

// Load loads configuration from YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	// Override with environment variables
	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			ServerURL: "ws://localhost:8080/ws",
		},
		Session: SessionConfig{
			AutosaveInterval: time.Second,
			MailboxSize:      256,
		},
		Transport: TransportConfig{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       54 * time.Second,
			MaxMessageBytes:  1 << 20,
			SendQueue:        256,
			Reconnect: ReconnectConfig{
				Enabled:      true,
				MaxAttempts:  0, // unlimited
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		Relay: RelayConfig{
			Listen:          ":8080",
			ReadTimeout:     5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxChatHistory:  500,
			MaxTitleLength:  200,
			MaxChatLength:   4000,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "docsync:",
			},
			SQLite: SQLiteConfig{
				Path: "docsync.db",
			},
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: false,
			Frames: slogging.ChannelLoggingConfig{
				RedactTokens:   true,
				MaxMessageSize: 4096,
			},
		},
	}
}

// Default returns the built-in configuration without file or environment input
func Default() *Config {
	return getDefaultConfig()
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment variables
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		// Handle nested structs
		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	case reflect.Slice:
		// Handle string slices (comma-separated values)
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			slice := make([]string, 0, len(parts))
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					slice = append(slice, trimmed)
				}
			}
			field.Set(reflect.ValueOf(slice))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the settings shared by the client and the relay
func (c *Config) Validate() error {
	if c.Session.AutosaveInterval <= 0 {
		return fmt.Errorf("session autosave interval must be greater than 0")
	}
	if c.Session.MailboxSize <= 0 {
		return fmt.Errorf("session mailbox size must be greater than 0")
	}

	tr := c.Transport
	if tr.HandshakeTimeout <= 0 || tr.WriteTimeout <= 0 {
		return fmt.Errorf("transport timeouts must be greater than 0")
	}
	if tr.PongWait <= 0 {
		return fmt.Errorf("transport pong wait must be greater than 0")
	}
	if tr.PingPeriod <= 0 || tr.PingPeriod >= tr.PongWait {
		return fmt.Errorf("transport ping period must be positive and shorter than pong wait")
	}
	if tr.MaxMessageBytes <= 0 {
		return fmt.Errorf("transport max message bytes must be greater than 0")
	}
	if tr.SendQueue <= 0 {
		return fmt.Errorf("transport send queue must be greater than 0")
	}
	if rc := tr.Reconnect; rc.Enabled {
		if rc.MaxAttempts < 0 {
			return fmt.Errorf("reconnect max attempts must not be negative")
		}
		if rc.InitialDelay <= 0 {
			return fmt.Errorf("reconnect initial delay must be greater than 0")
		}
		if rc.MaxDelay < rc.InitialDelay {
			return fmt.Errorf("reconnect max delay must not be shorter than the initial delay")
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis store")
		}
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	return nil
}

// ValidateClient checks the settings a client session needs to join a document
func (c *Config) ValidateClient() error {
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client server url is required")
	}
	u, err := url.Parse(c.Client.ServerURL)
	if err != nil {
		return fmt.Errorf("client server url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("client server url must use ws or wss, got %q", u.Scheme)
	}
	if c.Client.DocumentID == "" {
		return fmt.Errorf("client document id is required")
	}
	if c.Client.PeerID == "" {
		return fmt.Errorf("client peer id is required")
	}
	return nil
}

// ValidateRelay checks the settings the relay server needs
func (c *Config) ValidateRelay() error {
	if c.Relay.Listen == "" {
		return fmt.Errorf("relay listen address is required")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay shutdown timeout must be greater than 0")
	}
	if c.Relay.MaxChatHistory <= 0 {
		return fmt.Errorf("relay max chat history must be greater than 0")
	}
	if c.Relay.MaxTitleLength <= 0 || c.Relay.MaxChatLength <= 0 {
		return fmt.Errorf("relay text limits must be greater than 0")
	}
	return nil
}

// IsTestMode returns true if running in test mode
func (c *Config) IsTestMode() bool {
	return c.Logging.IsTest || isRunningInTest()
}

// isRunningInTest detects if we're running under 'go test'
func isRunningInTest() bool {
	return flag.Lookup("test.v") != nil
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// LoggerConfig returns the slogging configuration for these settings
func (c *Config) LoggerConfig() slogging.Config {
	return slogging.Config{
		Level:            c.GetLogLevel(),
		IsDev:            c.Logging.IsDev,
		LogDir:           c.Logging.LogDir,
		MaxAgeDays:       c.Logging.MaxAgeDays,
		MaxSizeMB:        c.Logging.MaxSizeMB,
		MaxBackups:       c.Logging.MaxBackups,
		AlsoLogToConsole: c.Logging.AlsoLogToConsole,
	}
}
