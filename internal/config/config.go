package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Log            LogConfig            `mapstructure:"log"`
	APIKey         APIKeyConfig         `mapstructure:"api_key"`
	DeviceBinding  DeviceBindingConfig  `mapstructure:"device_binding"`
	RequestSigning RequestSigningConfig `mapstructure:"request_signing"`
	MobileTokens   MobileTokensConfig   `mapstructure:"mobile_tokens"`
	TokenRotation  TokenRotationConfig  `mapstructure:"token_rotation"`
	RateLimits     RateLimitsConfig     `mapstructure:"rate_limits"`
	SecurityEvents SecurityEventsConfig `mapstructure:"security_events"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string. The connect timeout
// bounds reconnect attempts after a dropped pool connection, not just
// the startup ping.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=5",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIKeyConfig holds the shared application secret checked on every
// mobile request before any other gateway step runs.
type APIKeyConfig struct {
	Required   bool   `mapstructure:"required"`
	HeaderName string `mapstructure:"header_name"`
	Key        string `mapstructure:"key"`
}

// DeviceBindingConfig holds device registry limits and trust policy
type DeviceBindingConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxDevicesPerUser int           `mapstructure:"max_devices_per_user"`
	TrustDuration     time.Duration `mapstructure:"device_trust_duration"`
}

// RequestSigningConfig holds HMAC request signing configuration.
// Header names are overridable so the mobile client and server can be
// rolled forward independently.
type RequestSigningConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	RequireNonce       bool          `mapstructure:"require_nonce"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
	Algorithm          string        `mapstructure:"algorithm"`
	DeviceIDHeader     string        `mapstructure:"device_id_header"`
	TimestampHeader    string        `mapstructure:"timestamp_header"`
	NonceHeader        string        `mapstructure:"nonce_header"`
	SignatureHeader    string        `mapstructure:"signature_header"`
}

// TokenPolicy describes one half of a token pair
type TokenPolicy struct {
	Lifetime  time.Duration `mapstructure:"lifetime"`
	Abilities []string      `mapstructure:"abilities"`
}

// MobileTokensConfig holds the access/refresh token policies
type MobileTokensConfig struct {
	Access  TokenPolicy `mapstructure:"access"`
	Refresh TokenPolicy `mapstructure:"refresh"`
}

// TokenRotationConfig holds the proactive rotation policy
type TokenRotationConfig struct {
	// Threshold is the elapsed/lifetime ratio above which clients are
	// told to rotate their access token.
	Threshold float64 `mapstructure:"threshold"`
}

// RateLimitRule is one (count, window) budget
type RateLimitRule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitsConfig holds per-class rate limit budgets
type RateLimitsConfig struct {
	Auth       RateLimitRule `mapstructure:"auth"`
	Sensitive  RateLimitRule `mapstructure:"sensitive"`
	APIGeneral RateLimitRule `mapstructure:"api_general"`
}

// SecurityEventsConfig holds the tiered response thresholds for the
// security event logger
type SecurityEventsConfig struct {
	PersistThreshold float64 `mapstructure:"persist_threshold"`
	SIEMThreshold    float64 `mapstructure:"siem_threshold"`
	AlertThreshold   float64 `mapstructure:"alert_threshold"`
	SIEMChannel      string  `mapstructure:"siem_channel"`
	AlertChannel     string  `mapstructure:"alert_channel"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/fieldgate")

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("FIELDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "fieldgate")
	v.SetDefault("database.user", "fieldgate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// API key defaults: the check only runs when a key is configured
	v.SetDefault("api_key.required", false)
	v.SetDefault("api_key.header_name", "X-API-Key")
	v.SetDefault("api_key.key", "")

	// Device binding defaults
	v.SetDefault("device_binding.enabled", true)
	v.SetDefault("device_binding.max_devices_per_user", 5)
	v.SetDefault("device_binding.device_trust_duration", "720h") // 30 days

	// Request signing defaults
	v.SetDefault("request_signing.enabled", true)
	v.SetDefault("request_signing.require_nonce", true)
	v.SetDefault("request_signing.timestamp_tolerance", "300s")
	v.SetDefault("request_signing.algorithm", "sha256")
	v.SetDefault("request_signing.device_id_header", "X-Device-Id")
	v.SetDefault("request_signing.timestamp_header", "X-Timestamp")
	v.SetDefault("request_signing.nonce_header", "X-Nonce")
	v.SetDefault("request_signing.signature_header", "X-Signature")

	// Mobile token defaults
	v.SetDefault("mobile_tokens.access.lifetime", "900s")
	v.SetDefault("mobile_tokens.access.abilities", []string{"*"})
	v.SetDefault("mobile_tokens.refresh.lifetime", "24h")
	v.SetDefault("mobile_tokens.refresh.abilities", []string{"refresh"})

	// Rotation defaults
	v.SetDefault("token_rotation.threshold", 0.8)

	// Rate limit defaults
	v.SetDefault("rate_limits.auth.limit", 10)
	v.SetDefault("rate_limits.auth.window", "1m")
	v.SetDefault("rate_limits.sensitive.limit", 30)
	v.SetDefault("rate_limits.sensitive.window", "1m")
	v.SetDefault("rate_limits.api_general.limit", 120)
	v.SetDefault("rate_limits.api_general.window", "1m")

	// Security event defaults
	v.SetDefault("security_events.persist_threshold", 0.6)
	v.SetDefault("security_events.siem_threshold", 0.8)
	v.SetDefault("security_events.alert_threshold", 0.9)
	v.SetDefault("security_events.siem_channel", "fieldgate:siem")
	v.SetDefault("security_events.alert_channel", "fieldgate:alerts")
}
