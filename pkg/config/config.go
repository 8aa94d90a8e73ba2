package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // fraud timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Config holds all configuration for the consent service
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Consent      ConsentConfig      `mapstructure:"consent"`
	Notification NotificationConfig `mapstructure:"notification"`
	PatientAPI   PatientAPIConfig   `mapstructure:"patient_api"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	LogLevel     string             `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedProxies lists the CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For header is honored. Empty means the peer address is used.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres | memory
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool   `mapstructure:"migrate_on_start"`
}

// RedisConfig holds counter store configuration
type RedisConfig struct {
	Backend   string `mapstructure:"backend"` // redis | memory
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the host:port of the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds staff token validation configuration
type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// ConsentConfig holds the consent engine policy
type ConsentConfig struct {
	RequestTTL            time.Duration `mapstructure:"request_ttl"`
	OTPTTL                time.Duration `mapstructure:"otp_ttl"`
	OTPLength             int           `mapstructure:"otp_length"`
	OTPMaxAttempts        int           `mapstructure:"otp_max_attempts"`
	OTPBcryptCost         int           `mapstructure:"otp_bcrypt_cost"`
	RateLimitPerDay       int           `mapstructure:"rate_limit_per_day"`
	RateWindow            time.Duration `mapstructure:"rate_window"`
	LockoutMaxDenials     int           `mapstructure:"lockout_max_denials"`
	LockoutWindow         time.Duration `mapstructure:"lockout_window"`
	DefaultDurationDays   int           `mapstructure:"default_duration_days"`
	MaxDurationDays       int           `mapstructure:"max_duration_days"`
	WhitelistDurationDays int           `mapstructure:"whitelist_duration_days"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	CounterTimeout        time.Duration `mapstructure:"counter_timeout"`
	CounterMaxRetries     int           `mapstructure:"counter_max_retries"`
	Fraud                 FraudConfig   `mapstructure:"fraud"`
}

// FraudConfig holds the suspicious activity heuristics
type FraudConfig struct {
	Timezone               string        `mapstructure:"timezone"`
	NightStartHour         int           `mapstructure:"night_start_hour"`
	NightEndHour           int           `mapstructure:"night_end_hour"`
	MaxUserRequestsPerHour int           `mapstructure:"max_user_requests_per_hour"`
	MaxUserAccessPerHour   int           `mapstructure:"max_user_access_per_hour"`
	RepeatWindow           time.Duration `mapstructure:"repeat_window"`
}

// NotificationConfig holds the OTP delivery channel configuration
type NotificationConfig struct {
	BotURL     string        `mapstructure:"bot_url"`
	BotSecret  string        `mapstructure:"bot_secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// PatientAPIConfig holds the patient channel API configuration
type PatientAPIConfig struct {
	BotSecret         string `mapstructure:"bot_secret"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MetricsPath    string  `mapstructure:"metrics_path"`
	MetricsPort    int     `mapstructure:"metrics_port"`
	HealthPath     string  `mapstructure:"health_path"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from an explicit file when path is set, or
// from the standard search paths otherwise
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/consent-engine")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.trusted_proxies", []string{})

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "clinic")
	v.SetDefault("database.user", "clinic")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.migrate_on_start", false)

	// Redis defaults
	v.SetDefault("redis.backend", "redis")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "")

	// JWT defaults
	v.SetDefault("jwt.issuer", "clinic-erp")
	v.SetDefault("jwt.audience", "clinic-staff")

	// Consent policy defaults
	v.SetDefault("consent.request_ttl", "10m")
	v.SetDefault("consent.otp_ttl", "10m")
	v.SetDefault("consent.otp_length", 6)
	v.SetDefault("consent.otp_max_attempts", 3)
	v.SetDefault("consent.otp_bcrypt_cost", 10)
	v.SetDefault("consent.rate_limit_per_day", 3)
	v.SetDefault("consent.rate_window", "24h")
	v.SetDefault("consent.lockout_max_denials", 3)
	v.SetDefault("consent.lockout_window", "1h")
	v.SetDefault("consent.default_duration_days", 30)
	v.SetDefault("consent.max_duration_days", 365)
	v.SetDefault("consent.whitelist_duration_days", 180)
	v.SetDefault("consent.sweep_interval", "1m")
	v.SetDefault("consent.counter_timeout", "500ms")
	v.SetDefault("consent.counter_max_retries", 2)
	v.SetDefault("consent.fraud.timezone", "Asia/Almaty")
	v.SetDefault("consent.fraud.night_start_hour", 0)
	v.SetDefault("consent.fraud.night_end_hour", 6)
	v.SetDefault("consent.fraud.max_user_requests_per_hour", 10)
	v.SetDefault("consent.fraud.max_user_access_per_hour", 50)
	v.SetDefault("consent.fraud.repeat_window", "10m")

	// Notification defaults
	v.SetDefault("notification.timeout", "5s")
	v.SetDefault("notification.max_retries", 2)
	v.SetDefault("notification.backoff", "200ms")

	// Patient channel defaults
	v.SetDefault("patient_api.requests_per_minute", 60)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.metrics_port", 9090)
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.tracing_enabled", false)
	v.SetDefault("monitoring.sampling_rate", 0.1)
	v.SetDefault("monitoring.environment", "development")

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with conventional environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if botSecret := os.Getenv("TELEGRAM_BOT_API_SECRET"); botSecret != "" {
		config.PatientAPI.BotSecret = botSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if config.PatientAPI.BotSecret == "" {
		return fmt.Errorf("patient API bot secret is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	for _, proxy := range config.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid server.trusted_proxies entry %q", proxy)
		}
	}

	switch config.Database.Driver {
	case "postgres":
		if config.Database.Password == "" {
			return fmt.Errorf("database password is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver: %q", config.Database.Driver)
	}

	switch config.Redis.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported counter backend: %q", config.Redis.Backend)
	}

	return validateConsent(&config.Consent)
}

func validateConsent(c *ConsentConfig) error {
	if c.RequestTTL <= 0 || c.OTPTTL <= 0 {
		return fmt.Errorf("consent TTLs must be positive")
	}
	if c.OTPLength < 4 || c.OTPLength > 10 {
		return fmt.Errorf("consent.otp_length must be between 4 and 10, got %d", c.OTPLength)
	}
	if c.OTPMaxAttempts < 1 {
		return fmt.Errorf("consent.otp_max_attempts must be at least 1")
	}
	if c.RateLimitPerDay < 1 || c.LockoutMaxDenials < 1 {
		return fmt.Errorf("consent rate limits must be at least 1")
	}
	if c.RateWindow <= 0 || c.LockoutWindow <= 0 || c.Fraud.RepeatWindow <= 0 {
		return fmt.Errorf("consent counter windows must be positive")
	}
	if c.DefaultDurationDays < 1 || c.WhitelistDurationDays < 1 {
		return fmt.Errorf("grant durations must be at least one day")
	}
	if c.MaxDurationDays < c.DefaultDurationDays {
		return fmt.Errorf("consent.max_duration_days must not be below default_duration_days")
	}
	if c.Fraud.NightStartHour < 0 || c.Fraud.NightEndHour > 24 || c.Fraud.NightStartHour >= c.Fraud.NightEndHour {
		return fmt.Errorf("invalid night window %d-%d", c.Fraud.NightStartHour, c.Fraud.NightEndHour)
	}
	if _, err := time.LoadLocation(c.Fraud.Timezone); err != nil {
		return fmt.Errorf("invalid consent.fraud.timezone %q: %w", c.Fraud.Timezone, err)
	}
	return nil
}

// DefaultConsentConfig returns the consent policy defaults
func DefaultConsentConfig() ConsentConfig {
	return ConsentConfig{
		RequestTTL:            10 * time.Minute,
		OTPTTL:                10 * time.Minute,
		OTPLength:             6,
		OTPMaxAttempts:        3,
		OTPBcryptCost:         10,
		RateLimitPerDay:       3,
		RateWindow:            24 * time.Hour,
		LockoutMaxDenials:     3,
		LockoutWindow:         time.Hour,
		DefaultDurationDays:   30,
		MaxDurationDays:       365,
		WhitelistDurationDays: 180,
		SweepInterval:         time.Minute,
		CounterTimeout:        500 * time.Millisecond,
		CounterMaxRetries:     2,
		Fraud: FraudConfig{
			Timezone:               "Asia/Almaty",
			NightStartHour:         0,
			NightEndHour:           6,
			MaxUserRequestsPerHour: 10,
			MaxUserAccessPerHour:   50,
			RepeatWindow:           10 * time.Minute,
		},
	}
}
