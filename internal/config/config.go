// Package config loads process configuration from .env and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/security"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	MetricsPort string `mapstructure:"METRICS_PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	JWTSecret          string        `mapstructure:"JWT_SECRET"`
	JWTIssuer          string        `mapstructure:"JWT_ISSUER"`
	TokenTTL           time.Duration `mapstructure:"TOKEN_TTL"`
	FieldEncryptionKey string        `mapstructure:"FIELD_ENCRYPTION_KEY"`

	DocumentDir     string `mapstructure:"DOCUMENT_DIR"`
	InstitutionName string `mapstructure:"INSTITUTION_NAME"`

	SMTPHost     string        `mapstructure:"SMTP_HOST"`
	SMTPPort     int           `mapstructure:"SMTP_PORT"`
	SMTPUsername string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string        `mapstructure:"SMTP_FROM"`
	SMTPTimeout  time.Duration `mapstructure:"SMTP_TIMEOUT"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16  `mapstructure:"KAFKA_REPLICATION"`

	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint   string `mapstructure:"OTLP_ENDPOINT"`

	AuditLogPath string `mapstructure:"AUDIT_LOG_PATH"`
	ErrorLogPath string `mapstructure:"ERROR_LOG_PATH"`

	InteractionSource        string        `mapstructure:"INTERACTION_SOURCE"`
	InteractionLookupTimeout time.Duration `mapstructure:"INTERACTION_LOOKUP_TIMEOUT"`

	RepairWorkers  int           `mapstructure:"REPAIR_WORKERS"`
	RepairInterval time.Duration `mapstructure:"REPAIR_INTERVAL"`
	RepairGrace    time.Duration `mapstructure:"REPAIR_GRACE"`
}

var keys = []string{
	"PORT", "METRICS_PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL",
	"JWT_SECRET", "JWT_ISSUER", "TOKEN_TTL", "FIELD_ENCRYPTION_KEY",
	"DOCUMENT_DIR", "INSTITUTION_NAME",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM", "SMTP_TIMEOUT",
	"KAFKA_BROKERS", "KAFKA_REPLICATION",
	"TRACING_ENABLED", "OTLP_ENDPOINT",
	"AUDIT_LOG_PATH", "ERROR_LOG_PATH",
	"INTERACTION_SOURCE", "INTERACTION_LOOKUP_TIMEOUT",
	"REPAIR_WORKERS", "REPAIR_INTERVAL", "REPAIR_GRACE",
}

// Load reads ./.env when present, then the environment
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads the given dotenv file when present, then the environment.
// Environment variables win over the file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("METRICS_PORT", "9091")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("JWT_ISSUER", "rxguard")
	v.SetDefault("TOKEN_TTL", "8h")
	v.SetDefault("DOCUMENT_DIR", "./data/prescriptions")
	v.SetDefault("INSTITUTION_NAME", "General Hospital")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "prescriptions@localhost")
	v.SetDefault("SMTP_TIMEOUT", "10s")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("AUDIT_LOG_PATH", "logs/audit.log")
	v.SetDefault("ERROR_LOG_PATH", "logs/error.log")
	v.SetDefault("INTERACTION_SOURCE", "static")
	v.SetDefault("INTERACTION_LOOKUP_TIMEOUT", "2s")
	v.SetDefault("REPAIR_WORKERS", 4)
	v.SetDefault("REPAIR_INTERVAL", "1m")
	v.SetDefault("REPAIR_GRACE", "2m")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// the file is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks what every service needs to start safely
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", auth.MinSecretLength)
	}
	if _, err := security.ParseKey(c.FieldEncryptionKey); err != nil {
		return fmt.Errorf("FIELD_ENCRYPTION_KEY: %w", err)
	}
	switch c.InteractionSource {
	case "static", "postgres":
	default:
		return fmt.Errorf("INTERACTION_SOURCE must be \"static\" or \"postgres\", got %q", c.InteractionSource)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.InteractionLookupTimeout <= 0 || c.SMTPTimeout <= 0 {
		return fmt.Errorf("INTERACTION_LOOKUP_TIMEOUT and SMTP_TIMEOUT must be positive")
	}
	return nil
}

// IsDev reports whether ENV is development
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Brokers splits KAFKA_BROKERS
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// FieldKey returns the decoded field encryption key
func (c *Config) FieldKey() ([]byte, error) {
	return security.ParseKey(c.FieldEncryptionKey)
}

// GatewayConfig builds the authentication gateway configuration
func (c *Config) GatewayConfig() auth.Config {
	gc := auth.DefaultConfig([]byte(c.JWTSecret))
	gc.Issuer = c.JWTIssuer
	gc.TokenTTL = c.TokenTTL
	return gc
}
