package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB     DBConfig
	Redis  RedisConfig
	MinIO  MinIOConfig
	JWT    JWTConfig
	Server ServerConfig
	MFA    MFAConfig
	SMS    SMSConfig
	SMTP   SMTPConfig
	Audit  AuditConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether shared-state stores should use redis rather than
// process-local memory.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether the audit exporter has somewhere to ship to.
func (c MinIOConfig) Enabled() bool {
	return c.Endpoint != ""
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port string
}

type MFAConfig struct {
	EncryptionSecret string
	Issuer           string
	TOTPSkew         int
	FlowTTL          time.Duration
	RateLimitWindow  time.Duration
	RateLimitMax     int
	BreakerFailures  int
	BreakerRecovery  time.Duration
	BreakerSuccesses int
}

type SMSProviderConfig struct {
	Name     string
	APIURL   string
	APIKey   string
	SenderID string
}

type SMSConfig struct {
	Providers []SMSProviderConfig
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

type AuditConfig struct {
	ExportInterval time.Duration
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "authvault"),
			Password: getEnv("DB_PASSWORD", "authvault_secret"),
			Name:     getEnv("DB_NAME", "authvault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "authvault-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		MFA: MFAConfig{
			EncryptionSecret: getEnv("MFA_ENCRYPTION_SECRET", ""),
			Issuer:           getEnv("MFA_TOTP_ISSUER", "AuthVault"),
			TOTPSkew:         getEnvAsInt("MFA_TOTP_SKEW", 1),
			FlowTTL:          getEnvAsDuration("MFA_FLOW_TTL", 15*time.Minute),
			RateLimitWindow:  getEnvAsDuration("MFA_RATE_LIMIT_WINDOW", 5*time.Minute),
			RateLimitMax:     getEnvAsInt("MFA_RATE_LIMIT_MAX", 3),
			BreakerFailures:  getEnvAsInt("MFA_BREAKER_FAILURES", 5),
			BreakerRecovery:  getEnvAsDuration("MFA_BREAKER_RECOVERY", 30*time.Second),
			BreakerSuccesses: getEnvAsInt("MFA_BREAKER_SUCCESSES", 1),
		},
		SMS: SMSConfig{
			Providers: loadSMSProviders(),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "465"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
	}
}

// loadSMSProviders reads up to two ordered gateways: SMS_PRIMARY_* then
// SMS_FALLBACK_*. Delivery tries them in this order.
func loadSMSProviders() []SMSProviderConfig {
	var providers []SMSProviderConfig
	for _, prefix := range []string{"SMS_PRIMARY", "SMS_FALLBACK"} {
		apiURL := getEnv(prefix+"_API_URL", "")
		if apiURL == "" {
			continue
		}
		providers = append(providers, SMSProviderConfig{
			Name:     getEnv(prefix+"_NAME", prefix),
			APIURL:   apiURL,
			APIKey:   getEnv(prefix+"_API_KEY", ""),
			SenderID: getEnv(prefix+"_SENDER_ID", "AuthVault"),
		})
	}
	return providers
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
