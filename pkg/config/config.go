package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Storage and fan-out backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Late classification policies.
const (
	LatePolicyActivation = "activation"
	LatePolicyScheduled  = "scheduled"
)

const minCredentialSecretLen = 32

type Config struct {
	Env       string
	Port      int
	APIPrefix string
	// TrustedProxies lists the proxy IPs/CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Storage    StorageConfig
	Fanout     FanoutConfig
	Attendance AttendanceConfig
	RateLimit  RateLimitConfig
	Workers    WorkersConfig
}

type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds the shared secret of the upstream identity provider.
type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string
	// SeedFile preloads the memory backend with sessions and rosters.
	SeedFile string
}

// FanoutConfig selects how realtime events leave the process.
type FanoutConfig struct {
	Backend       string
	ChannelPrefix string
	BufferSize    int
}

// AttendanceConfig tunes the credential and scan protocol.
type AttendanceConfig struct {
	CredentialSecret          string
	CredentialTTL             time.Duration
	RotationInterval          time.Duration
	ExpiringSoonWindow        time.Duration
	ClockSkew                 time.Duration
	SessionMaxDuration        time.Duration
	GraceWindow               time.Duration
	LatePolicy                string
	DeviceSimilarityThreshold float64
	QRSize                    int
}

// RateLimitConfig throttles scan submissions per client IP.
type RateLimitConfig struct {
	ScansPerMinute int
	Burst          int
}

// WorkersConfig sizes the absent-synthesis job queue.
type WorkersConfig struct {
	AbsenceWorkers    int
	AbsenceRetries    int
	AbsenceRetryDelay time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.TrustedProxies = splitAndTrim(v.GetString("TRUSTED_PROXIES"))

	cfg.Database = DatabaseConfig{
		Driver:       v.GetString("DB_DRIVER"),
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Storage = StorageConfig{
		Backend:  strings.ToLower(v.GetString("STORAGE_BACKEND")),
		SeedFile: v.GetString("STORAGE_SEED_FILE"),
	}

	cfg.Fanout = FanoutConfig{
		Backend:       strings.ToLower(v.GetString("FANOUT_BACKEND")),
		ChannelPrefix: v.GetString("FANOUT_CHANNEL_PREFIX"),
		BufferSize:    v.GetInt("FANOUT_BUFFER_SIZE"),
	}

	cfg.Attendance = AttendanceConfig{
		CredentialSecret:          v.GetString("CREDENTIAL_SECRET"),
		CredentialTTL:             parseDuration(v.GetString("CREDENTIAL_TTL"), 30*time.Second),
		RotationInterval:          parseDuration(v.GetString("ROTATION_INTERVAL"), 30*time.Second),
		ExpiringSoonWindow:        parseDuration(v.GetString("EXPIRING_SOON_WINDOW"), 5*time.Second),
		ClockSkew:                 parseDuration(v.GetString("CLOCK_SKEW"), 2*time.Second),
		SessionMaxDuration:        parseDuration(v.GetString("SESSION_MAX_DURATION"), time.Hour),
		GraceWindow:               parseDuration(v.GetString("GRACE_WINDOW"), 15*time.Minute),
		LatePolicy:                strings.ToLower(v.GetString("LATE_POLICY")),
		DeviceSimilarityThreshold: v.GetFloat64("DEVICE_SIMILARITY_THRESHOLD"),
		QRSize:                    v.GetInt("QR_SIZE"),
	}

	cfg.RateLimit = RateLimitConfig{
		ScansPerMinute: v.GetInt("SCAN_RATE_LIMIT_PER_MIN"),
		Burst:          v.GetInt("SCAN_RATE_LIMIT_BURST"),
	}

	cfg.Workers = WorkersConfig{
		AbsenceWorkers:    v.GetInt("ABSENCE_WORKERS"),
		AbsenceRetries:    v.GetInt("ABSENCE_RETRIES"),
		AbsenceRetryDelay: parseDuration(v.GetString("ABSENCE_RETRY_DELAY"), 2*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the protocol cannot run with.
func (c *Config) Validate() error {
	if c.Env == EnvProduction && len(c.Attendance.CredentialSecret) < minCredentialSecretLen {
		return errors.New("CREDENTIAL_SECRET must be at least 32 bytes in production")
	}
	if c.Attendance.CredentialSecret == "" {
		return errors.New("CREDENTIAL_SECRET is required")
	}
	if c.Attendance.CredentialTTL <= 0 || c.Attendance.RotationInterval <= 0 {
		return errors.New("CREDENTIAL_TTL and ROTATION_INTERVAL must be positive")
	}
	if c.Attendance.RotationInterval > c.Attendance.CredentialTTL {
		return errors.New("ROTATION_INTERVAL must not exceed CREDENTIAL_TTL")
	}
	switch c.Attendance.LatePolicy {
	case LatePolicyActivation, LatePolicyScheduled:
	default:
		return errors.New("LATE_POLICY must be activation or scheduled")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return errors.New("STORAGE_BACKEND must be memory or postgres")
	}
	switch c.Fanout.Backend {
	case BackendMemory, BackendRedis:
	default:
		return errors.New("FANOUT_BACKEND must be memory or redis")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("TRUSTED_PROXIES", "")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "qr_presence")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORAGE_BACKEND", BackendPostgres)
	v.SetDefault("FANOUT_BACKEND", BackendMemory)
	v.SetDefault("FANOUT_CHANNEL_PREFIX", "presence:session:")
	v.SetDefault("FANOUT_BUFFER_SIZE", 16)

	v.SetDefault("CREDENTIAL_SECRET", "dev_credential_secret_change_me_please")
	v.SetDefault("CREDENTIAL_TTL", "30s")
	v.SetDefault("ROTATION_INTERVAL", "30s")
	v.SetDefault("EXPIRING_SOON_WINDOW", "5s")
	v.SetDefault("CLOCK_SKEW", "2s")
	v.SetDefault("SESSION_MAX_DURATION", "60m")
	v.SetDefault("GRACE_WINDOW", "15m")
	v.SetDefault("LATE_POLICY", LatePolicyActivation)
	v.SetDefault("DEVICE_SIMILARITY_THRESHOLD", 0.5)
	v.SetDefault("QR_SIZE", 256)

	v.SetDefault("SCAN_RATE_LIMIT_PER_MIN", 30)
	v.SetDefault("SCAN_RATE_LIMIT_BURST", 10)

	v.SetDefault("ABSENCE_WORKERS", 2)
	v.SetDefault("ABSENCE_RETRIES", 5)
	v.SetDefault("ABSENCE_RETRY_DELAY", "2s")
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
