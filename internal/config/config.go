package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port           string
	Env            string
	DatabaseDriver string
	DatabaseDSN    string
	JWTSecret      string
	TokenTTLDays   int
	ClientURL      string
	AllowedOrigins []string
	SessionSecret  string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	MediaBackend    string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string

	JobBackend      string
	RedisURL        string
	JobPollInterval time.Duration
	StoryTTL        time.Duration
	StorySweepSpec  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getduration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load 从环境变量读取配置。工作目录下存在 .env 时先加载，真实环境变量优先。
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:           getenv("APP_PORT", "4000"),
		Env:            getenv("APP_ENV", "dev"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:    getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=instaup port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:      getenv("JWT_SECRET", defaultJWTSecret),
		TokenTTLDays:   getint("TOKEN_TTL_DAYS", 7),
		ClientURL:      getenv("CLIENT_URL", "http://localhost:5173"),
		AllowedOrigins: splitList(getenv("CORS_ORIGINS", "http://localhost:5173")),
		SessionSecret:  getenv("SESSION_SECRET", defaultJWTSecret),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getint("SMTP_PORT", 587),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     getenv("SMTP_EMAIL", "no-reply@instaup.local"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),

		MediaBackend:    getenv("MEDIA_BACKEND", "s3"),
		S3Region:        getenv("S3_REGION", "us-east-1"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        getenv("S3_BUCKET", "instaup"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),

		JobBackend:      getenv("JOB_BACKEND", "db"),
		RedisURL:        os.Getenv("REDIS_URL"),
		JobPollInterval: getduration("JOB_POLL_INTERVAL", 5*time.Second),
		StoryTTL:        getduration("STORY_TTL", 24*time.Hour),
		StorySweepSpec:  getenv("STORY_SWEEP_SPEC", "@every 10m"),
	}
}

// IsProd 表示 cookie 是否需要 Secure/SameSite=None。
func (c Config) IsProd() bool { return c.Env == "prod" || c.Env == "production" }

// Validate 拒绝无法安全上线的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return errors.New("config: DATABASE_DRIVER must be postgres or sqlite")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: JWT_SECRET must be set outside dev")
	}
	switch cfg.MediaBackend {
	case "s3", "memory":
	default:
		return errors.New("config: MEDIA_BACKEND must be s3 or memory")
	}
	switch cfg.JobBackend {
	case "db":
	case "redis":
		if cfg.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis job backend")
		}
	default:
		return errors.New("config: JOB_BACKEND must be db or redis")
	}
	return nil
}
