package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/peerlink/safety/internal/moderation"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	WebRTC     WebRTCConfig
	AWS        AWSConfig
	Moderation moderation.Config
	Perception PerceptionConfig
	Safety     SafetyConfig
}

// WebRTCConfig holds STUN/TURN ICE server URLs for WebRTC.
type WebRTCConfig struct {
	ICEUrls    []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	TURNUser   string
	TURNSecret string
}

// PerceptionConfig holds the inference endpoints. An empty endpoint skips that model.
type PerceptionConfig struct {
	ClassifierURL string
	ObjectsURL    string
	SegmenterURL  string
	CoverageURL   string
	Timeout       time.Duration
}

// SafetyConfig holds matchmaking and capture-detection settings.
type SafetyConfig struct {
	MatchScoreFloor            int
	CaptureEscalationThreshold int
	EvidenceUploads            int
	MatchWait                  time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/safety?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the evidence bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	EvidenceBucket       string // empty disables evidence upload
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file. The moderation
// settings are validated here so a bad value fails at startup.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "60"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	mod, err := moderation.NewConfig(moderation.Config{
		Interval:               time.Duration(getEnvInt("MODERATION_INTERVAL_MS", int(moderation.DefaultInterval/time.Millisecond))) * time.Millisecond,
		NSFWThreshold:          getEnvFloat("MODERATION_NSFW_THRESHOLD", moderation.DefaultNSFWThreshold),
		ObjectThreshold:        getEnvFloat("MODERATION_OBJECT_THRESHOLD", moderation.DefaultObjectThreshold),
		ExposureThreshold:      getEnvFloat("MODERATION_EXPOSURE_THRESHOLD", moderation.DefaultExposureThreshold),
		CulturalProfile:        moderation.CulturalProfile(getEnv("MODERATION_CULTURAL_PROFILE", string(moderation.ProfileModerate))),
		ModestyEnabled:         getEnvBool("MODERATION_MODESTY_ENABLED", true),
		MaxViolationsPerWindow: getEnvInt("MODERATION_MAX_VIOLATIONS", moderation.DefaultMaxViolationsPerWindow),
		Window:                 time.Duration(getEnvInt("MODERATION_WINDOW_SEC", int(moderation.DefaultWindow/time.Second))) * time.Second,
		EvidenceDuration:       time.Duration(getEnvInt("MODERATION_EVIDENCE_SEC", int(moderation.DefaultEvidenceDuration/time.Second))) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("moderation config: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "safety"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls:    splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUser:   getEnv("WEBRTC_TURN_USER", ""),
			TURNSecret: getEnv("WEBRTC_TURN_SECRET", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			EvidenceBucket:       getEnv("AWS_S3_EVIDENCE_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Moderation: mod,
		Perception: PerceptionConfig{
			ClassifierURL: getEnv("PERCEPTION_CLASSIFIER_URL", ""),
			ObjectsURL:    getEnv("PERCEPTION_OBJECTS_URL", ""),
			SegmenterURL:  getEnv("PERCEPTION_SEGMENTER_URL", ""),
			CoverageURL:   getEnv("PERCEPTION_COVERAGE_URL", ""),
			Timeout:       time.Duration(getEnvInt("PERCEPTION_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		Safety: SafetyConfig{
			MatchScoreFloor:            getEnvInt("MATCH_SCORE_FLOOR", 85),
			CaptureEscalationThreshold: getEnvInt("CAPTURE_ESCALATION_THRESHOLD", 3),
			EvidenceUploads:            getEnvInt("EVIDENCE_UPLOAD_FRAMES", 5),
			MatchWait:                  time.Duration(getEnvInt("MATCH_WAIT_SEC", 25)) * time.Second,
		},
	}
	if cfg.Safety.MatchScoreFloor < 0 || cfg.Safety.MatchScoreFloor > 100 {
		return nil, fmt.Errorf("MATCH_SCORE_FLOOR %d not in [0,100]", cfg.Safety.MatchScoreFloor)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
