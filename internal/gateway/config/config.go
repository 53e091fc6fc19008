package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"pipeviz/internal/eventbus"
)

type Config struct {
	Port             string
	Env              string
	StepsConfig      string
	WatchSteps       bool
	LogLevel         string
	LogFormat        string
	SubscriberBuffer int
	AuditDSN         string
	StepCommand      string
	AllowedOrigins   []string
	Archive          ArchiveConfig
}

type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Overrides come from command-line flags and win over the environment.
type Overrides struct {
	Port        string
	StepsConfig string
}

const (
	defaultPort        = ":8081"
	defaultStepsConfig = "config/steps.yaml"
)

func Load(o Overrides) (*Config, error) {
	_ = godotenv.Load()

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	buffer := eventbus.DefaultBufferSize
	if raw := strings.TrimSpace(os.Getenv("SUBSCRIBER_BUFFER")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("SUBSCRIBER_BUFFER must be a positive integer, got %q", raw)
		}
		buffer = n
	}

	return &Config{
		Port:             normalizePort(firstNonEmpty(o.Port, os.Getenv("PORT"), defaultPort)),
		Env:              env,
		StepsConfig:      firstNonEmpty(strings.TrimSpace(o.StepsConfig), strings.TrimSpace(os.Getenv("STEPS_CONFIG")), defaultStepsConfig),
		WatchSteps:       parseBool(os.Getenv("STEPS_WATCH"), false),
		LogLevel:         firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
		LogFormat:        firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_FORMAT")), defaultLogFormat(env)),
		SubscriberBuffer: buffer,
		AuditDSN:         strings.TrimSpace(os.Getenv("AUDIT_PG_DSN")),
		StepCommand:      strings.TrimSpace(os.Getenv("STEP_COMMAND")),
		AllowedOrigins:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Archive:          loadArchiveConfig(env),
	}, nil
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if strings.HasPrefix(port, ":") || strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func loadArchiveConfig(env string) ArchiveConfig {
	if isLocal(env) {
		return localArchiveConfig()
	}
	endpoint := strings.TrimSpace(os.Getenv("ARCHIVE_S3_ENDPOINT"))
	return ArchiveConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_REGION")), "us-east-1"),
		AccessKey: strings.TrimSpace(os.Getenv("ARCHIVE_S3_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("ARCHIVE_S3_SECRET_KEY")),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_BUCKET")), "pipeviz-archive"),
		UseSSL:    parseBool(os.Getenv("ARCHIVE_S3_USE_SSL"), true),
	}
}

func isLocal(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "local")
}

func defaultLogFormat(env string) string {
	if isLocal(env) {
		return "text"
	}
	return "json"
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
