package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Environment string
	HTTPAddr    string
	DataDir     string
	DBPath      string
	SchemaDir   string

	WorkerRetryInterval time.Duration
	HandshakeTTL        time.Duration
	UsageResetSpec      string

	HeartbeatEnabled     bool
	HeartbeatIntervalSec int
	HeartbeatStaleSec    int

	TelegramAPIBase   string
	TelegramGatewayWS string

	DialogBaseURL    string
	DialogAPIKey     string
	DialogModel      string
	DialogTimeoutSec int
}

func FromEnv() Config {
	dataDir := stringOrDefault("SESSIOND_DATA_DIR", "/data")

	return Config{
		Environment: stringOrDefault("SESSIOND_ENV", "development"),
		HTTPAddr:    stringOrDefault("SESSIOND_HTTP_ADDR", ":8080"),
		DataDir:     dataDir,
		DBPath:      stringOrDefault("SESSIOND_DB_PATH", filepath.Join(dataDir, "sessiond", "sessiond.sqlite")),
		SchemaDir:   stringOrDefault("SESSIOND_SCHEMA_DIR", filepath.Join(dataDir, "sessiond", "providers")),

		WorkerRetryInterval: secondsOrDefault("SESSIOND_WORKER_RETRY_SECONDS", 10),
		HandshakeTTL:        secondsOrDefault("SESSIOND_HANDSHAKE_TTL_SECONDS", 300),
		UsageResetSpec:      stringOrDefault("SESSIOND_USAGE_RESET_CRON", "0 0 * * *"),

		HeartbeatEnabled:     boolOrDefault("SESSIOND_HEARTBEAT_ENABLED", true),
		HeartbeatIntervalSec: intOrDefault("SESSIOND_HEARTBEAT_INTERVAL_SECONDS", 30),
		HeartbeatStaleSec:    intOrDefault("SESSIOND_HEARTBEAT_STALE_SECONDS", 120),

		TelegramAPIBase:   stringOrDefault("SESSIOND_TELEGRAM_API_BASE", "https://bridge.telegram.localhost"),
		TelegramGatewayWS: stringOrDefault("SESSIOND_TELEGRAM_GATEWAY_WS", "wss://bridge.telegram.localhost/events"),

		DialogBaseURL:    stringOrDefault("SESSIOND_DIALOG_BASE_URL", "https://api.openai.com/v1"),
		DialogAPIKey:     strings.TrimSpace(os.Getenv("SESSIOND_DIALOG_API_KEY")),
		DialogModel:      stringOrDefault("SESSIOND_DIALOG_MODEL", "gpt-4o-mini"),
		DialogTimeoutSec: intOrDefault("SESSIOND_DIALOG_TIMEOUT_SECONDS", 60),
	}
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func secondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(intOrDefault(name, fallback)) * time.Second
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
