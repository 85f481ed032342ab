package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	// Redis backs shared annotations, bubble workspaces and credentials.
	// Empty keeps everything in process.
	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string
	NATSURL        string
	NATSToken      string
	InstanceID     string
	// RoomLeaseTTL bounds how long a crashed instance keeps its rooms.
	RoomLeaseTTL time.Duration

	GeminiURL       string
	PerplexityURL   string
	ProviderTimeout time.Duration
	ProviderBackoff time.Duration

	CredentialSecret string
	SessionTTL       time.Duration

	SnapshotDelay  time.Duration
	HistoryLimit   int
	AllowedOrigins []string
	SendQueue      int
}

func Load() Config {
	return Config{
		Addr:             getenv("API_ADDR", ":8787"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		MigrationsDir:    getenv("INKWELL_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:       getenv("INKWELL_CORS_ORIGIN", "*"),
		RedisURL:         getenv("REDIS_URL", ""),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		NATSURL:          getenv("NATS_URL", ""),
		NATSToken:        getenv("NATS_TOKEN", ""),
		InstanceID:       getenv("INKWELL_INSTANCE_ID", hostname()),
		RoomLeaseTTL:     getenvDuration("INKWELL_ROOM_LEASE_TTL", 15*time.Second),
		GeminiURL:        getenv("GEMINI_URL", ""),
		PerplexityURL:    getenv("PERPLEXITY_URL", ""),
		ProviderTimeout:  getenvDuration("PROVIDER_TIMEOUT", 60*time.Second),
		ProviderBackoff:  getenvDuration("PROVIDER_RATE_LIMIT_BACKOFF", 2*time.Second),
		CredentialSecret: getenv("INKWELL_CREDENTIAL_SECRET", ""),
		SessionTTL:       time.Duration(getenvInt("INKWELL_SESSION_TTL_SECONDS", 7*24*3600)) * time.Second,
		SnapshotDelay:    getenvDuration("INKWELL_SNAPSHOT_DELAY", 2*time.Second),
		HistoryLimit:     getenvInt("INKWELL_HISTORY_LIMIT", 4096),
		AllowedOrigins:   getenvList("INKWELL_WS_ALLOWED_ORIGINS", "localhost:3000,127.0.0.1:3000"),
		SendQueue:        getenvInt("INKWELL_WS_SEND_QUEUE", 64),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("1500ms") or plain seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getenvList(key, fallback string) []string {
	var out []string
	for _, item := range strings.Split(getenv(key, fallback), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "inkwell"
	}
	return name
}
