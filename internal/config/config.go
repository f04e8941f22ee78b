// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	CredentialServiceURL string
	ThreadServiceURL     string
	// TutorAgentAddr is the gRPC address probed by /health. Empty disables the probe.
	TutorAgentAddr  string
	UpstreamTimeout time.Duration

	// RedisAddr enables the thread-history cache. Empty disables it.
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	HistoryCacheTTL time.Duration

	Mic       MicConfig
	Classroom ClassroomConfig

	DefaultBoard string
	DefaultGrade string
}

// MicConfig controls the microphone arbiter.
type MicConfig struct {
	PTTKey         string
	DefaultMode    string
	RequestTimeout time.Duration
}

// ClassroomConfig controls classroom session timing and cleanup.
type ClassroomConfig struct {
	DisconnectGrace     time.Duration
	CaptionDelay        time.Duration
	HistoryRefreshDelay time.Duration
	IdleTTL             time.Duration
	SweepInterval       time.Duration
	CallRetention       time.Duration
	MaxUploadBytes      int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/classroom.db"),

		CredentialServiceURL: strings.TrimRight(getEnv("CREDENTIAL_SERVICE_URL", "http://localhost:8000"), "/"),
		ThreadServiceURL:     strings.TrimRight(getEnv("THREAD_SERVICE_URL", "http://localhost:8000"), "/"),
		TutorAgentAddr:       getEnv("TUTOR_AGENT_ADDR", ""),
		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", 15*time.Second),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		HistoryCacheTTL: getEnvDuration("HISTORY_CACHE_TTL", 5*time.Minute),

		Mic: MicConfig{
			PTTKey:         getEnv("PTT_KEY", "Space"),
			DefaultMode:    getEnv("MIC_DEFAULT_MODE", "push_to_talk"),
			RequestTimeout: getEnvDuration("MIC_REQUEST_TIMEOUT", 10*time.Second),
		},
		Classroom: ClassroomConfig{
			DisconnectGrace:     getEnvDuration("DISCONNECT_GRACE", 500*time.Millisecond),
			CaptionDelay:        getEnvDuration("CAPTION_DELAY", 1500*time.Millisecond),
			HistoryRefreshDelay: getEnvDuration("HISTORY_REFRESH_DELAY", 2*time.Second),
			IdleTTL:             getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
			SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			CallRetention:       getEnvDuration("CALL_LOG_RETENTION", 30*24*time.Hour),
			MaxUploadBytes:      int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		},

		DefaultBoard: getEnv("DEFAULT_BOARD", "CBSE"),
		DefaultGrade: getEnv("DEFAULT_GRADE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CredentialServiceURL == "" {
		return fmt.Errorf("CREDENTIAL_SERVICE_URL cannot be empty")
	}
	if c.ThreadServiceURL == "" {
		return fmt.Errorf("THREAD_SERVICE_URL cannot be empty")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be > 0")
	}
	if c.Mic.PTTKey == "" {
		return fmt.Errorf("PTT_KEY cannot be empty")
	}
	switch c.Mic.DefaultMode {
	case "push_to_talk", "always_on":
	default:
		return fmt.Errorf("MIC_DEFAULT_MODE must be push_to_talk or always_on, got %q", c.Mic.DefaultMode)
	}
	if c.Mic.RequestTimeout <= 0 {
		return fmt.Errorf("MIC_REQUEST_TIMEOUT must be > 0")
	}
	// The backend persists a finished call asynchronously; refreshing sooner
	// shows a thread list without it.
	if c.Classroom.HistoryRefreshDelay < time.Second {
		return fmt.Errorf("HISTORY_REFRESH_DELAY must be >= 1s")
	}
	if c.Classroom.IdleTTL <= 0 || c.Classroom.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SWEEP_INTERVAL must be > 0")
	}
	if c.Classroom.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("1500ms") and bare integers as milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
