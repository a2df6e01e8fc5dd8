package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Data      DataConfig
	Agent     AgentConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	// AuthToken gates every /api route. 32 hex characters.
	AuthToken string
}

// DataConfig holds the on-disk layout of the service directory
type DataConfig struct {
	// Dir is the service directory holding the DB file and uploads/
	Dir        string
	DBFile     string
	UploadsDir string
}

// AgentConfig holds settings for the external coding agent CLI
type AgentConfig struct {
	// Binary is the agent CLI executable
	Binary string
	// SessionsRoot is where the agent keeps its per-project session logs
	SessionsRoot string
	// ProcessTimeout is the wall-clock cap per agent invocation
	ProcessTimeout time.Duration
	// SessionPollInterval is the session-detection poll tick
	SessionPollInterval time.Duration
	// MonitorInterval is the recovery monitor tick
	MonitorInterval time.Duration
	// CallbackTimeout bounds request-scoped callbacks, counted from task start
	CallbackTimeout time.Duration
	// MaxStdoutBytes caps collected agent stdout
	MaxStdoutBytes int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	home, _ := os.UserHomeDir()
	dataDir := getEnv("CLAWUI_DATA_DIR", filepath.Join(home, ".clawui"))

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8317),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			AuthToken:   getEnv("CLAWUI_TOKEN", ""),
		},
		Data: DataConfig{
			Dir:        dataDir,
			DBFile:     getEnv("CLAWUI_DB_FILE", filepath.Join(dataDir, "clawui.db")),
			UploadsDir: getEnv("CLAWUI_UPLOADS_DIR", filepath.Join(dataDir, "uploads")),
		},
		Agent: AgentConfig{
			Binary:              getEnv("CLAWUI_AGENT_BINARY", "claude"),
			SessionsRoot:        getEnv("CLAWUI_SESSIONS_ROOT", filepath.Join(home, ".claude", "projects")),
			ProcessTimeout:      getEnvDuration("CLAWUI_PROCESS_TIMEOUT", 30*time.Minute),
			SessionPollInterval: getEnvDuration("CLAWUI_SESSION_POLL_INTERVAL", 3*time.Second),
			MonitorInterval:     getEnvDuration("CLAWUI_MONITOR_INTERVAL", 10*time.Second),
			CallbackTimeout:     getEnvDuration("CLAWUI_CALLBACK_TIMEOUT", 120*time.Second),
			MaxStdoutBytes:      getEnvInt("CLAWUI_MAX_STDOUT_BYTES", 10*1024*1024),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	if cfg.Service.AuthToken == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("generate auth token: %w", err)
		}
		cfg.Service.AuthToken = token
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Data.Dir == "" {
		return fmt.Errorf("data directory is required")
	}

	if !tokenPattern.MatchString(c.Service.AuthToken) {
		return fmt.Errorf("auth token must be 32 hex characters")
	}

	if c.Agent.ProcessTimeout <= 0 {
		return fmt.Errorf("process timeout must be positive")
	}

	return nil
}

// BaseURL returns the local URL the agent uses for callbacks
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Service.Port)
}

func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
