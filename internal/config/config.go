package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// WebSocket gateway
	WSPath      string
	WSConnRate  float64 // new connections accepted per second (0 = unlimited)
	JWTSecret   string  // optional; empty disables token auth on the gateway
	IdleTimeout time.Duration // 0 = sessions never idle out
	ShellTerm   string

	// Command execution
	ExecMaxParallel int
	ExecTimeout     time.Duration
	ExecPipeOKCode  int // exit code treated as success (SIGPIPE from truncated pipelines)

	// File transfer
	SFTPTimeout  time.Duration
	SFTPMaxBytes int64

	// SSH host keys
	KnownHostsPath string
	RequireHostKey bool

	// Local dev shell (host "local" on ssh-login)
	LocalShellEnabled bool
	LocalShellRoot    string

	// CORS
	CORSAllowedOrigins []string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 31801),
		Env:       getEnv("ENV", "development"),
		Version:   getEnv("VERSION", "0.1.0"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		WSPath:      getEnv("WS_PATH", "/ws"),
		WSConnRate:  getEnvAsFloat("WS_CONN_RATE", 10),
		JWTSecret:   getEnv("AUTH_JWT_SECRET", ""),
		IdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT_MS", 0),
		ShellTerm:   getEnv("SHELL_TERM", "xterm-256color"),

		ExecMaxParallel: getEnvAsInt("EXEC_MAX_PARALLEL", 2),
		ExecTimeout:     getEnvAsDuration("EXEC_TIMEOUT_MS", 5000*time.Millisecond),
		ExecPipeOKCode:  getEnvAsInt("EXEC_PIPE_OK_CODE", 141),

		SFTPTimeout:  getEnvAsDuration("SFTP_TIMEOUT_MS", 60000*time.Millisecond),
		SFTPMaxBytes: int64(getEnvAsInt("SFTP_MAX_MB", 50)) << 20,

		KnownHostsPath: getEnv("SSH_KNOWN_HOSTS", ""),
		RequireHostKey: getEnvAsBool("REQUIRE_SSH_HOST_KEY", false),

		LocalShellEnabled: getEnvAsBool("LOCAL_SHELL_ENABLED", false),
		LocalShellRoot:    getEnv("LOCAL_SHELL_ROOT", "/"),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(getEnv(key, ""))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}

// getEnvAsDuration reads a millisecond count. Keys keep their _MS suffix for
// parity with the browser client's timeout options.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil && value >= 0 {
		return time.Duration(value) * time.Millisecond
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
