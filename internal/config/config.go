package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultBackendURL = "http://localhost:5000"

type Config struct {
	BackendURL     string
	RequestTimeout time.Duration
	GeminiAPIKey   string
	DatabaseURL    string
	HTTPPort       string
	LogLevel       string
	CORSOrigins    []string
	CSVDirectory   string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		BackendURL:     getEnv("BACKEND_URL", DefaultBackendURL),
		RequestTimeout: time.Duration(getEnvAsInt("REQUEST_TIMEOUT", 60)) * time.Second,
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:    getEnv("DATABASE_URL", "graph_chat.db"),
		HTTPPort:       getEnv("HTTP_PORT", "5000"),
		LogLevel:       strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"*"}),
		CSVDirectory:   getEnv("CSV_DIRECTORY", "./csv_data"),
	}

	if AppConfig.BackendURL == "" {
		AppConfig.BackendURL = DefaultBackendURL
	}
	if AppConfig.RequestTimeout <= 0 {
		AppConfig.RequestTimeout = 60 * time.Second
	}
}

// ValidateServer checks the settings only the answering backend needs.
func (c *Config) ValidateServer() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	return nil
}

// ZerologLevel maps LOG_LEVEL onto a zerolog level, defaulting to info.
func (c *Config) ZerologLevel() zerolog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(strings.TrimSpace(valueStr)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
