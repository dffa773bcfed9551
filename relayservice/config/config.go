// Package config provides the three-stage configuration for the relay
// service: embedded YAML is unmarshaled into YamlConfig, mapped into the
// canonical AppConfig, and finalized with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Queue backend selectors.
const (
	QueueTypeMemory = "memory"
	QueueTypeRedis  = "redis"
)

// AppConfig is the canonical, validated configuration object used
// throughout the application.
type AppConfig struct {
	ProjectID             string
	RunMode               string
	APIPort               string
	WebSocketPort         string
	IdentityServiceURL    string
	Cors                  YamlCorsConfig
	Queue                 YamlQueueConfig
	CredentialsCollection string
	IngressTopicID        string
	IngressSubscriptionID string
	IngressTopicDLQID     string
	PushTopicID           string
	NumPipelineWorkers    int
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Msg("Overriding config value from env")
		cfg.ProjectID = projectID
	}
	if idURL := os.Getenv("IDENTITY_SERVICE_URL"); idURL != "" {
		logger.Debug().Str("key", "IDENTITY_SERVICE_URL").Msg("Overriding config value from env")
		cfg.IdentityServiceURL = idURL
	}
	if port := os.Getenv("API_PORT"); port != "" {
		logger.Debug().Str("key", "API_PORT").Msg("Overriding config value from env")
		cfg.APIPort = port
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug().Str("key", "WEBSOCKET_PORT").Msg("Overriding config value from env")
		cfg.WebSocketPort = port
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Msg("Overriding config value from env")
		cfg.Queue.Redis.Addr = redisAddr
	}
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Msg("Overriding config value from env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.Cors.AllowedOrigins = cleanOrigins
	}

	// Final validation.
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
	}
	if cfg.IdentityServiceURL == "" {
		return nil, fmt.Errorf("IDENTITY_SERVICE_URL is not set in config or env var")
	}
	switch cfg.Queue.Type {
	case QueueTypeMemory:
		// Nothing further to check.
	case QueueTypeRedis:
		if cfg.Queue.Redis.Addr == "" {
			return nil, fmt.Errorf("queue type is redis but no address is configured (check REDIS_ADDR env var)")
		}
	default:
		return nil, fmt.Errorf("invalid queue type: %q (must be %q or %q)", cfg.Queue.Type, QueueTypeMemory, QueueTypeRedis)
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
