// Package config loads gateway configuration from environment variables
// and the optional -conf JSON file (model catalog and shared MCP servers).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// Config holds all configuration for the gateway process.
type Config struct {
	Host string
	Port int

	// APIKey is either the literal bearer token or a secret-store ARN
	// resolved at startup.
	APIKey string

	// AllowedOrigins is the CORS allow-list. Empty means deny all
	// cross-origin requests.
	AllowedOrigins []string

	UseHTTPS bool
	CertFile string
	KeyFile  string

	LogDir string

	Provider ProviderConfig
	Store    StoreConfig

	// MaxBodyBytes caps request bodies; inline images push this up.
	MaxBodyBytes int64

	// IdleHorizon is how long a session may sit inactive before the
	// sweep evicts it.
	IdleHorizon time.Duration

	// MaxTurns bounds the tool-use loop within a single chat turn.
	MaxTurns int

	// ToolTimeout is the wall-clock deadline for one MCP tool call.
	ToolTimeout time.Duration

	Telemetry TelemetryConfig

	// Models is the static catalog served by /v1/list/models.
	Models []models.ModelEntry

	// SharedServers are MCP servers available to every user, loaded
	// from the -conf file.
	SharedServers []models.ServerSpec
}

type ProviderConfig struct {
	// Name selects the upstream: "bedrock" or "openai".
	Name string
	// Region for the Bedrock runtime.
	Region string
	// OpenAI-compatible credentials.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	// UpstreamTimeout bounds one model invocation.
	UpstreamTimeout time.Duration
}

type StoreConfig struct {
	// Table is the DynamoDB table name. Empty selects the in-memory
	// store (single-node development mode).
	Table  string
	Region string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	region := envStr("AWS_REGION", "us-east-1")
	return &Config{
		Host:           envStr("MCP_SERVICE_HOST", "127.0.0.1"),
		Port:           envInt("MCP_SERVICE_PORT", 7002),
		APIKey:         os.Getenv("API_KEY"),
		AllowedOrigins: splitOrigins(os.Getenv("ALLOWED_ORIGINS")),
		UseHTTPS:       envBool("USE_HTTPS", false),
		CertFile:       os.Getenv("SSL_CERT_FILE_PATH"),
		KeyFile:        os.Getenv("SSL_KEY_FILE_PATH"),
		LogDir:         os.Getenv("LOG_DIR"),
		Provider: ProviderConfig{
			Name:            envStr("MODEL_PROVIDER", "bedrock"),
			Region:          region,
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
			UpstreamTimeout: envDurationMinutes("UPSTREAM_TIMEOUT_MINUTES", 10),
		},
		Store: StoreConfig{
			Table:  os.Getenv("DDB_TABLE"),
			Region: region,
		},
		MaxBodyBytes: int64(envInt("MAX_BODY_MB", 50)) << 20,
		IdleHorizon:  envDurationMinutes("INACTIVE_TIME", 60),
		MaxTurns:     envInt("MAX_TURNS", 200),
		ToolTimeout:  time.Duration(envInt("MCP_TOOL_TIMEOUT_SECONDS", 120)) * time.Second,
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "mcp-agent-gateway"),
		},
	}
}

// confFile is the on-disk shape of the -conf JSON file.
type confFile struct {
	Models []struct {
		ModelID   string `json:"model_id"`
		ModelName string `json:"model_name"`
	} `json:"models"`
	McpServers map[string]struct {
		Description string            `json:"description,omitempty"`
		Command     string            `json:"command,omitempty"`
		Args        []string          `json:"args,omitempty"`
		Env         map[string]string `json:"env,omitempty"`
		Status      *int              `json:"status,omitempty"`
	} `json:"mcpServers"`
}

// LoadConfFile merges the model catalog and shared server specs from the
// given JSON file into the config. An empty path is a no-op; a malformed
// file is an error.
func (c *Config) LoadConfFile(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read conf file: %w", err)
	}
	var cf confFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("parse conf file %s: %w", path, err)
	}
	for _, m := range cf.Models {
		c.Models = append(c.Models, models.ModelEntry{ModelID: m.ModelID, ModelName: m.ModelName})
	}
	for id, s := range cf.McpServers {
		if s.Status != nil && *s.Status == 0 {
			continue // disabled entry
		}
		name := s.Description
		if name == "" {
			name = id
		}
		c.SharedServers = append(c.SharedServers, models.ServerSpec{
			ServerID:   id,
			ServerName: name,
			Command:    s.Command,
			Args:       s.Args,
			Env:        s.Env,
		})
	}
	return nil
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationMinutes(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Minute
}
