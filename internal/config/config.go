package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/pkg/utils"
)

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(path string, logger *logrus.Logger) (*AppConfig, error) {
	config := DefaultConfig()

	if path == "" {
		applyEnvironmentOverrides(config, logger)
		return config, validateConfig(config)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if logger != nil {
			logger.Warnf("Configuration file %s not found, using defaults", path)
		}
		// Still apply environment overrides even with defaults
		applyEnvironmentOverrides(config, logger)
		return config, validateConfig(config)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := Parse(data, config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(config, logger)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Parse expands environment variables in data and decodes it over config.
func Parse(data []byte, config *AppConfig) error {
	expanded := utils.ExpandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *AppConfig, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the whole configuration.
func (c *AppConfig) Validate() error { return validateConfig(c) }

// validateConfig checks if the configuration is valid
func validateConfig(config *AppConfig) error {
	if config.Node.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	for i, t := range config.Transport.Profiles {
		if err := ValidateTransport(t); err != nil {
			return fmt.Errorf("transport.profiles[%d]: %w", i, err)
		}
	}
	if config.Transport.MaxConnections < 0 {
		return fmt.Errorf("transport.max_connections cannot be negative")
	}
	switch strings.ToLower(config.Transport.Retry.Backoff) {
	case "", "linear", "exponential":
	default:
		return fmt.Errorf("transport.retry.backoff must be 'linear' or 'exponential', got '%s'", config.Transport.Retry.Backoff)
	}
	if srv := config.Transport.Server; srv.TLS != nil && (srv.TLS.Cert == "" || srv.TLS.Key == "") {
		return fmt.Errorf("transport.server.tls requires cert and key")
	}

	if err := validatePolicy(config.Security.Policy); err != nil {
		return err
	}
	if config.Security.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("security.breaker.failure_threshold cannot be negative")
	}

	if config.Registry.Shards < 0 {
		return fmt.Errorf("registry.shards cannot be negative")
	}
	if (config.Registry.Persist || config.Security.Audit.Persist) && config.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when persistence is enabled")
	}

	for i, m := range config.Bridge.Mappings {
		if m.MCPMethod == "" || m.A2AMethod == "" {
			return fmt.Errorf("bridge.mappings[%d]: mcp_method and a2a_method are required", i)
		}
	}

	if config.P2P.Enabled && config.P2P.Rendezvous == "" {
		return fmt.Errorf("rendezvous string cannot be empty when P2P is enabled")
	}

	return config.Logging.Validate()
}

// ValidateTransport checks one transport profile.
func ValidateTransport(t TransportConfig) error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("host is required")
	}
	switch t.Protocol {
	case ProtocolWebSocket, ProtocolHTTP, ProtocolGRPC, ProtocolTCP:
	default:
		return fmt.Errorf("protocol must be one of websocket, http, grpc, tcp; got %q", t.Protocol)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("port %d out of range", t.Port)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if t.Secure && t.TLS == nil {
		return fmt.Errorf("tls configuration is required when secure is true")
	}
	switch t.Auth.Type {
	case "", AuthNone:
	case AuthToken:
		if t.Auth.Credentials["token"] == "" {
			return fmt.Errorf("token auth requires credentials.token")
		}
	case AuthCertificate:
		cert, key := t.Auth.Credentials["cert"], t.Auth.Credentials["key"]
		if t.TLS != nil {
			if cert == "" {
				cert = t.TLS.Cert
			}
			if key == "" {
				key = t.TLS.Key
			}
		}
		if cert == "" || key == "" {
			return fmt.Errorf("certificate auth requires a client cert and key")
		}
	case AuthOAuth2:
		for _, k := range []string{"client_id", "client_secret", "token_url"} {
			if t.Auth.Credentials[k] == "" {
				return fmt.Errorf("oauth2 auth requires credentials.%s", k)
			}
		}
	default:
		return fmt.Errorf("auth type must be one of none, token, certificate, oauth2; got %q", t.Auth.Type)
	}
	return nil
}

func validatePolicy(p SecurityPolicy) error {
	if lvl := p.Authorization.DefaultTrustLevel; lvl != "" && !a2a.TrustLevel(lvl).Valid() {
		return fmt.Errorf("security.policy.authorization.default_trust_level %q is not a trust level", lvl)
	}
	for capName, lvl := range p.Authorization.CapabilityTrust {
		if !a2a.TrustLevel(lvl).Valid() {
			return fmt.Errorf("security.policy.authorization.capability_trust[%s]: %q is not a trust level", capName, lvl)
		}
	}
	if p.RateLimiting.BaseRate < 0 || p.RateLimiting.BurstMultiplier < 0 {
		return fmt.Errorf("security.policy.rate_limiting values cannot be negative")
	}
	switch p.Monitoring.AuditLevel {
	case "", "minimal", "standard", "verbose":
	default:
		return fmt.Errorf("security.policy.monitoring.audit_level must be minimal, standard or verbose")
	}
	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func applyEnvironmentOverrides(config *AppConfig, logger *logrus.Logger) {
	if id := os.Getenv("FABRIC_NODE_ID"); id != "" {
		config.Node.ID = id
	}
	if key := os.Getenv("FABRIC_IDENTITY_KEY"); key != "" {
		config.Node.IdentityKey = key
	}
	if host := os.Getenv("FABRIC_ADVERTISE_HOST"); host != "" {
		config.Node.AdvertiseHost = host
	}

	config.Transport.Server.HTTPAddr = utils.GetEnv("FABRIC_HTTP_ADDR", config.Transport.Server.HTTPAddr)
	config.Transport.Server.GRPCAddr = utils.GetEnv("FABRIC_GRPC_ADDR", config.Transport.Server.GRPCAddr)
	config.Transport.Server.TCPAddr = utils.GetEnv("FABRIC_TCP_ADDR", config.Transport.Server.TCPAddr)
	config.Transport.Server.TokenSecret = utils.GetEnv("FABRIC_TOKEN_SECRET", config.Transport.Server.TokenSecret)
	config.Transport.MaxConnections = utils.IntFromEnv("FABRIC_MAX_CONNECTIONS", config.Transport.MaxConnections)
	config.Transport.IdleTimeout = utils.DurationFromEnv("FABRIC_IDLE_TIMEOUT", config.Transport.IdleTimeout)

	config.Security.Policy.Authorization.DefaultTrustLevel = utils.GetEnv("FABRIC_DEFAULT_TRUST", config.Security.Policy.Authorization.DefaultTrustLevel)
	config.Security.AllowSelfSigned = utils.BoolFromEnv("FABRIC_ALLOW_SELF_SIGNED", config.Security.AllowSelfSigned)
	config.Security.Policy.RateLimiting.Adaptive = utils.BoolFromEnv("FABRIC_ADAPTIVE_RATE_LIMIT", config.Security.Policy.RateLimiting.Adaptive)

	config.P2P.Enabled = utils.BoolFromEnv("P2P_ENABLED", config.P2P.Enabled)
	if portStr := os.Getenv("P2P_PORT"); portStr != "" {
		if _, err := fmt.Sscanf(portStr, "%d", &config.P2P.Port); err != nil && logger != nil {
			// Log error but don't fail
			logger.Warnf("Invalid P2P_PORT: %s", portStr)
		}
	}

	config.HTTP.Enabled = utils.BoolFromEnv("HTTP_ENABLED", config.HTTP.Enabled)
	config.HTTP.Port = utils.IntFromEnv("HTTP_PORT", config.HTTP.Port)

	config.Database.DSN = utils.GetEnv("DATABASE_URL", config.Database.DSN)

	config.Bridge.Server.Enabled = utils.BoolFromEnv("MCP_SERVER_ENABLED", config.Bridge.Server.Enabled)

	config.Logging.Level = utils.GetEnv("LOG_LEVEL", config.Logging.Level)
}
