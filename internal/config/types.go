package config

import (
	"time"

	"github.com/praxis/a2a-fabric/internal/logger"
)

// Transport protocols understood by the fabric.
const (
	ProtocolWebSocket = "websocket"
	ProtocolHTTP      = "http"
	ProtocolGRPC      = "grpc"
	ProtocolTCP       = "tcp"
)

// Authentication schemes for outbound connections.
const (
	AuthNone        = "none"
	AuthToken       = "token"
	AuthCertificate = "certificate"
	AuthOAuth2      = "oauth2"
)

// AppConfig is the main configuration structure for the application
type AppConfig struct {
	Node      NodeConfig           `yaml:"node" json:"node"`
	Transport TransportLayerConfig `yaml:"transport" json:"transport"`
	Security  SecurityConfig       `yaml:"security" json:"security"`
	Registry  RegistryConfig       `yaml:"registry" json:"registry"`
	Bridge    BridgeConfig         `yaml:"bridge" json:"bridge"`
	P2P       P2PConfig            `yaml:"p2p" json:"p2p"`
	HTTP      HTTPConfig           `yaml:"http" json:"http"`
	Database  DatabaseConfig       `yaml:"database" json:"database"`
	Metrics   MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging   logger.Config        `yaml:"logging" json:"logging"`
}

// NodeConfig identifies the local fabric node.
type NodeConfig struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	IdentityKey string `yaml:"identity_key" json:"identity_key"` // Ed25519 seed file, created when missing
	// AdvertiseHost is the address peers use to reach this node's listeners.
	AdvertiseHost string `yaml:"advertise_host" json:"advertise_host"`
}

// TransportConfig describes one outbound connection profile.
type TransportConfig struct {
	Name        string        `yaml:"name,omitempty" json:"name,omitempty"`
	AgentID     string        `yaml:"agent_id,omitempty" json:"agentId,omitempty"`
	Protocol    string        `yaml:"protocol" json:"protocol"`
	Host        string        `yaml:"host" json:"host"`
	Port        int           `yaml:"port" json:"port"`
	Path        string        `yaml:"path,omitempty" json:"path,omitempty"`
	Secure      bool          `yaml:"secure" json:"secure"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	KeepAlive   bool          `yaml:"keep_alive,omitempty" json:"keepAlive,omitempty"`
	Compression bool          `yaml:"compression,omitempty" json:"compression,omitempty"`
	TLS         *TLSConfig    `yaml:"tls,omitempty" json:"tls,omitempty"`
	Auth        AuthConfig    `yaml:"auth" json:"auth"`
}

// TLSConfig holds PEM file paths.
type TLSConfig struct {
	Cert               string `yaml:"cert" json:"cert"`
	Key                string `yaml:"key" json:"key"`
	CA                 string `yaml:"ca" json:"ca"`
	ServerName         string `yaml:"server_name,omitempty" json:"serverName,omitempty"`
	RejectUnauthorized *bool  `yaml:"reject_unauthorized,omitempty" json:"rejectUnauthorized,omitempty"`
}

// VerifyPeer reports whether peer certificates must be verified. Unset means yes.
func (t *TLSConfig) VerifyPeer() bool {
	return t == nil || t.RejectUnauthorized == nil || *t.RejectUnauthorized
}

// AuthConfig selects the connection authentication scheme. Credential keys:
// token: "token"; certificate: "cert", "key" (default to tls.cert/tls.key);
// oauth2: "client_id", "client_secret", "token_url", "scopes" (comma separated).
type AuthConfig struct {
	Type        string            `yaml:"type" json:"type"`
	Credentials map[string]string `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// TransportLayerConfig configures the connection manager and the inbound server.
type TransportLayerConfig struct {
	Profiles             []TransportConfig `yaml:"profiles" json:"profiles"`
	MaxConnections       int               `yaml:"max_connections" json:"max_connections"`
	IdleTimeout          time.Duration     `yaml:"idle_timeout" json:"idle_timeout"`
	ReapInterval         time.Duration     `yaml:"reap_interval" json:"reap_interval"`
	BroadcastConcurrency int               `yaml:"broadcast_concurrency" json:"broadcast_concurrency"`
	Retry                RetryConfig       `yaml:"retry" json:"retry"`
	Server               ServerConfig      `yaml:"server" json:"server"`
}

// RetryConfig mirrors transport.RetryPolicy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	Backoff    string        `yaml:"backoff" json:"backoff"` // linear | exponential
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
}

// ServerConfig configures inbound listeners. Empty addresses disable a listener.
type ServerConfig struct {
	HTTPAddr    string     `yaml:"http_addr" json:"http_addr"`
	Path        string     `yaml:"path" json:"path"`
	GRPCAddr    string     `yaml:"grpc_addr" json:"grpc_addr"`
	TCPAddr     string     `yaml:"tcp_addr" json:"tcp_addr"`
	TLS         *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
	TokenSecret string     `yaml:"token_secret,omitempty" json:"-"` // HS256 key for bearer tokens
}

// SecurityConfig wraps the process-wide policy with operational settings.
type SecurityConfig struct {
	Policy               SecurityPolicy `yaml:"policy" json:"policy"`
	TrustedCAs           []string       `yaml:"trusted_cas" json:"trusted_cas"`
	AllowSelfSigned      bool           `yaml:"allow_self_signed" json:"allow_self_signed"`
	HandshakeTimeout     time.Duration  `yaml:"handshake_timeout" json:"handshake_timeout"`
	SessionIdleTimeout   time.Duration  `yaml:"session_idle_timeout" json:"session_idle_timeout"`
	ReplayWindow         time.Duration  `yaml:"replay_window" json:"replay_window"`
	NonceCacheSize       int            `yaml:"nonce_cache_size" json:"nonce_cache_size"`
	VerificationInterval time.Duration  `yaml:"verification_interval" json:"verification_interval"`
	Breaker              BreakerConfig  `yaml:"breaker" json:"breaker"`
	Audit                AuditConfig    `yaml:"audit" json:"audit"`
}

// SecurityPolicy is immutable after the security manager is constructed.
type SecurityPolicy struct {
	Authentication AuthenticationPolicy `yaml:"authentication" json:"authentication"`
	Authorization  AuthorizationPolicy  `yaml:"authorization" json:"authorization"`
	RateLimiting   RateLimitPolicy      `yaml:"rate_limiting" json:"rate_limiting"`
	Monitoring     MonitoringPolicy     `yaml:"monitoring" json:"monitoring"`
	ZeroTrust      ZeroTrustPolicy      `yaml:"zero_trust" json:"zero_trust"`
}

type AuthenticationPolicy struct {
	RequireMutualTLS      bool          `yaml:"require_mutual_tls" json:"require_mutual_tls"`
	RequireSignedMessages bool          `yaml:"require_signed_messages" json:"require_signed_messages"`
	CertificateLifetime   time.Duration `yaml:"certificate_lifetime" json:"certificate_lifetime"`
	KeyRotationInterval   time.Duration `yaml:"key_rotation_interval" json:"key_rotation_interval"`
}

type AuthorizationPolicy struct {
	DefaultTrustLevel    string            `yaml:"default_trust_level" json:"default_trust_level"`
	CapabilityExpiration time.Duration     `yaml:"capability_expiration" json:"capability_expiration"`
	AllowDelegation      bool              `yaml:"allow_delegation" json:"allow_delegation"`
	CapabilityTrust      map[string]string `yaml:"capability_trust" json:"capability_trust"` // minimum trust level per capability
}

type RateLimitPolicy struct {
	BaseRate        float64       `yaml:"base_rate" json:"base_rate"` // operations per window
	Window          time.Duration `yaml:"window" json:"window"`
	BurstMultiplier float64       `yaml:"burst_multiplier" json:"burst_multiplier"`
	Adaptive        bool          `yaml:"adaptive" json:"adaptive"`
}

type MonitoringPolicy struct {
	AuditLevel       string `yaml:"audit_level" json:"audit_level"` // minimal | standard | verbose
	AnomalyDetection bool   `yaml:"anomaly_detection" json:"anomaly_detection"`
	ThreatDetection  bool   `yaml:"threat_detection" json:"threat_detection"`
}

type ZeroTrustPolicy struct {
	ContinuousVerification bool `yaml:"continuous_verification" json:"continuous_verification"`
	LeastPrivilege         bool `yaml:"least_privilege" json:"least_privilege"`
	Segmentation           bool `yaml:"segmentation" json:"segmentation"`
	BehaviorAnalysis       bool `yaml:"behavior_analysis" json:"behavior_analysis"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window" json:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

type AuditConfig struct {
	MaxEvents int  `yaml:"max_events" json:"max_events"`
	Persist   bool `yaml:"persist" json:"persist"` // write events to database.dsn
}

// RegistryConfig configures the agent card registry.
type RegistryConfig struct {
	DefaultTTL   time.Duration `yaml:"default_ttl" json:"default_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval"`
	Shards       int           `yaml:"shards" json:"shards"`
	Persist      bool          `yaml:"persist" json:"persist"`
}

// BridgeConfig configures MCP translation.
type BridgeConfig struct {
	Mappings        []MappingConfig `yaml:"mappings" json:"mappings"`
	DispatchTimeout time.Duration   `yaml:"dispatch_timeout" json:"dispatch_timeout"`
	Server          MCPServerConfig `yaml:"server" json:"server"`
}

type MappingConfig struct {
	MCPMethod   string                   `yaml:"mcp_method" json:"mcpMethod"`
	A2AMethod   string                   `yaml:"a2a_method" json:"a2aMethod"`
	Capability  string                   `yaml:"capability,omitempty" json:"capability,omitempty"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  []ParameterMappingConfig `yaml:"parameters" json:"parameters"`
	Responses   []ResponseMappingConfig  `yaml:"responses" json:"responses"`
}

type ParameterMappingConfig struct {
	MCPParam  string `yaml:"mcp_param" json:"mcpParam"`
	A2AParam  string `yaml:"a2a_param" json:"a2aParam"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
	Inverse   string `yaml:"inverse,omitempty" json:"inverse,omitempty"`
	Type      string `yaml:"type,omitempty" json:"type,omitempty"` // JSON schema type of the MCP parameter
	Required  bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

type ResponseMappingConfig struct {
	MCPField  string `yaml:"mcp_field" json:"mcpField"`
	A2AField  string `yaml:"a2a_field" json:"a2aField"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
	Inverse   string `yaml:"inverse,omitempty" json:"inverse,omitempty"`
}

// MCPServerConfig exposes mapped methods as MCP tools over SSE.
type MCPServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// P2PConfig contains libp2p configuration
type P2PConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenIP   string `yaml:"listen_ip" json:"listen_ip"`
	Port       int    `yaml:"port" json:"port"`
	Rendezvous string `yaml:"rendezvous" json:"rendezvous"`
	EnableMDNS bool   `yaml:"enable_mdns" json:"enable_mdns"`
}

// HTTPConfig contains admin API configuration
type HTTPConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Port        int      `yaml:"port" json:"port"`
	Host        string   `yaml:"host" json:"host"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// DatabaseConfig points at the Postgres instance used for card and audit persistence.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn" json:"-"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
}

// MetricsConfig configures the optional Pushgateway pusher. /metrics is always served.
type MetricsConfig struct {
	PushURL      string        `yaml:"push_url" json:"push_url"`
	PushInterval time.Duration `yaml:"push_interval" json:"push_interval"`
	Job          string        `yaml:"job" json:"job"`
	Username     string        `yaml:"username" json:"username"`
	Password     string        `yaml:"password" json:"-"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Node: NodeConfig{
			ID:            "fabric-node",
			Name:          "a2a-fabric",
			Version:       "1.0.0",
			IdentityKey:   "./configs/keys/node.key",
			AdvertiseHost: "127.0.0.1",
		},
		Transport: TransportLayerConfig{
			MaxConnections:       1000,
			IdleTimeout:          5 * time.Minute,
			ReapInterval:         30 * time.Second,
			BroadcastConcurrency: 32,
			Retry: RetryConfig{
				MaxRetries: 3,
				Backoff:    "exponential",
				BaseDelay:  time.Second,
				MaxDelay:   30 * time.Second,
			},
			Server: ServerConfig{
				HTTPAddr: ":8700",
				Path:     "/a2a",
			},
		},
		Security: SecurityConfig{
			Policy: SecurityPolicy{
				Authentication: AuthenticationPolicy{
					RequireSignedMessages: true,
					CertificateLifetime:   365 * 24 * time.Hour,
					KeyRotationInterval:   24 * time.Hour,
				},
				Authorization: AuthorizationPolicy{
					DefaultTrustLevel:    "basic",
					CapabilityExpiration: time.Hour,
				},
				RateLimiting: RateLimitPolicy{
					BaseRate:        100,
					Window:          time.Minute,
					BurstMultiplier: 1.5,
					Adaptive:        true,
				},
				Monitoring: MonitoringPolicy{
					AuditLevel:       "standard",
					AnomalyDetection: true,
					ThreatDetection:  true,
				},
				ZeroTrust: ZeroTrustPolicy{
					ContinuousVerification: true,
					LeastPrivilege:         true,
					BehaviorAnalysis:       true,
				},
			},
			AllowSelfSigned:      true,
			HandshakeTimeout:     10 * time.Second,
			SessionIdleTimeout:   30 * time.Minute,
			ReplayWindow:         5 * time.Minute,
			NonceCacheSize:       10000,
			VerificationInterval: 30 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				FailureWindow:    time.Minute,
				Cooldown:         30 * time.Second,
			},
			Audit: AuditConfig{MaxEvents: 10000},
		},
		Registry: RegistryConfig{
			DefaultTTL:   0,
			ReapInterval: 15 * time.Second,
			Shards:       16,
		},
		Bridge: BridgeConfig{
			DispatchTimeout: 30 * time.Second,
			Server: MCPServerConfig{
				Addr:    ":8702",
				Name:    "a2a-fabric",
				Version: "1.0.0",
			},
		},
		P2P: P2PConfig{
			Enabled:    false,
			ListenIP:   "0.0.0.0",
			Port:       0, // Random port
			Rendezvous: "a2a-fabric",
			EnableMDNS: true,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    8701,
			Host:    "0.0.0.0",
		},
		Database: DatabaseConfig{MaxConns: 8},
		Metrics:  MetricsConfig{PushInterval: 15 * time.Second, Job: "a2a_fabric"},
		Logging:  logger.DefaultConfig(),
	}
}
