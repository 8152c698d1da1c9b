package config

import "time"

// CurrentConfigVersion is the newest config schema this binary understands.
const CurrentConfigVersion = 1

// Config is the parley node configuration, loaded from YAML.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Chat      ChatConfig      `yaml:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig holds the node key location. An empty KeyFile means the
// node runs with an ephemeral identity.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds transport settings.
type NetworkConfig struct {
	ListenAddresses       []string `yaml:"listen_addresses"`
	PublicIPv6Only        bool     `yaml:"public_ipv6_only"`
	ResourceLimitsEnabled bool     `yaml:"resource_limits_enabled"`
	BlockedPeersFile      string   `yaml:"blocked_peers_file,omitempty"` // empty = nobody blocked
}

// DiscoveryConfig holds LAN and DHT discovery settings.
type DiscoveryConfig struct {
	MDNSEnabled        bool          `yaml:"mdns_enabled"`
	DHTEnabled         bool          `yaml:"dht_enabled"`
	Network            string        `yaml:"network,omitempty"` // DHT namespace; empty = global parley network
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
	RoomLookupInterval time.Duration `yaml:"room_lookup_interval"`
}

// ChatConfig holds room and dialing parameters.
type ChatConfig struct {
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	DedupWindow        int           `yaml:"dedup_window"`
	MaxMessageBytes    int           `yaml:"max_message_bytes"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// TelemetryConfig holds opt-in metrics and audit logging.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// AuditConfig controls structured audit events.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a complete configuration. A node started from it
// listens on all interfaces with an ephemeral identity.
func Default() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Network: NetworkConfig{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip6/::/tcp/0",
				"/ip4/0.0.0.0/udp/0/quic-v1",
				"/ip6/::/udp/0/quic-v1",
			},
			ResourceLimitsEnabled: true,
		},
		Discovery: DiscoveryConfig{
			MDNSEnabled:        true,
			DHTEnabled:         true,
			BootstrapPeers:     []string{},
			RoomLookupInterval: 30 * time.Second,
		},
		Chat: ChatConfig{
			DialTimeout:        10 * time.Second,
			DedupWindow:        1024,
			MaxMessageBytes:    64 << 10,
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			PollInterval:       5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{
				ListenAddress: "127.0.0.1:9091",
			},
		},
	}
}
