package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/shurlinet/parley/internal/validate"
)

// rawConfig mirrors Config with durations kept as strings so files read
// "30s" rather than nanosecond integers.
type rawConfig struct {
	Version   int            `yaml:"version,omitempty"`
	Identity  IdentityConfig `yaml:"identity"`
	Network   NetworkConfig  `yaml:"network"`
	Discovery struct {
		MDNSEnabled        bool     `yaml:"mdns_enabled"`
		DHTEnabled         bool     `yaml:"dht_enabled"`
		Network            string   `yaml:"network,omitempty"`
		BootstrapPeers     []string `yaml:"bootstrap_peers"`
		RoomLookupInterval string   `yaml:"room_lookup_interval"`
	} `yaml:"discovery"`
	Chat struct {
		DialTimeout        string  `yaml:"dial_timeout"`
		DedupWindow        int     `yaml:"dedup_window"`
		MaxMessageBytes    int     `yaml:"max_message_bytes"`
		RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
		RateLimitBurst     int     `yaml:"rate_limit_burst"`
		PollInterval       string  `yaml:"poll_interval"`
	} `yaml:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

func toRaw(cfg *Config) rawConfig {
	var raw rawConfig
	raw.Version = cfg.Version
	raw.Identity = cfg.Identity
	raw.Network = cfg.Network
	raw.Discovery.MDNSEnabled = cfg.Discovery.MDNSEnabled
	raw.Discovery.DHTEnabled = cfg.Discovery.DHTEnabled
	raw.Discovery.Network = cfg.Discovery.Network
	raw.Discovery.BootstrapPeers = cfg.Discovery.BootstrapPeers
	raw.Discovery.RoomLookupInterval = cfg.Discovery.RoomLookupInterval.String()
	raw.Chat.DialTimeout = cfg.Chat.DialTimeout.String()
	raw.Chat.DedupWindow = cfg.Chat.DedupWindow
	raw.Chat.MaxMessageBytes = cfg.Chat.MaxMessageBytes
	raw.Chat.RateLimitPerSecond = cfg.Chat.RateLimitPerSecond
	raw.Chat.RateLimitBurst = cfg.Chat.RateLimitBurst
	raw.Chat.PollInterval = cfg.Chat.PollInterval.String()
	raw.Telemetry = cfg.Telemetry
	return raw
}

func (raw *rawConfig) toConfig() (*Config, error) {
	lookup, err := time.ParseDuration(raw.Discovery.RoomLookupInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery.room_lookup_interval: %w", err)
	}
	dial, err := time.ParseDuration(raw.Chat.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid chat.dial_timeout: %w", err)
	}
	poll, err := time.ParseDuration(raw.Chat.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid chat.poll_interval: %w", err)
	}
	return &Config{
		Version:  raw.Version,
		Identity: raw.Identity,
		Network:  raw.Network,
		Discovery: DiscoveryConfig{
			MDNSEnabled:        raw.Discovery.MDNSEnabled,
			DHTEnabled:         raw.Discovery.DHTEnabled,
			Network:            raw.Discovery.Network,
			BootstrapPeers:     raw.Discovery.BootstrapPeers,
			RoomLookupInterval: lookup,
		},
		Chat: ChatConfig{
			DialTimeout:        dial,
			DedupWindow:        raw.Chat.DedupWindow,
			MaxMessageBytes:    raw.Chat.MaxMessageBytes,
			RateLimitPerSecond: raw.Chat.RateLimitPerSecond,
			RateLimitBurst:     raw.Chat.RateLimitBurst,
			PollInterval:       poll,
		},
		Telemetry: raw.Telemetry,
	}, nil
}

// checkConfigFilePermissions rejects config files that are group or world
// readable. Config files reference key material.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600, fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Parse decodes YAML config data. Keys missing from the document keep
// their Default values.
func Parse(data []byte) (*Config, error) {
	raw := toRaw(Default())
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for files without a version field
	if raw.Version == 0 {
		raw.Version = 1
	}
	if raw.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade parley", ErrConfigVersionTooNew, raw.Version, CurrentConfigVersion)
	}
	return raw.toConfig()
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal renders cfg as YAML with human-readable durations.
func Marshal(cfg *Config) ([]byte, error) {
	raw := toRaw(cfg)
	data, err := yaml.Marshal(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

// Write stores cfg at path with 0600 permissions, creating the parent
// directory if needed. The write goes through a temp file and rename.
func Write(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := replaceFile(path, data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// FindConfigFile searches for a parley config file in standard locations.
// Search order: explicitPath (if given), ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{
		"parley.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "parley", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'parley init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths makes relative file paths (identity.key_file and
// network.blocked_peers_file) relative to the directory holding the
// config file.
func ResolveConfigPaths(cfg *Config, configDir string) {
	for _, p := range []*string{&cfg.Identity.KeyFile, &cfg.Network.BlockedPeersFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// Validate checks a loaded config for values the node cannot start with.
// The discovery network name is replaced by its normalized form.
func Validate(cfg *Config) error {
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	for _, s := range cfg.Network.ListenAddresses {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("network.listen_addresses: invalid multiaddr %q: %w", s, err)
		}
	}
	for _, s := range cfg.Discovery.BootstrapPeers {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("discovery.bootstrap_peers: invalid multiaddr %q: %w", s, err)
		}
	}
	if cfg.Discovery.Network != "" {
		ns, err := validate.NetworkName(cfg.Discovery.Network)
		if err != nil {
			return fmt.Errorf("discovery.network: %w", err)
		}
		cfg.Discovery.Network = ns
	}
	if cfg.Discovery.DHTEnabled && cfg.Discovery.RoomLookupInterval <= 0 {
		return fmt.Errorf("discovery.room_lookup_interval must be positive")
	}
	if cfg.Chat.DialTimeout <= 0 {
		return fmt.Errorf("chat.dial_timeout must be positive")
	}
	if cfg.Chat.DedupWindow <= 0 {
		return fmt.Errorf("chat.dedup_window must be positive")
	}
	if cfg.Chat.MaxMessageBytes <= 0 {
		return fmt.Errorf("chat.max_message_bytes must be positive")
	}
	if cfg.Chat.RateLimitPerSecond <= 0 || cfg.Chat.RateLimitBurst <= 0 {
		return fmt.Errorf("chat.rate_limit_per_second and chat.rate_limit_burst must be positive")
	}
	if cfg.Chat.PollInterval <= 0 {
		return fmt.Errorf("chat.poll_interval must be positive")
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		return fmt.Errorf("telemetry.metrics.listen_address is required when metrics are enabled")
	}
	return nil
}

// DefaultConfigDir returns the default parley config directory (~/.config/parley).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "parley"), nil
}
