package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/term"

	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/keyseal"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

// passphraseEnv unlocks a sealed identity without a prompt.
const passphraseEnv = "PARLEY_KEY_PASSPHRASE"

// passphraseFunc supplies the passphrase for a sealed identity key.
type passphraseFunc func(prompt string) (string, error)

// loadConfig finds, loads and validates the config. With no explicit path
// and no file in the search locations it returns the defaults and an
// empty cfgFile.
func loadConfig(configFlag string) (*config.Config, string, error) {
	cfgFile, err := config.FindConfigFile(configFlag)
	if err != nil {
		if configFlag == "" && errors.Is(err, config.ErrConfigNotFound) {
			slog.Debug("no config file found, using defaults")
			return config.Default(), "", nil
		}
		return nil, "", fmt.Errorf("config error: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, "", fmt.Errorf("config error: %w", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))

	if err := config.Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, cfgFile, nil
}

// loadIdentity unseals the configured key file when it is sealed. A nil
// key with a nil error leaves identity handling to p2pchat: a plain key
// file is loaded or created there, and an empty key_file is ephemeral.
func loadIdentity(cfg *config.Config, passphrase passphraseFunc) (crypto.PrivKey, error) {
	path := cfg.Identity.KeyFile
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	if !keyseal.IsSealed(data) {
		return nil, nil
	}
	if err := p2pchat.CheckKeyFilePermissions(path); err != nil {
		return nil, err
	}

	pass, err := passphrase("Passphrase for " + path + ": ")
	if err != nil {
		return nil, err
	}
	priv, err := keyseal.Open(data, pass)
	if err != nil {
		return nil, fmt.Errorf("unseal %s: %w", path, err)
	}
	return priv, nil
}

// nodeConfig maps the file config onto the node's runtime settings.
func nodeConfig(cfg *config.Config, key crypto.PrivKey, m *p2pchat.Metrics, audit *p2pchat.AuditLogger) p2pchat.NodeConfig {
	return p2pchat.NodeConfig{
		Network: p2pchat.NetworkConfig{
			KeyFile:               cfg.Identity.KeyFile,
			PrivateKey:            key,
			ListenAddresses:       cfg.Network.ListenAddresses,
			UserAgent:             "parley/" + version,
			PublicIPv6Only:        cfg.Network.PublicIPv6Only,
			ResourceLimitsEnabled: cfg.Network.ResourceLimitsEnabled,
			Metrics:               m,
		},
		Room: p2pchat.RoomConfig{
			MaxMessageBytes: cfg.Chat.MaxMessageBytes,
			DedupWindow:     cfg.Chat.DedupWindow,
			RateLimit:       cfg.Chat.RateLimitPerSecond,
			RateBurst:       cfg.Chat.RateLimitBurst,
		},
		DialTimeout:        cfg.Chat.DialTimeout,
		MDNSEnabled:        cfg.Discovery.MDNSEnabled,
		DHTEnabled:         cfg.Discovery.DHTEnabled,
		DHTNamespace:       cfg.Discovery.Network,
		BootstrapPeers:     cfg.Discovery.BootstrapPeers,
		RoomLookupInterval: cfg.Discovery.RoomLookupInterval,
		Metrics:            m,
		Audit:              audit,
	}
}

// promptPassphrase reads from $PARLEY_KEY_PASSPHRASE, falling back to a
// no-echo terminal prompt on stderr.
func promptPassphrase(prompt string) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("identity key is sealed: set %s or run from a terminal", passphraseEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}

// promptNewPassphrase asks twice and requires both entries to match. The
// environment variable skips the confirmation.
func promptNewPassphrase(prompt string) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	first, err := promptPassphrase(prompt)
	if err != nil {
		return "", err
	}
	second, err := promptPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}
