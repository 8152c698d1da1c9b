package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/keyseal"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

func fixedPassphrase(p string) passphraseFunc {
	return func(string) (string, error) { return p, nil }
}

func noPassphrase(t *testing.T) passphraseFunc {
	return func(string) (string, error) {
		t.Error("passphrase should not be requested")
		return "", errors.New("unexpected prompt")
	}
}

func TestNodeConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.KeyFile = "/var/lib/parley/identity.key"
	cfg.Network.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/4001"}
	cfg.Network.PublicIPv6Only = true
	cfg.Discovery.MDNSEnabled = false
	cfg.Discovery.Network = "friends"
	cfg.Discovery.BootstrapPeers = []string{"/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWExample"}
	cfg.Discovery.RoomLookupInterval = 45 * time.Second
	cfg.Chat.DialTimeout = 3 * time.Second
	cfg.Chat.DedupWindow = 99
	cfg.Chat.MaxMessageBytes = 512
	cfg.Chat.RateLimitPerSecond = 2.5
	cfg.Chat.RateLimitBurst = 7

	m := p2pchat.NewMetrics("test", "go")
	nc := nodeConfig(cfg, nil, m, nil)

	if nc.Network.KeyFile != cfg.Identity.KeyFile {
		t.Errorf("KeyFile = %q", nc.Network.KeyFile)
	}
	if len(nc.Network.ListenAddresses) != 1 || nc.Network.ListenAddresses[0] != "/ip4/127.0.0.1/tcp/4001" {
		t.Errorf("ListenAddresses = %v", nc.Network.ListenAddresses)
	}
	if !nc.Network.PublicIPv6Only || !nc.Network.ResourceLimitsEnabled {
		t.Error("network flags not carried over")
	}
	if nc.Network.UserAgent != "parley/"+version {
		t.Errorf("UserAgent = %q", nc.Network.UserAgent)
	}
	r := nc.Room
	if r.MaxMessageBytes != 512 || r.DedupWindow != 99 || r.RateLimit != 2.5 || r.RateBurst != 7 {
		t.Errorf("Room = %+v", r)
	}
	if nc.DialTimeout != 3*time.Second || nc.RoomLookupInterval != 45*time.Second {
		t.Errorf("durations = %v, %v", nc.DialTimeout, nc.RoomLookupInterval)
	}
	if nc.MDNSEnabled || !nc.DHTEnabled || nc.DHTNamespace != "friends" {
		t.Errorf("discovery = mdns:%v dht:%v ns:%q", nc.MDNSEnabled, nc.DHTEnabled, nc.DHTNamespace)
	}
	if len(nc.BootstrapPeers) != 1 {
		t.Errorf("BootstrapPeers = %v", nc.BootstrapPeers)
	}
	if nc.Metrics != m || nc.Network.Metrics != m {
		t.Error("metrics not wired into node and network")
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, cfgFile, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfgFile != "" {
		t.Errorf("cfgFile = %q, want empty", cfgFile)
	}
	if cfg.Identity.KeyFile != "" {
		t.Errorf("default identity should be ephemeral, got %q", cfg.Identity.KeyFile)
	}
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	if _, _, err := loadConfig(missingConfig); !errors.Is(err, config.ErrConfigNotFound) {
		t.Errorf("err = %v, want ErrConfigNotFound", err)
	}
}

func TestLoadConfigResolvesKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nidentity:\n  key_file: identity.key\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, cfgFile, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfgFile != path {
		t.Errorf("cfgFile = %q", cfgFile)
	}
	if want := filepath.Join(dir, "identity.key"); cfg.Identity.KeyFile != want {
		t.Errorf("KeyFile = %q, want %q", cfg.Identity.KeyFile, want)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("chat:\n  dedup_window: -1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadConfig(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadIdentity(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	t.Run("ephemeral", func(t *testing.T) {
		cfg := config.Default()
		key, err := loadIdentity(cfg, noPassphrase(t))
		if key != nil || err != nil {
			t.Errorf("loadIdentity = %v, %v; want nil, nil", key, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := config.Default()
		cfg.Identity.KeyFile = filepath.Join(dir, "absent.key")
		key, err := loadIdentity(cfg, noPassphrase(t))
		if key != nil || err != nil {
			t.Errorf("loadIdentity = %v, %v; want nil, nil", key, err)
		}
	})

	t.Run("plain key is left to the node", func(t *testing.T) {
		path := filepath.Join(dir, "plain.key")
		data, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatal(err)
		}
		cfg := config.Default()
		cfg.Identity.KeyFile = path
		key, err := loadIdentity(cfg, noPassphrase(t))
		if key != nil || err != nil {
			t.Errorf("loadIdentity = %v, %v; want nil, nil", key, err)
		}
	})

	sealed := filepath.Join(dir, "sealed.key")
	if err := keyseal.SealFile(sealed, priv, "correct horse"); err != nil {
		t.Fatal(err)
	}

	t.Run("sealed key", func(t *testing.T) {
		cfg := config.Default()
		cfg.Identity.KeyFile = sealed
		key, err := loadIdentity(cfg, fixedPassphrase("correct horse"))
		if err != nil {
			t.Fatalf("loadIdentity: %v", err)
		}
		if !key.Equals(priv) {
			t.Error("unsealed key differs from the original")
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		cfg := config.Default()
		cfg.Identity.KeyFile = sealed
		if _, err := loadIdentity(cfg, fixedPassphrase("battery staple")); !errors.Is(err, keyseal.ErrInvalidPassphrase) {
			t.Errorf("err = %v, want ErrInvalidPassphrase", err)
		}
	})

	t.Run("prompt error", func(t *testing.T) {
		cfg := config.Default()
		cfg.Identity.KeyFile = sealed
		boom := errors.New("no terminal")
		_, err := loadIdentity(cfg, func(string) (string, error) { return "", boom })
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want prompt error", err)
		}
	})
}

func TestPromptPassphraseFromEnv(t *testing.T) {
	t.Setenv(passphraseEnv, "from-env")
	for _, fn := range []passphraseFunc{promptPassphrase, promptNewPassphrase} {
		got, err := fn("ignored: ")
		if err != nil || got != "from-env" {
			t.Errorf("prompt = %q, %v", got, err)
		}
	}
}
