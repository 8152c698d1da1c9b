package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/keyseal"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

const (
	identityFileName  = "identity.key"
	blocklistFileName = "blocked_peers"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout, promptNewPassphrase); err != nil {
		fatal("%v", err)
	}
}

// doInit writes a fresh config and, unless --ephemeral, creates the
// identity key next to it. An existing config is archived before --force
// overwrites it, so 'parley config rollback' can restore it.
func doInit(args []string, stdout io.Writer, passphrase passphraseFunc) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "config file to write (default ~/.config/parley/config.yaml)")
	force := fs.Bool("force", false, "overwrite an existing config")
	seal := fs.Bool("seal", false, "encrypt the identity key with a passphrase")
	ephemeral := fs.Bool("ephemeral", false, "no key file; a new identity every start")
	network := fs.String("network", "", "DHT namespace for a private network")
	bootstrap := fs.String("bootstrap", "", "comma-separated bootstrap peer multiaddrs")
	noMDNS := fs.Bool("no-mdns", false, "disable LAN discovery")
	noDHT := fs.Bool("no-dht", false, "disable DHT room discovery")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *seal && *ephemeral {
		return fmt.Errorf("--seal and --ephemeral cannot be combined")
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return err
		}
		cfgPath = filepath.Join(dir, "config.yaml")
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !*force {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
		}
		if err := config.Archive(cfgPath); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Archived previous config to %s\n", config.ArchivePath(cfgPath))
	}

	cfg := config.Default()
	cfg.Version = config.CurrentConfigVersion
	if !*ephemeral {
		cfg.Identity.KeyFile = identityFileName
	}
	cfg.Network.BlockedPeersFile = blocklistFileName
	cfg.Discovery.Network = *network
	cfg.Discovery.MDNSEnabled = !*noMDNS
	cfg.Discovery.DHTEnabled = !*noDHT
	if *bootstrap != "" {
		for addr := range strings.SplitSeq(*bootstrap, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Discovery.BootstrapPeers = append(cfg.Discovery.BootstrapPeers, addr)
			}
		}
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	if err := config.Write(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Config written to %s\n", cfgPath)

	if *ephemeral {
		fmt.Fprintln(stdout, "Identity: ephemeral (a new peer ID on every start)")
		return nil
	}

	keyPath := filepath.Join(filepath.Dir(cfgPath), identityFileName)
	id, sealed, err := ensureIdentity(keyPath, *seal, passphrase)
	if err != nil {
		return err
	}
	state := "plain"
	if sealed {
		state = "sealed"
	}
	fmt.Fprintf(stdout, "Identity: %s (%s)\n", keyPath, state)
	fmt.Fprintf(stdout, "Peer ID:  %s\n", id)
	return nil
}

// ensureIdentity creates the key file if needed and seals a plain key
// when asked to. An existing key is never replaced, so the peer ID
// survives re-running init.
func ensureIdentity(path string, seal bool, passphrase passphraseFunc) (peer.ID, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", false, fmt.Errorf("read identity: %w", err)
	}

	if err == nil && keyseal.IsSealed(data) {
		pass, err := passphrase("Passphrase for " + path + ": ")
		if err != nil {
			return "", true, err
		}
		priv, err := keyseal.Open(data, pass)
		if err != nil {
			return "", true, err
		}
		id, err := peer.IDFromPrivateKey(priv)
		return id, true, err
	}

	// plain or missing: p2pchat loads or generates it
	priv, err := p2pchat.LoadOrCreateIdentity(path)
	if err != nil {
		return "", false, err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", false, err
	}
	if !seal {
		return id, false, nil
	}

	if err := sealKey(path, priv, passphrase); err != nil {
		return "", false, err
	}
	return id, true, nil
}

func sealKey(path string, priv crypto.PrivKey, passphrase passphraseFunc) error {
	pass, err := passphrase("New passphrase for " + path + ": ")
	if err != nil {
		return err
	}
	return keyseal.SealFile(path, priv, pass)
}
