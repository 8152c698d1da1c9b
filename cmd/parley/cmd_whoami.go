package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/parley/internal/keyseal"
	"github.com/shurlinet/parley/pkg/p2pchat"
)

func runWhoami(args []string) {
	if err := doWhoami(args, os.Stdout, promptPassphrase); err != nil {
		fatal("%v", err)
	}
}

// doWhoami prints the peer ID derived from the configured identity,
// without starting the node.
func doWhoami(args []string, stdout io.Writer, passphrase passphraseFunc) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	path := cfg.Identity.KeyFile
	if path == "" {
		return errors.New("identity is ephemeral; the peer ID is assigned when the node starts")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no identity at %s: run 'parley init'", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	var id peer.ID
	if keyseal.IsSealed(data) {
		pass, err := passphrase("Passphrase for " + path + ": ")
		if err != nil {
			return err
		}
		priv, err := keyseal.OpenFile(path, pass)
		if err != nil {
			return fmt.Errorf("failed to unseal identity: %w", err)
		}
		if id, err = peer.IDFromPrivateKey(priv); err != nil {
			return err
		}
	} else if id, err = p2pchat.PeerIDFromKeyFile(path); err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	fmt.Fprintln(stdout, id.String())
	return nil
}
