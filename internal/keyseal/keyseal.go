// Package keyseal stores a node identity key encrypted under a passphrase.
//
// The sealed file is JSON holding an Argon2id salt and an
// XChaCha20-Poly1305 ciphertext of the libp2p-marshaled private key.
// Plain (unsealed) key files stay readable by p2pchat directly.
package keyseal

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidPassphrase = errors.New("invalid passphrase")
	ErrNotSealed         = errors.New("key file is not sealed")
	ErrEmptyPassphrase   = errors.New("passphrase cannot be empty")
)

// Argon2id parameters. Derivation takes around a second on modest hardware
// and runs once per daemon start.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16

	sealedVersion = 1
	sealedFormat  = "parley-sealed-key"
)

type sealedKey struct {
	Format     string `json:"format"`
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts priv under passphrase and returns the file contents.
func Seal(priv crypto.PrivKey, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	defer clear(raw)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return json.MarshalIndent(sealedKey{
		Format:     sealedFormat,
		Version:    sealedVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, raw, []byte(sealedFormat)),
	}, "", "  ")
}

// Open decrypts a sealed key file produced by Seal.
func Open(data []byte, passphrase string) (crypto.PrivKey, error) {
	var sk sealedKey
	if err := json.Unmarshal(data, &sk); err != nil || sk.Format != sealedFormat {
		return nil, ErrNotSealed
	}
	if sk.Version > sealedVersion {
		return nil, fmt.Errorf("sealed key version %d is newer than supported version %d", sk.Version, sealedVersion)
	}

	key := deriveKey(passphrase, sk.Salt)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sk.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("sealed key has malformed nonce")
	}
	raw, err := aead.Open(nil, sk.Nonce, sk.Ciphertext, []byte(sealedFormat))
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	defer clear(raw)

	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal sealed key: %w", err)
	}
	return priv, nil
}

// IsSealed reports whether data looks like a sealed key file.
func IsSealed(data []byte) bool {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return false
	}
	var sk sealedKey
	return json.Unmarshal(data, &sk) == nil && sk.Format == sealedFormat
}

// SealFile writes priv to path sealed under passphrase with 0600 permissions.
func SealFile(path string, priv crypto.PrivKey, passphrase string) error {
	data, err := Seal(priv, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write sealed key %s: %w", path, err)
	}
	return nil
}

// OpenFile reads and decrypts the sealed key at path.
func OpenFile(path, passphrase string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sealed key %s: %w", path, err)
	}
	return Open(data, passphrase)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
