package keyseal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
)

func newKey(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func TestSealAndOpen(t *testing.T) {
	priv := newKey(t)
	data, err := Seal(priv, "correct horse")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(data) {
		t.Fatal("IsSealed = false for sealed data")
	}

	got, err := Open(data, "correct horse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !got.Equals(priv) {
		t.Error("opened key differs from sealed key")
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	data, err := Seal(newKey(t), "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(data, "wrong"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("Open error = %v, want ErrInvalidPassphrase", err)
	}
}

func TestSealEmptyPassphrase(t *testing.T) {
	if _, err := Seal(newKey(t), ""); !errors.Is(err, ErrEmptyPassphrase) {
		t.Fatalf("Seal error = %v, want ErrEmptyPassphrase", err)
	}
}

func TestOpenPlainKey(t *testing.T) {
	raw, err := crypto.MarshalPrivateKey(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if IsSealed(raw) {
		t.Error("IsSealed = true for a plain protobuf key")
	}
	if _, err := Open(raw, "x"); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("Open error = %v, want ErrNotSealed", err)
	}
}

func TestSealsAreSalted(t *testing.T) {
	priv := newKey(t)
	a, _ := Seal(priv, "same")
	b, _ := Seal(priv, "same")
	if string(a) == string(b) {
		t.Error("two seals of the same key should differ")
	}
}

func TestSealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	priv := newKey(t)
	if err := SealFile(path, priv, "pw"); err != nil {
		t.Fatalf("SealFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("sealed key permissions = %o, want 0600", perm)
	}

	got, err := OpenFile(path, "pw")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if !got.Equals(priv) {
		t.Error("opened key differs")
	}
}
