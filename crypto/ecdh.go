package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

const x25519PrivatePEMType = "X25519 PRIVATE KEY"

// EnsureStaticKey loads the long-term X25519 keypair from disk, generating it if absent.
func EnsureStaticKey(path string) (noise.DHKey, error) {
	key, err := LoadStaticKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return noise.DHKey{}, err
	}

	key, err = GenerateStaticKey()
	if err != nil {
		return noise.DHKey{}, err
	}
	if err := SaveStaticKey(path, key); err != nil {
		return noise.DHKey{}, err
	}

	return key, nil
}

// GenerateStaticKey creates a new X25519 keypair.
func GenerateStaticKey() (noise.DHKey, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return noise.DHKey{}, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return StaticKeyFromPrivate(private)
}

// StaticKeyFromPrivate derives the public half for a raw X25519 private key.
func StaticKeyFromPrivate(private []byte) (noise.DHKey, error) {
	if len(private) != curve25519.ScalarSize {
		return noise.DHKey{}, fmt.Errorf("invalid X25519 private key size %d", len(private))
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("derive X25519 public key: %w", err)
	}
	return noise.DHKey{
		Private: append([]byte(nil), private...),
		Public:  public,
	}, nil
}

// LoadStaticKey reads an X25519 private key from PEM.
func LoadStaticKey(path string) (noise.DHKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return noise.DHKey{}, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return noise.DHKey{}, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}

	return StaticKeyFromPrivate(block.Bytes)
}

// SaveStaticKey writes the private half as a PEM file with 0600 permissions.
func SaveStaticKey(path string, key noise.DHKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Private,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}

	return nil
}
