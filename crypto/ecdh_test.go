package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestEnsureStaticKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "x25519_private.pem")

	first, err := EnsureStaticKey(path)
	require.NoError(t, err)
	second, err := EnsureStaticKey(path)
	require.NoError(t, err)

	if !bytes.Equal(first.Private, second.Private) {
		t.Fatalf("expected stable private key across runs")
	}
	if !bytes.Equal(first.Public, second.Public) {
		t.Fatalf("expected stable public key across runs")
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStaticKeyPublicMatchesScalarMult(t *testing.T) {
	key, err := GenerateStaticKey()
	require.NoError(t, err)

	want, err := curve25519.X25519(key.Private, curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, want, key.Public)
}

func TestLoadStaticKeyRejectsWrongPEMType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"), 0o600))

	_, err := LoadStaticKey(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected type")
}

func TestStaticKeyFromPrivateRejectsShortKey(t *testing.T) {
	_, err := StaticKeyFromPrivate(make([]byte, 16))
	require.Error(t, err)
}
