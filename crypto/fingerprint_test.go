package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFingerprintIsTruncatedHex(t *testing.T) {
	fp := KeyFingerprint([]byte("0123456789abcdef0123456789abcdef"))
	assert.Len(t, fp, 32)
	assert.Equal(t, fp, KeyFingerprint([]byte("0123456789abcdef0123456789abcdef")))
	assert.Empty(t, KeyFingerprint(nil))
}

func TestFormatFingerprintGroupsByFour(t *testing.T) {
	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
}

func TestFingerprintsEqualIgnoresGrouping(t *testing.T) {
	assert.True(t, FingerprintsEqual("ABCD EF01", "abcdef01"))
	assert.False(t, FingerprintsEqual("abcd", "abce"))
}
