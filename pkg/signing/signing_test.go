package signing

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEntryHash = "d3626ac30a87e6f7a6428233b3c68299976865fa5508e4267c5415c76af7a772"

func TestSignAndVerifyEntryHash(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := SignEntryHash(priv, testEntryHash)
	require.NoError(t, err)
	assert.True(t, VerifyEntryHash(pub, testEntryHash, sig))

	// Signature binds the hash, not the hex string: a different hash fails.
	other := strings.Replace(testEntryHash, "d3", "d4", 1)
	assert.False(t, VerifyEntryHash(pub, other, sig))

	// A different key fails.
	otherPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, VerifyEntryHash(otherPub, testEntryHash, sig))
}

func TestSignRejectsNonHexHash(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = SignEntryHash(priv, "not-hex")
	assert.Error(t, err)
}

func TestVerifyMalformedInputs(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	sig, err := SignEntryHash(priv, testEntryHash)
	require.NoError(t, err)

	assert.False(t, VerifyEntryHash(pub, "zz", sig))
	assert.False(t, VerifyEntryHash(pub, testEntryHash, "%%%not-base64%%%"))
	assert.False(t, VerifyEntryHash(nil, testEntryHash, sig))
}

func TestPEMRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	privPEM, err := MarshalPrivateKeyPEM(priv)
	require.NoError(t, err)
	pubPEM, err := MarshalPublicKeyPEM(pub)
	require.NoError(t, err)

	gotPriv, err := ParsePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	gotPub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)

	assert.Equal(t, priv, gotPriv)
	assert.Equal(t, pub, gotPub)
}

func TestWriteAndLoadKeyPair(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "ledger.key")
	pubPath := filepath.Join(dir, "ledger.pub")

	require.NoError(t, WriteKeyPair(privPath, pubPath))

	priv, err := LoadPrivateKey(privPath)
	require.NoError(t, err)
	pub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)

	sig, err := SignEntryHash(priv, testEntryHash)
	require.NoError(t, err)
	assert.True(t, VerifyEntryHash(pub, testEntryHash, sig))
}

func TestParseRejectsWrongBlockType(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	pubPEM, err := MarshalPublicKeyPEM(pub)
	require.NoError(t, err)

	_, err = ParsePrivateKeyPEM(pubPEM)
	assert.Error(t, err)
}
