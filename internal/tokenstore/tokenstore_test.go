package tokenstore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	want := Tokens{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-def",
		ExpiresAt:    1_700_000_000_000,
	}
	require.NoError(t, s.Save(want))

	got := s.Load()
	require.NotNil(t, got)
	require.Equal(t, want, *got)
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	s := New(t.TempDir())
	require.Nil(t, s.Load())
}

func TestSaveGeneratesKeyWithMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Save(Tokens{AccessToken: "a"}))

	info, err := os.Stat(filepath.Join(dir, "encryption-key"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	require.Equal(t, int64(32), info.Size())
}

func TestKeyReusedAcrossSaves(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Save(Tokens{AccessToken: "a"}))
	key1, err := os.ReadFile(filepath.Join(dir, "encryption-key"))
	require.NoError(t, err)

	require.NoError(t, s.Save(Tokens{AccessToken: "b"}))
	key2, err := os.ReadFile(filepath.Join(dir, "encryption-key"))
	require.NoError(t, err)

	require.Equal(t, key1, key2)
	require.Equal(t, "b", s.Load().AccessToken)
}

func TestTamperedCiphertextReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(Tokens{AccessToken: "secret"}))

	path := filepath.Join(dir, "spotify-tokens.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	ct, err := hex.DecodeString(env.EncryptedData)
	require.NoError(t, err)
	ct[0] ^= 0xff
	env.EncryptedData = hex.EncodeToString(ct)

	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	require.Nil(t, s.Load())
}

func TestTamperedTagReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(Tokens{AccessToken: "secret"}))

	path := filepath.Join(dir, "spotify-tokens.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	tag, err := hex.DecodeString(env.Tag)
	require.NoError(t, err)
	tag[len(tag)-1] ^= 0x01
	env.Tag = hex.EncodeToString(tag)

	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	require.Nil(t, s.Load())
}

func TestMalformedFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(Tokens{AccessToken: "a"})) // creates the key

	path := filepath.Join(dir, "spotify-tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	require.Nil(t, s.Load())

	require.NoError(t, os.WriteFile(path, []byte(`{"iv":"zz","encryptedData":"zz","tag":"zz"}`), 0o600))
	require.Nil(t, s.Load())
}

func TestClearRemovesTokensKeepsKey(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(Tokens{AccessToken: "a"}))

	require.NoError(t, s.Clear())
	require.Nil(t, s.Load())
	require.NoError(t, s.Clear()) // idempotent

	_, err := os.Stat(filepath.Join(dir, "encryption-key"))
	require.NoError(t, err)
}

func TestSealOpenRoundTripArbitraryBytes(t *testing.T) {
	key := make([]byte, keySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	for _, size := range []int{0, 1, 16, 255, 4096} {
		payload := make([]byte, size)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		env, err := seal(key, payload)
		require.NoError(t, err)

		aead, err := newAEAD(key)
		require.NoError(t, err)

		nonce, err := hex.DecodeString(env.IV)
		require.NoError(t, err)
		ct, err := hex.DecodeString(env.EncryptedData)
		require.NoError(t, err)
		tag, err := hex.DecodeString(env.Tag)
		require.NoError(t, err)

		got, err := aead.Open(nil, nonce, append(ct, tag...), nil)
		require.NoError(t, err)
		// bytes.Equal: Open returns a nil slice for empty plaintext.
		require.True(t, bytes.Equal(payload, got), "size %d", size)
	}
}
