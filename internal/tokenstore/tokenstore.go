// SPDX-License-Identifier: MIT

// Package tokenstore persists OAuth tokens encrypted at rest. The record
// on disk is {iv, encryptedData, tag} (hex), sealed with AES-256-GCM under
// a key generated next to the ciphertext on first save.
package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/metrics"
	"github.com/skipwatch/skipwatch/internal/persist"
)

// ErrDecrypt marks an unreadable or tampered token record.
var ErrDecrypt = errors.New("token record cannot be decrypted")

const (
	tokensFile = "spotify-tokens.json"
	keyFile    = "encryption-key"

	keySize   = 32
	nonceSize = 16
	tagSize   = 16
)

// Tokens is the plaintext token state. ExpiresAt is absolute epoch ms.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// envelope is the at-rest record. The GCM tag is split off the sealed
// ciphertext into its own field.
type envelope struct {
	IV            string `json:"iv"`
	EncryptedData string `json:"encryptedData"`
	Tag           string `json:"tag"`
}

// Store reads and writes the encrypted token file under dataDir.
type Store struct {
	dataDir string
}

// New returns a store rooted at dataDir. The directory must exist.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) tokensPath() string { return filepath.Join(s.dataDir, tokensFile) }
func (s *Store) keyPath() string    { return filepath.Join(s.dataDir, keyFile) }

// Save encrypts and atomically writes the token record. A fresh key is
// generated on the first save.
func (s *Store) Save(t Tokens) error {
	key, err := s.loadOrCreateKey()
	if err != nil {
		metrics.IncStoreWrite("tokens", "failure")
		return err
	}

	plaintext, err := json.Marshal(t)
	if err != nil {
		metrics.IncStoreWrite("tokens", "failure")
		return fmt.Errorf("marshal tokens: %w", err)
	}

	env, err := seal(key, plaintext)
	if err != nil {
		metrics.IncStoreWrite("tokens", "failure")
		return err
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		metrics.IncStoreWrite("tokens", "failure")
		return fmt.Errorf("marshal token envelope: %w", err)
	}

	if err := persist.WriteFile(s.tokensPath(), data, 0o600); err != nil {
		metrics.IncStoreWrite("tokens", "failure")
		return err
	}
	metrics.IncStoreWrite("tokens", "success")
	return nil
}

// Load returns the stored tokens, or nil when the file is absent,
// malformed, or fails authentication. Decrypt failures are logged, never
// returned: a broken token file means "re-authorize", not "crash".
func (s *Store) Load() *Tokens {
	raw, err := os.ReadFile(s.tokensPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger := log.WithComponent("tokenstore")
			logger.Error().Err(err).
				Str("event", "tokenstore.load.read_failed").
				Msg("cannot read token file")
		}
		return nil
	}

	key, err := os.ReadFile(s.keyPath())
	if err != nil {
		logger := log.WithComponent("tokenstore")
		logger.Error().Err(err).
			Str("event", "tokenstore.load.key_missing").
			Msg("token file present but encryption key unreadable")
		return nil
	}

	t, err := decryptRecord(key, raw)
	if err != nil {
		logger := log.WithComponent("tokenstore")
		logger.Error().Err(err).
			Str("event", "tokenstore.load.decrypt_failed").
			Msg("stored tokens are unreadable, re-authorization required")
		return nil
	}
	return t
}

// Clear removes the token file. The key file stays; it is reused by the
// next Save. Missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.tokensPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove token file: %w", persist.ErrPersist, err)
	}
	return nil
}

func (s *Store) loadOrCreateKey() ([]byte, error) {
	key, err := os.ReadFile(s.keyPath())
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("%w: key file has %d bytes, want %d", ErrDecrypt, len(key), keySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := persist.WriteFile(s.keyPath(), key, 0o600); err != nil {
		return nil, err
	}
	logger := log.WithComponent("tokenstore")
	logger.Info().
		Str("event", "tokenstore.key.created").
		Msg("generated new encryption key")
	return key, nil
}

func seal(key, plaintext []byte) (*envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	// Seal appends the tag to the ciphertext; store it separately.
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &envelope{
		IV:            hex.EncodeToString(nonce),
		EncryptedData: hex.EncodeToString(ciphertext),
		Tag:           hex.EncodeToString(tag),
	}, nil
}

func decryptRecord(key, raw []byte) (*Tokens, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	nonce, err := hex.DecodeString(env.IV)
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	ciphertext, err := hex.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrDecrypt)
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad tag", ErrDecrypt)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	var t Tokens
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return &t, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return aead, nil
}
