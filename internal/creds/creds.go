// SPDX-License-Identifier: MIT

// Package creds holds the upstream API client credentials for the life of
// the process. Credentials are never persisted.
package creds

import (
	"errors"
	"sync"
)

var (
	// ErrInvalidCredentials is returned by Set when either value is empty.
	ErrInvalidCredentials = errors.New("invalid credentials: client id and secret must be non-empty")

	// ErrCredentialsUnset is returned by EnsureSet before credentials are configured.
	ErrCredentialsUnset = errors.New("credentials not configured")
)

// Store is the process-wide credential holder. Construct exactly one in
// cmd/daemon and pass it down.
type Store struct {
	mu           sync.RWMutex
	clientID     string
	clientSecret string
}

func NewStore() *Store {
	return &Store{}
}

// Set stores the client id and secret. Empty values are rejected.
func (s *Store) Set(id, secret string) error {
	if id == "" || secret == "" {
		return ErrInvalidCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = id
	s.clientSecret = secret
	return nil
}

// Get returns the configured credentials. Both are empty until Set succeeds.
func (s *Store) Get() (id, secret string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID, s.clientSecret
}

// Has reports whether credentials are configured.
func (s *Store) Has() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID != "" && s.clientSecret != ""
}

// EnsureSet fails fast when credentials are missing.
func (s *Store) EnsureSet() error {
	if !s.Has() {
		return ErrCredentialsUnset
	}
	return nil
}
