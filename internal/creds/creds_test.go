package creds

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetRejectsEmptyValues(t *testing.T) {
	s := NewStore()

	require.ErrorIs(t, s.Set("", "secret"), ErrInvalidCredentials)
	require.ErrorIs(t, s.Set("id", ""), ErrInvalidCredentials)
	require.ErrorIs(t, s.Set("", ""), ErrInvalidCredentials)
	require.False(t, s.Has())
}

func TestEnsureSetBeforeAndAfter(t *testing.T) {
	s := NewStore()

	require.ErrorIs(t, s.EnsureSet(), ErrCredentialsUnset)

	require.NoError(t, s.Set("id", "secret"))
	require.NoError(t, s.EnsureSet())

	id, secret := s.Get()
	require.Equal(t, "id", id)
	require.Equal(t, "secret", secret)
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("id", "secret"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Set("id", "secret")
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Get()
			_ = s.Has()
		}()
	}
	wg.Wait()

	require.True(t, s.Has())
}
