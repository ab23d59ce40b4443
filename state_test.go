package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedStatesRoundTrip(t *testing.T) {
	s := &signedStates{secret: []byte("signing-key"), now: time.Now}

	nonce, artifact, err := s.Issue(10 * time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)
	require.NotEqual(t, nonce, artifact)

	got, err := s.Verify(artifact)
	require.NoError(t, err)
	require.Equal(t, nonce, got)
}

func TestSignedStatesExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &signedStates{secret: []byte("signing-key"), now: func() time.Time { return current }}

	_, artifact, err := s.Issue(10 * time.Minute)
	require.NoError(t, err)

	current = current.Add(9 * time.Minute)
	_, err = s.Verify(artifact)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = s.Verify(artifact)
	require.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestSignedStatesWrongKey(t *testing.T) {
	issuer := &signedStates{secret: []byte("key-a"), now: time.Now}
	verifier := &signedStates{secret: []byte("key-b"), now: time.Now}

	_, artifact, err := issuer.Issue(10 * time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(artifact)
	require.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestSignedStatesGarbageArtifact(t *testing.T) {
	s := &signedStates{secret: []byte("signing-key"), now: time.Now}

	for _, artifact := range []string{"", "garbage", "a.b.c"} {
		_, err := s.Verify(artifact)
		require.ErrorIs(t, err, ErrInvalidOrExpiredState, "artifact %q", artifact)
	}
}

func TestStoredStatesSingleUse(t *testing.T) {
	db := NewMemoryDB()
	v := NewStoredStates(db)

	nonce, artifact, err := v.Issue(10 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, nonce, artifact)

	got, err := v.Verify(artifact)
	require.NoError(t, err)
	require.Equal(t, nonce, got)

	// A state verifies exactly once.
	_, err = v.Verify(artifact)
	require.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestStoredStatesExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db := NewMemoryDB()
	v := &storedStates{db: db, now: func() time.Time { return current }}

	_, artifact, err := v.Issue(10 * time.Minute)
	require.NoError(t, err)

	current = current.Add(11 * time.Minute)
	_, err = v.Verify(artifact)
	require.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestStoredStatesUnknownState(t *testing.T) {
	v := NewStoredStates(NewMemoryDB())

	_, err := v.Verify("never-issued")
	require.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestValidateCallbackState(t *testing.T) {
	s := &signedStates{secret: []byte("signing-key"), now: time.Now}

	nonce, artifact, err := s.Issue(10 * time.Minute)
	require.NoError(t, err)

	require.NoError(t, ValidateCallbackState(s, nonce, artifact))

	// Echoed state differing from the issued nonce is a mismatch, not an
	// expiry.
	err = ValidateCallbackState(s, "attacker-chosen", artifact)
	require.ErrorIs(t, err, ErrStateMismatch)

	// A bad artifact fails verification before any comparison happens.
	err = ValidateCallbackState(s, nonce, "garbage")
	require.ErrorIs(t, err, ErrInvalidOrExpiredState)
}
