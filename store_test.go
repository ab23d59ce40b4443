package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testToken(expiry time.Time) *Token {
	return &Token{
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		TokenType:    "Bearer",
		ExpiresAt:    expiry,
		Scopes:       []string{"table.Read", "table.Write"},
	}
}

func TestCookieTokenStoreRoundTrip(t *testing.T) {
	store := NewCookieTokenStore(testCipher(t))
	ctx := context.Background()
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	artifact, err := store.Bind(ctx, 0, testToken(expiry), SessionMeta{})
	require.NoError(t, err)
	require.NotEmpty(t, artifact)
	require.NotContains(t, artifact, "access-secret")

	_, tok, err := store.Resolve(ctx, artifact)
	require.NoError(t, err)
	require.Equal(t, "access-secret", tok.AccessToken)
	require.Equal(t, "refresh-secret", tok.RefreshToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.True(t, tok.ExpiresAt.Equal(expiry))
	require.Equal(t, []string{"table.Read", "table.Write"}, tok.Scopes)
}

func TestCookieTokenStoreBadArtifact(t *testing.T) {
	store := NewCookieTokenStore(testCipher(t))
	ctx := context.Background()

	_, _, err := store.Resolve(ctx, "")
	require.ErrorIs(t, err, ErrMissingCredential)

	_, _, err = store.Resolve(ctx, "tampered-or-garbage")
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCookieTokenStoreUpdateRotatesArtifact(t *testing.T) {
	store := NewCookieTokenStore(testCipher(t))
	ctx := context.Background()

	artifact, err := store.Bind(ctx, 0, testToken(time.Now()), SessionMeta{})
	require.NoError(t, err)

	renewed, err := store.Update(ctx, artifact, 0, testToken(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.NotEmpty(t, renewed)
	require.NotEqual(t, artifact, renewed)
}

func TestCookieTokenStoreRevokeIsNoop(t *testing.T) {
	store := NewCookieTokenStore(testCipher(t))
	require.NoError(t, store.Revoke(context.Background(), "anything"))

	// The old cookie value still decrypts; only the client dropping it ends
	// the session.
	artifact, err := store.Bind(context.Background(), 0, testToken(time.Now()), SessionMeta{})
	require.NoError(t, err)
	require.NoError(t, store.Revoke(context.Background(), artifact))
	_, _, err = store.Resolve(context.Background(), artifact)
	require.NoError(t, err)
}

func TestSessionTokenStoreRoundTrip(t *testing.T) {
	db := NewMemoryDB()
	store := NewSessionTokenStore(db, testCipher(t), 24*time.Hour)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	handle, err := store.Bind(ctx, 7, testToken(expiry), SessionMeta{IPAddress: "10.0.0.1", UserAgent: "test-agent"})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	userID, tok, err := store.Resolve(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, int64(7), userID)
	require.Equal(t, "access-secret", tok.AccessToken)
	require.Equal(t, "refresh-secret", tok.RefreshToken)

	sess, err := db.GetSession(handle)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", sess.IPAddress)
	require.Equal(t, "test-agent", sess.UserAgent)
}

func TestSessionTokenStoreEncryptsAtRest(t *testing.T) {
	db := NewMemoryDB()
	store := NewSessionTokenStore(db, testCipher(t), 24*time.Hour)

	_, err := store.Bind(context.Background(), 7, testToken(time.Now().Add(time.Hour)), SessionMeta{})
	require.NoError(t, err)

	stored, err := db.GetToken(7)
	require.NoError(t, err)
	require.NotEqual(t, "access-secret", stored.AccessToken)
	require.NotEqual(t, "refresh-secret", stored.RefreshToken)
}

func TestSessionTokenStoreExpiredSessionReadsAsAbsent(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db := NewMemoryDB()
	store := NewSessionTokenStore(db, testCipher(t), time.Hour)
	store.now = func() time.Time { return current }

	handle, err := store.Bind(context.Background(), 7, testToken(current.Add(2*time.Hour)), SessionMeta{})
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)
	_, _, err = store.Resolve(context.Background(), handle)
	require.ErrorIs(t, err, ErrMissingCredential)

	// The row survives until cleanup, but it never resolves.
	sess, err := db.GetSession(handle)
	require.NoError(t, err)
	require.NotNil(t, sess)
}

func TestSessionTokenStoreUpdateKeepsHandle(t *testing.T) {
	db := NewMemoryDB()
	store := NewSessionTokenStore(db, testCipher(t), 24*time.Hour)
	ctx := context.Background()

	handle, err := store.Bind(ctx, 7, testToken(time.Now().Add(time.Minute)), SessionMeta{})
	require.NoError(t, err)

	renewed := testToken(time.Now().Add(time.Hour).UTC().Truncate(time.Second))
	renewed.AccessToken = "renewed-access"
	newArtifact, err := store.Update(ctx, handle, 7, renewed)
	require.NoError(t, err)
	require.Empty(t, newArtifact)

	_, tok, err := store.Resolve(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, "renewed-access", tok.AccessToken)
}

func TestSessionTokenStoreRevoke(t *testing.T) {
	db := NewMemoryDB()
	store := NewSessionTokenStore(db, testCipher(t), 24*time.Hour)
	ctx := context.Background()

	handle, err := store.Bind(ctx, 7, testToken(time.Now().Add(time.Hour)), SessionMeta{})
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, handle))
	_, _, err = store.Resolve(ctx, handle)
	require.ErrorIs(t, err, ErrMissingCredential)

	// Revoking twice, or with an unknown handle, still succeeds.
	require.NoError(t, store.Revoke(ctx, handle))
	require.NoError(t, store.Revoke(ctx, "unknown"))
}
