package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SessionMeta carries audit fields recorded when a session is minted.
type SessionMeta struct {
	IPAddress string
	UserAgent string
}

// TokenStore holds the current credential for a principal behind a client
// artifact: an encrypted cookie value in the stateless deployment, a session
// handle in the stateful one. Raw upstream secrets never cross this boundary
// unencrypted at rest.
type TokenStore interface {
	// Resolve returns the principal and decrypted credential bound to an
	// artifact. An absent, expired, or unreadable artifact reads as missing.
	Resolve(ctx context.Context, artifact string) (int64, *Token, error)
	// Bind persists a freshly issued credential and returns the artifact the
	// client must present on later requests.
	Bind(ctx context.Context, userID int64, t *Token, meta SessionMeta) (string, error)
	// Update replaces the credential after a refresh. The cookie store
	// returns a replacement artifact; the session store returns "".
	Update(ctx context.Context, artifact string, userID int64, t *Token) (string, error)
	// Revoke invalidates the artifact. Idempotent; revoking an unknown
	// artifact succeeds.
	Revoke(ctx context.Context, artifact string) error
}

// cookiePayload is the JSON carried inside the encrypted cookie value.
type cookiePayload struct {
	AccessToken  string    `json:"at"`
	RefreshToken string    `json:"rt,omitempty"`
	TokenType    string    `json:"tt"`
	ExpiresAt    time.Time `json:"exp"`
	Scopes       []string  `json:"sc,omitempty"`
}

// CookieTokenStore is the stateless variant: the credential round-trips
// through the client as one encrypted cookie value and nothing is persisted
// server-side.
type CookieTokenStore struct {
	cipher *TokenCipher
}

func NewCookieTokenStore(cipher *TokenCipher) *CookieTokenStore {
	return &CookieTokenStore{cipher: cipher}
}

func (s *CookieTokenStore) Resolve(ctx context.Context, artifact string) (int64, *Token, error) {
	if artifact == "" {
		return 0, nil, ErrMissingCredential
	}
	plaintext, err := s.cipher.Decrypt(artifact)
	if err != nil {
		return 0, nil, err
	}
	var p cookiePayload
	if err := json.Unmarshal([]byte(plaintext), &p); err != nil {
		return 0, nil, ErrInvalidCiphertext
	}
	return 0, &Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresAt:    p.ExpiresAt,
		Scopes:       p.Scopes,
	}, nil
}

func (s *CookieTokenStore) Bind(ctx context.Context, userID int64, t *Token, _ SessionMeta) (string, error) {
	raw, err := json.Marshal(cookiePayload{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.ExpiresAt,
		Scopes:       t.Scopes,
	})
	if err != nil {
		return "", err
	}
	return s.cipher.Encrypt(string(raw))
}

func (s *CookieTokenStore) Update(ctx context.Context, _ string, userID int64, t *Token) (string, error) {
	return s.Bind(ctx, userID, t, SessionMeta{})
}

// Revoke is a no-op: there is nothing server-side to delete, the caller
// instructs the client to drop the cookie.
func (s *CookieTokenStore) Revoke(ctx context.Context, artifact string) error { return nil }

// SessionTokenStore is the stateful variant: the artifact is an unguessable
// session handle, credentials live encrypted in the database, one row per
// principal.
type SessionTokenStore struct {
	db     DB
	cipher *TokenCipher
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionTokenStore(db DB, cipher *TokenCipher, ttl time.Duration) *SessionTokenStore {
	return &SessionTokenStore{db: db, cipher: cipher, ttl: ttl, now: time.Now}
}

func (s *SessionTokenStore) Resolve(ctx context.Context, artifact string) (int64, *Token, error) {
	if artifact == "" {
		return 0, nil, ErrMissingCredential
	}
	sess, err := s.db.GetSession(artifact)
	if err != nil {
		return 0, nil, err
	}
	// An expired session reads as absent even though the row still exists
	// until cleanup.
	if sess == nil || !sess.ExpiresAt.After(s.now().UTC()) {
		return 0, nil, ErrMissingCredential
	}
	tok, err := s.db.GetToken(sess.UserID)
	if err != nil {
		return 0, nil, err
	}
	if tok == nil {
		return 0, nil, ErrMissingCredential
	}
	if tok.AccessToken, err = s.cipher.Decrypt(tok.AccessToken); err != nil {
		return 0, nil, err
	}
	if tok.RefreshToken, err = s.cipher.Decrypt(tok.RefreshToken); err != nil {
		return 0, nil, err
	}
	return sess.UserID, tok, nil
}

func (s *SessionTokenStore) Bind(ctx context.Context, userID int64, t *Token, meta SessionMeta) (string, error) {
	if err := s.putToken(userID, t); err != nil {
		return "", err
	}
	handle, err := randomToken(32)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	if err := s.db.CreateSession(&Session{
		Handle:    handle,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}); err != nil {
		return "", err
	}
	return handle, nil
}

func (s *SessionTokenStore) Update(ctx context.Context, _ string, userID int64, t *Token) (string, error) {
	if err := s.putToken(userID, t); err != nil {
		return "", err
	}
	return "", nil
}

func (s *SessionTokenStore) Revoke(ctx context.Context, artifact string) error {
	if artifact == "" {
		return nil
	}
	return s.db.DeleteSession(artifact)
}

func (s *SessionTokenStore) putToken(userID int64, t *Token) error {
	access, err := s.cipher.Encrypt(t.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.cipher.Encrypt(t.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	stored := *t
	stored.UserID = userID
	stored.AccessToken = access
	stored.RefreshToken = refresh
	stored.UpdatedAt = s.now().UTC()
	return s.db.UpsertToken(&stored)
}
