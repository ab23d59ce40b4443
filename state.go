package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// randomToken returns n random bytes as a base64url string. Used for CSRF
// nonces and session handles; n >= 32 gives the required 256 bits of entropy.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StateVerifier correlates an outbound authorization redirect with its
// callback. Issue returns the nonce embedded in the authorization URL and the
// artifact the caller must hold until the callback; Verify checks the artifact
// and returns the nonce it vouches for.
//
// Two interchangeable designs exist: signedStates is self-contained and never
// touches storage, storedStates persists single-use rows.
type StateVerifier interface {
	Issue(ttl time.Duration) (nonce, artifact string, err error)
	Verify(artifact string) (nonce string, err error)
}

// ValidateCallbackState verifies the held artifact and compares the verified
// nonce against the state echoed by the upstream callback. A verification
// failure and a mismatch are distinct conditions: the latter is a possible
// forgery.
func ValidateCallbackState(v StateVerifier, callbackState, artifact string) error {
	nonce, err := v.Verify(artifact)
	if err != nil {
		return err
	}
	if callbackState != nonce {
		return ErrStateMismatch
	}
	return nil
}

// signedStates implements the self-contained design: the artifact is an HS256
// token over (nonce, expiry) which only the issuing process can mint.
type signedStates struct {
	secret []byte
	now    func() time.Time
}

// NewSignedStates builds a verifier signing with the given key.
func NewSignedStates(signingKey []byte) StateVerifier {
	return &signedStates{secret: signingKey, now: time.Now}
}

func (s *signedStates) Issue(ttl time.Duration) (string, string, error) {
	nonce, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	now := s.now().UTC()
	claims := jwt.MapClaims{
		"st":  nonce,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	artifact, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return nonce, artifact, nil
}

func (s *signedStates) Verify(artifact string) (string, error) {
	tok, err := jwt.Parse(artifact, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !tok.Valid {
		return "", ErrInvalidOrExpiredState
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidOrExpiredState
	}
	nonce, ok := claims["st"].(string)
	if !ok || nonce == "" {
		return "", ErrInvalidOrExpiredState
	}
	return nonce, nil
}

// storedStates implements the server-stored design: the artifact is the nonce
// itself and verification atomically consumes the backing row, so two
// concurrent callbacks cannot both validate the same state.
type storedStates struct {
	db  DB
	now func() time.Time
}

// NewStoredStates builds a verifier backed by single-use database rows.
func NewStoredStates(db DB) StateVerifier {
	return &storedStates{db: db, now: time.Now}
}

func (s *storedStates) Issue(ttl time.Duration) (string, string, error) {
	nonce, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	now := s.now().UTC()
	if err := s.db.CreateOAuthState(nonce, now, now.Add(ttl)); err != nil {
		return "", "", err
	}
	return nonce, nonce, nil
}

func (s *storedStates) Verify(artifact string) (string, error) {
	ok, err := s.db.ConsumeOAuthState(artifact, s.now().UTC())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidOrExpiredState
	}
	return artifact, nil
}
