package main

import (
	"context"
	"sync"
	"time"
)

// Refresher keeps credentials fresh: every protected request passes through
// EnsureFresh before reaching the upstream.
type Refresher struct {
	up     Upstream
	store  TokenStore
	margin time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	locks map[int64]*sync.Mutex
}

// NewRefresher builds a refresher with the given safety margin before expiry.
func NewRefresher(up Upstream, store TokenStore, margin time.Duration) *Refresher {
	return &Refresher{
		up:     up,
		store:  store,
		margin: margin,
		now:    time.Now,
		locks:  map[int64]*sync.Mutex{},
	}
}

// lock returns the per-principal mutex, creating it on first use.
func (r *Refresher) lock(userID int64) *sync.Mutex {
	r.mu.RLock()
	l, ok := r.locks[userID]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		// Double-check after acquiring write lock
		l, ok = r.locks[userID]
		if !ok {
			l = &sync.Mutex{}
			r.locks[userID] = l
		}
		r.mu.Unlock()
	}
	return l
}

// EnsureFresh returns a usable access secret for the artifact, renewing the
// stored credential through the refresh grant when it is within the safety
// margin of expiry. newArtifact is non-empty when the client must replace its
// artifact (cookie deployment).
//
// Refresh is serialized per principal: concurrent callers racing past the
// margin trigger at most one upstream refresh, the losers observe the
// refreshed credential.
func (r *Refresher) EnsureFresh(ctx context.Context, artifact string) (access, newArtifact string, err error) {
	userID, tok, err := r.store.Resolve(ctx, artifact)
	if err != nil {
		return "", "", err
	}
	now := r.now().UTC()
	if !tok.ExpiresWithin(r.margin, now) {
		return tok.AccessToken, "", nil
	}

	l := r.lock(userID)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed already.
	userID, tok, err = r.store.Resolve(ctx, artifact)
	if err != nil {
		return "", "", err
	}
	if !tok.ExpiresWithin(r.margin, r.now().UTC()) {
		return tok.AccessToken, "", nil
	}

	if tok.RefreshToken == "" {
		return "", "", ErrReauthenticationRequired
	}

	renewed, err := r.up.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		return "", "", err
	}
	// The refresh secret rotates only when the upstream sends a new one.
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = tok.RefreshToken
	}
	if len(renewed.Scopes) == 0 {
		renewed.Scopes = tok.Scopes
	}
	renewed.UserID = userID

	newArtifact, err = r.store.Update(ctx, artifact, userID, renewed)
	if err != nil {
		return "", "", err
	}
	return renewed.AccessToken, newArtifact, nil
}
