package main

import (
	"context"
	"fmt"
	"time"
)

// IdentityResolver resolves the principal behind a freshly exchanged
// credential.
type IdentityResolver func(ctx context.Context, up Upstream, access string) (*User, error)

// PlaceholderIdentity returns a fixed synthetic identity. The upstream API
// exposes no user-info endpoint, so the default deployment is effectively
// single-tenant; deployments with an identity source inject their own
// resolver.
func PlaceholderIdentity(ctx context.Context, up Upstream, access string) (*User, error) {
	return &User{UpstreamID: "upstream-user", Username: "Upstream User"}, nil
}

// AuthBegin is the result of starting an authorization attempt. The caller
// must hold Artifact (cookie or otherwise) until the callback arrives.
type AuthBegin struct {
	RedirectURL string
	State       string
	Artifact    string
}

// Orchestrator drives the three-step authorization-code exchange. Each
// attempt either reaches a bound credential or is rejected with a specific
// error kind; a rejected attempt is never retried, the caller restarts from
// Begin.
type Orchestrator struct {
	up       Upstream
	states   StateVerifier
	store    TokenStore
	db       DB // nil in the stateless deployment
	resolve  IdentityResolver
	stateTTL time.Duration
	now      func() time.Time
}

// NewOrchestrator wires the orchestrator. db may be nil for the stateless
// cookie deployment, in which case principals are not persisted.
func NewOrchestrator(up Upstream, states StateVerifier, store TokenStore, db DB, stateTTL time.Duration) *Orchestrator {
	return &Orchestrator{
		up:       up,
		states:   states,
		store:    store,
		db:       db,
		resolve:  PlaceholderIdentity,
		stateTTL: stateTTL,
		now:      time.Now,
	}
}

// WithIdentityResolver replaces the principal resolution step.
func (o *Orchestrator) WithIdentityResolver(r IdentityResolver) *Orchestrator {
	o.resolve = r
	return o
}

// Begin issues a CSRF state and builds the upstream authorization URL.
func (o *Orchestrator) Begin(scopes []string) (*AuthBegin, error) {
	nonce, artifact, err := o.states.Issue(o.stateTTL)
	if err != nil {
		return nil, fmt.Errorf("issue state: %w", err)
	}
	return &AuthBegin{
		RedirectURL: o.up.AuthorizationURL(nonce, scopes),
		State:       nonce,
		Artifact:    artifact,
	}, nil
}

// Complete validates the callback state, exchanges the code for a credential,
// resolves the principal, persists the credential, and returns the artifact
// the end user must present on later requests.
func (o *Orchestrator) Complete(ctx context.Context, code, callbackState, stateArtifact string, meta SessionMeta) (string, *User, error) {
	if err := ValidateCallbackState(o.states, callbackState, stateArtifact); err != nil {
		return "", nil, err
	}

	tok, err := o.up.ExchangeCode(ctx, code)
	if err != nil {
		return "", nil, err
	}

	user, err := o.resolve(ctx, o.up, tok.AccessToken)
	if err != nil {
		return "", nil, fmt.Errorf("resolve principal: %w", err)
	}

	now := o.now().UTC()
	if o.db != nil {
		existing, err := o.db.GetUserByUpstreamID(user.UpstreamID)
		if err != nil {
			return "", nil, fmt.Errorf("look up principal: %w", err)
		}
		if existing == nil {
			user.CreatedAt = now
			user.LastLoginAt = now
			if user, err = o.db.CreateUser(user); err != nil {
				return "", nil, fmt.Errorf("create principal: %w", err)
			}
		} else {
			user = existing
			user.LastLoginAt = now
			if err := o.db.TouchUserLogin(user.ID, now); err != nil {
				return "", nil, fmt.Errorf("record login: %w", err)
			}
		}
	}

	artifact, err := o.store.Bind(ctx, user.ID, tok, meta)
	if err != nil {
		return "", nil, fmt.Errorf("bind credential: %w", err)
	}
	return artifact, user, nil
}

// Logout invalidates the artifact. Idempotent: logging out twice, or with an
// unknown artifact, succeeds.
func (o *Orchestrator) Logout(ctx context.Context, artifact string) error {
	return o.store.Revoke(ctx, artifact)
}
