package main

import (
	"net"
	"net/http"
	"strings"
)

const (
	stateCookieName   = "tb_state"
	sessionCookieName = "tb_session"
)

func (a *App) secureCookies() bool {
	return a.cfg.Environment == "production" || a.cfg.Environment == "prod"
}

func (a *App) setCookie(w http.ResponseWriter, name, value, path string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (a *App) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// HandleLogin starts the authorization flow: issues a state, stores its
// artifact in a short-lived cookie scoped to the auth endpoints, and returns
// the upstream redirect URL.
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	scopes := []string{
		"table.Read",
		"table.Write",
		"project/" + a.cfg.UpstreamProjectName,
	}

	begin, err := a.auth.Begin(scopes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start login")
		return
	}

	a.setCookie(w, stateCookieName, begin.Artifact, "/auth", int(a.cfg.StateTTL.Seconds()))
	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": begin.RedirectURL})
}

// HandleCallback handles the upstream redirect back with ?code & ?state.
func (a *App) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "INVALID_CALLBACK", "Missing code or state parameter")
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" {
		writeError(w, http.StatusBadRequest, "MISSING_STATE", "Missing state cookie. Please try logging in again.")
		return
	}

	artifact, _, err := a.auth.Complete(r.Context(), code, state, stateCookie.Value, SessionMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		a.clearCookie(w, stateCookieName, "/auth")
		writeAuthError(w, err)
		return
	}

	// State cookie is single use.
	a.clearCookie(w, stateCookieName, "/auth")
	a.setCookie(w, sessionCookieName, artifact, "/", int(a.cfg.SessionTTL.Seconds()))

	http.Redirect(w, r, a.cfg.FrontendURL, http.StatusFound)
}

// HandleLogout invalidates the session (or clears the stateless cookie).
// Idempotent: logging out without a session succeeds.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := a.auth.Logout(r.Context(), cookie.Value); err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log out")
			return
		}
	}
	a.clearCookie(w, sessionCookieName, "/")
	a.clearCookie(w, stateCookieName, "/auth")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// HandleMe confirms the presented credential is valid, refreshing it if
// needed.
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	artifact := artifactFromRequest(r)
	_, newArtifact, err := a.refresher.EnsureFresh(r.Context(), artifact)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if newArtifact != "" {
		a.setCookie(w, sessionCookieName, newArtifact, "/", int(a.cfg.SessionTTL.Seconds()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"message":       "Credential is valid",
	})
}

// HandleStatus reports whether the caller is authenticated; never errors.
func (a *App) HandleStatus(w http.ResponseWriter, r *http.Request) {
	artifact := artifactFromRequest(r)
	_, newArtifact, err := a.refresher.EnsureFresh(r.Context(), artifact)
	if err == nil && newArtifact != "" {
		a.setCookie(w, sessionCookieName, newArtifact, "/", int(a.cfg.SessionTTL.Seconds()))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": err == nil})
}

func artifactFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
