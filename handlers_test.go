package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	cfg "github.com/example/tablebridge/internal/config"
)

func testApp(t *testing.T, up Upstream) *App {
	t.Helper()
	c := &cfg.Config{
		Environment:         "development",
		UpstreamProjectName: "Global",
		FrontendURL:         "http://localhost:3000",
		SessionTTL:          24 * time.Hour,
		StateTTL:            10 * time.Minute,
		RefreshMargin:       5 * time.Minute,
		BulkConcurrency:     5,
		ReplacePollInterval: time.Millisecond,
		ReplaceMaxWait:      time.Second,
		RateLimitPerMinute:  120,
	}
	cipher := testCipher(t)
	store := NewCookieTokenStore(cipher)
	states := NewSignedStates([]byte("signing-key"))
	return &App{
		cfg:       c,
		upstream:  up,
		auth:      NewOrchestrator(up, states, store, nil, c.StateTTL),
		refresher: NewRefresher(up, store, c.RefreshMargin),
		engine:    NewBulkEngine(up, c.BulkConcurrency, c.ReplacePollInterval, c.ReplaceMaxWait),
	}
}

func testRouter(a *App) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/auth/login", a.HandleLogin).Methods("GET")
	r.HandleFunc("/auth/callback", a.HandleCallback).Methods("GET")
	r.HandleFunc("/auth/logout", a.HandleLogout).Methods("POST")
	r.HandleFunc("/api/v1/tables/{table}/rows", a.HandleGetRows).Methods("GET")
	r.HandleFunc("/api/v1/tables/{table}/rows/batch", a.HandleBatchCreate).Methods("POST")
	r.HandleFunc("/api/v1/tables/{table}/rows/replace", a.HandleReplaceAll).Methods("PUT")
	return r
}

func cookieNamed(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHandleLoginSetsStateCookie(t *testing.T) {
	a := testApp(t, &stubUpstream{})
	rec := httptest.NewRecorder()
	testRouter(a).ServeHTTP(rec, httptest.NewRequest("GET", "/auth/login", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["redirect_url"], "state=")

	state := cookieNamed(t, rec, stateCookieName)
	require.NotNil(t, state)
	require.NotEmpty(t, state.Value)
	require.Equal(t, "/auth", state.Path)
	require.True(t, state.HttpOnly)
}

func TestHandleCallbackFullFlow(t *testing.T) {
	up := &stubUpstream{
		exchange: func(ctx context.Context, code string) (*Token, error) {
			return testToken(time.Now().Add(time.Hour)), nil
		},
	}
	a := testApp(t, up)
	r := testRouter(a)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/auth/login", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	stateCookie := cookieNamed(t, rec, stateCookieName)
	require.NotNil(t, stateCookie)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	redirect, err := http.NewRequest("GET", body["redirect_url"], nil)
	require.NoError(t, err)
	state := redirect.URL.Query().Get("state")
	require.NotEmpty(t, state)

	cb := httptest.NewRequest("GET", "/auth/callback?code=auth-code&state="+state, nil)
	cb.AddCookie(stateCookie)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, cb)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Location"))

	session := cookieNamed(t, rec, sessionCookieName)
	require.NotNil(t, session)
	require.NotEmpty(t, session.Value)
	require.Equal(t, "/", session.Path)

	// The state cookie is cleared after one use.
	cleared := cookieNamed(t, rec, stateCookieName)
	require.NotNil(t, cleared)
	require.Empty(t, cleared.Value)
}

func TestHandleCallbackMissingStateCookie(t *testing.T) {
	a := testApp(t, &stubUpstream{})
	rec := httptest.NewRecorder()
	testRouter(a).ServeHTTP(rec, httptest.NewRequest("GET", "/auth/callback?code=c&state=s", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "MISSING_STATE")
}

func TestHandleCallbackMissingParams(t *testing.T) {
	a := testApp(t, &stubUpstream{})
	rec := httptest.NewRecorder()
	testRouter(a).ServeHTTP(rec, httptest.NewRequest("GET", "/auth/callback", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_CALLBACK")
}

func TestHandleLogoutWithoutSession(t *testing.T) {
	a := testApp(t, &stubUpstream{})
	rec := httptest.NewRecorder()
	testRouter(a).ServeHTTP(rec, httptest.NewRequest("POST", "/auth/logout", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	session := cookieNamed(t, rec, sessionCookieName)
	require.NotNil(t, session)
	require.Empty(t, session.Value)
}

func TestHandleGetRowsQueryParsing(t *testing.T) {
	var gotLimit, gotOffset int
	var gotFilter string
	up := &stubUpstream{
		getRows: func(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error) {
			gotLimit, gotOffset, gotFilter = limit, offset, filter
			return &RowsPage{Rows: []Row{{"_key": float64(1)}}, Total: 1}, nil
		},
	}
	a := testApp(t, up)
	r := testRouter(a)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/tables/people/rows", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 50, gotLimit)
	require.Equal(t, 0, gotOffset)
	require.Empty(t, gotFilter)

	// Reserved parameters steer paging; the rest become column filters.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/tables/people/rows?limit=10&offset=20&filter_mode=or&name=ada&city=london", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10, gotLimit)
	require.Equal(t, 20, gotOffset)
	require.Equal(t, "toupper(city) eq toupper('london') or toupper(name) eq toupper('ada')", gotFilter)
}

func TestHandleBatchCreate(t *testing.T) {
	up := &stubUpstream{
		createRow: func(ctx context.Context, access, table string, data Row) (Row, error) {
			return data, nil
		},
	}
	a := testApp(t, up)
	r := testRouter(a)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/tables/people/rows/batch", strings.NewReader(`{"rows":[{"n":1},{"n":2}]}`))
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary BatchSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 2, summary.Succeeded)
	require.Zero(t, summary.Failed)

	// An empty batch is a request error, not an empty summary.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/tables/people/rows/batch", strings.NewReader(`{"rows":[]}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReplaceAllTimeout(t *testing.T) {
	up := &stubUpstream{
		supportsReplace: true,
		startReplace: func(ctx context.Context, access, table string, rows []Row) (string, error) {
			return "42", nil
		},
		pollTask: func(ctx context.Context, access, taskID string) (*TaskInfo, error) {
			return &TaskInfo{Status: TaskInProgress}, nil
		},
	}
	a := testApp(t, up)
	a.engine = NewBulkEngine(up, 5, 5*time.Millisecond, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/v1/tables/people/rows/replace", strings.NewReader(`{"rows":[{"n":1}]}`))
	testRouter(a).ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Contains(t, rec.Body.String(), "REPLACE_TIMEOUT")
}

func TestHandleReplaceAllNonAtomicWarning(t *testing.T) {
	up := &stubUpstream{
		supportsReplace: false,
		getRows: func(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error) {
			return &RowsPage{Total: 0}, nil
		},
		createRow: func(ctx context.Context, access, table string, data Row) (Row, error) {
			return data, nil
		},
	}
	a := testApp(t, up)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/v1/tables/people/rows/replace", strings.NewReader(`{"rows":[{"n":1}]}`))
	testRouter(a).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["success"])
	require.Contains(t, body["warning"], "not atomic")
}

func TestRequireCredentialMiddleware(t *testing.T) {
	a := testApp(t, &stubUpstream{})
	protected := a.RequireCredential(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"access": accessFromContext(r)})
	}))

	// No cookie at all.
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/tables", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Tampered cookie.
	req := httptest.NewRequest("GET", "/api/v1/tables", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "garbage"})
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid cookie reaches the handler with the decrypted access token.
	store := NewCookieTokenStore(testCipher(t))
	artifact, err := store.Bind(context.Background(), 0, testToken(time.Now().Add(time.Hour)), SessionMeta{})
	require.NoError(t, err)

	req = httptest.NewRequest("GET", "/api/v1/tables", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: artifact})
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "access-secret")
}
