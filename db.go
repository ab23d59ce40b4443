package main

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// DB interface for database operations
type DB interface {
	Init() error
	// Principal operations
	GetUserByUpstreamID(upstreamID string) (*User, error)
	CreateUser(u *User) (*User, error)
	TouchUserLogin(id int64, at time.Time) error
	// Credential operations (one row per principal)
	UpsertToken(t *Token) error
	GetToken(userID int64) (*Token, error)
	// Session operations
	CreateSession(s *Session) error
	GetSession(handle string) (*Session, error)
	DeleteSession(handle string) error
	// CSRF state operations (stored-state design)
	CreateOAuthState(state string, createdAt, expiresAt time.Time) error
	// ConsumeOAuthState atomically finds an unused, unexpired state and marks
	// it used; two concurrent callbacks cannot both succeed for one state.
	ConsumeOAuthState(state string, now time.Time) (bool, error)
	// DeleteExpired drops expired sessions and spent or expired states.
	DeleteExpired(now time.Time) error
}

// Memory DB
type MemDB struct {
	mu       sync.Mutex
	users    map[string]*User
	tokens   map[int64]*Token
	sessions map[string]*Session
	states   map[string]*OAuthState
	seq      int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:    map[string]*User{},
		tokens:   map[int64]*Token{},
		sessions: map[string]*Session{},
		states:   map[string]*OAuthState{},
		seq:      1,
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) GetUserByUpstreamID(upstreamID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[upstreamID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) CreateUser(u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	cp.ID = m.seq
	m.seq++
	m.users[cp.UpstreamID] = &cp
	out := cp
	return &out, nil
}

func (m *MemDB) TouchUserLogin(id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			u.LastLoginAt = at
		}
	}
	return nil
}

func (m *MemDB) UpsertToken(t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.UserID] = &cp
	return nil
}

func (m *MemDB) GetToken(userID int64) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[userID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) CreateSession(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Handle] = &cp
	return nil
}

func (m *MemDB) GetSession(handle string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[handle]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) DeleteSession(handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, handle)
	return nil
}

func (m *MemDB) CreateOAuthState(state string, createdAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state] = &OAuthState{State: state, CreatedAt: createdAt, ExpiresAt: expiresAt}
	return nil
}

func (m *MemDB) ConsumeOAuthState(state string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[state]
	if !ok || s.Used || !s.ExpiresAt.After(now) {
		return false, nil
	}
	s.Used = true
	return true, nil
}

func (m *MemDB) DeleteExpired(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, h)
		}
	}
	for v, s := range m.states {
		if s.Used || !s.ExpiresAt.After(now) {
			delete(m.states, v)
		}
	}
	return nil
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, upstream_id TEXT UNIQUE, username TEXT, email TEXT, created_at INTEGER, last_login_at INTEGER);`,
		`CREATE TABLE IF NOT EXISTS tokens (user_id INTEGER PRIMARY KEY, access_token TEXT, refresh_token TEXT, token_type TEXT, expires_at INTEGER, scopes TEXT, updated_at INTEGER);`,
		`CREATE TABLE IF NOT EXISTS sessions (handle TEXT PRIMARY KEY, user_id INTEGER, created_at INTEGER, expires_at INTEGER, ip_address TEXT, user_agent TEXT);`,
		`CREATE TABLE IF NOT EXISTS oauth_states (state TEXT PRIMARY KEY, created_at INTEGER, expires_at INTEGER, used INTEGER DEFAULT 0);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteDB) GetUserByUpstreamID(upstreamID string) (*User, error) {
	row := s.db.QueryRow(`SELECT id,upstream_id,username,email,created_at,last_login_at FROM users WHERE upstream_id = ?`, upstreamID)
	var u User
	var created, lastLogin sql.NullInt64
	var email sql.NullString
	if err := row.Scan(&u.ID, &u.UpstreamID, &u.Username, &email, &created, &lastLogin); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Email = email.String
	if created.Valid {
		u.CreatedAt = time.Unix(created.Int64, 0).UTC()
	}
	if lastLogin.Valid {
		u.LastLoginAt = time.Unix(lastLogin.Int64, 0).UTC()
	}
	return &u, nil
}

func (s *SQLiteDB) CreateUser(u *User) (*User, error) {
	res, err := s.db.Exec(`INSERT INTO users(upstream_id,username,email,created_at,last_login_at) VALUES(?,?,?,?,?)`,
		u.UpstreamID, u.Username, u.Email, u.CreatedAt.Unix(), u.LastLoginAt.Unix())
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	out := *u
	out.ID = id
	return &out, nil
}

func (s *SQLiteDB) TouchUserLogin(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE users SET last_login_at = ? WHERE id = ?`, at.Unix(), id)
	return err
}

func (s *SQLiteDB) UpsertToken(t *Token) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO tokens(user_id,access_token,refresh_token,token_type,expires_at,scopes,updated_at) VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET access_token=excluded.access_token, refresh_token=excluded.refresh_token, token_type=excluded.token_type, expires_at=excluded.expires_at, scopes=excluded.scopes, updated_at=excluded.updated_at`,
		t.UserID, t.AccessToken, t.RefreshToken, t.TokenType, t.ExpiresAt.Unix(), string(scopes), t.UpdatedAt.Unix())
	return err
}

func (s *SQLiteDB) GetToken(userID int64) (*Token, error) {
	row := s.db.QueryRow(`SELECT user_id,access_token,refresh_token,token_type,expires_at,scopes,updated_at FROM tokens WHERE user_id = ?`, userID)
	var t Token
	var expires, updated int64
	var scopes string
	if err := row.Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &expires, &scopes, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.ExpiresAt = time.Unix(expires, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (s *SQLiteDB) CreateSession(sess *Session) error {
	_, err := s.db.Exec(`INSERT INTO sessions(handle,user_id,created_at,expires_at,ip_address,user_agent) VALUES(?,?,?,?,?,?)`,
		sess.Handle, sess.UserID, sess.CreatedAt.Unix(), sess.ExpiresAt.Unix(), sess.IPAddress, sess.UserAgent)
	return err
}

func (s *SQLiteDB) GetSession(handle string) (*Session, error) {
	row := s.db.QueryRow(`SELECT handle,user_id,created_at,expires_at,ip_address,user_agent FROM sessions WHERE handle = ?`, handle)
	var sess Session
	var created, expires int64
	if err := row.Scan(&sess.Handle, &sess.UserID, &created, &expires, &sess.IPAddress, &sess.UserAgent); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	return &sess, nil
}

func (s *SQLiteDB) DeleteSession(handle string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE handle = ?`, handle)
	return err
}

func (s *SQLiteDB) CreateOAuthState(state string, createdAt, expiresAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO oauth_states(state,created_at,expires_at,used) VALUES(?,?,?,0)`,
		state, createdAt.Unix(), expiresAt.Unix())
	return err
}

func (s *SQLiteDB) ConsumeOAuthState(state string, now time.Time) (bool, error) {
	// Single-statement find-and-mark keeps concurrent callbacks from both
	// validating the same state.
	res, err := s.db.Exec(`UPDATE oauth_states SET used = 1 WHERE state = ? AND used = 0 AND expires_at > ?`,
		state, now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteDB) DeleteExpired(now time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now.Unix()); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM oauth_states WHERE used = 1 OR expires_at <= ?`, now.Unix())
	return err
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
