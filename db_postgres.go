package main

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func (p *PostgresDB) GetUserByUpstreamID(upstreamID string) (*User, error) {
	row := p.db.QueryRow(`SELECT id,upstream_id,username,email,created_at,last_login_at FROM users WHERE upstream_id = $1`, upstreamID)
	var u User
	var email sql.NullString
	var lastLogin sql.NullTime
	if err := row.Scan(&u.ID, &u.UpstreamID, &u.Username, &email, &u.CreatedAt, &lastLogin); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Email = email.String
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time.UTC()
	}
	return &u, nil
}

func (p *PostgresDB) CreateUser(u *User) (*User, error) {
	var id int64
	err := p.db.QueryRow(`INSERT INTO users(upstream_id,username,email,created_at,last_login_at) VALUES($1,$2,$3,$4,$5) RETURNING id`,
		u.UpstreamID, u.Username, u.Email, u.CreatedAt, u.LastLoginAt).Scan(&id)
	if err != nil {
		return nil, err
	}
	out := *u
	out.ID = id
	return &out, nil
}

func (p *PostgresDB) TouchUserLogin(id int64, at time.Time) error {
	_, err := p.db.Exec(`UPDATE users SET last_login_at = $1 WHERE id = $2`, at, id)
	return err
}

func (p *PostgresDB) UpsertToken(t *Token) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO tokens(user_id,access_token,refresh_token,token_type,expires_at,scopes,updated_at) VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(user_id) DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, token_type=EXCLUDED.token_type, expires_at=EXCLUDED.expires_at, scopes=EXCLUDED.scopes, updated_at=EXCLUDED.updated_at`,
		t.UserID, t.AccessToken, t.RefreshToken, t.TokenType, t.ExpiresAt, string(scopes), t.UpdatedAt)
	return err
}

func (p *PostgresDB) GetToken(userID int64) (*Token, error) {
	row := p.db.QueryRow(`SELECT user_id,access_token,refresh_token,token_type,expires_at,scopes,updated_at FROM tokens WHERE user_id = $1`, userID)
	var t Token
	var scopes string
	if err := row.Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.ExpiresAt, &scopes, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (p *PostgresDB) CreateSession(s *Session) error {
	_, err := p.db.Exec(`INSERT INTO sessions(handle,user_id,created_at,expires_at,ip_address,user_agent) VALUES($1,$2,$3,$4,$5,$6)`,
		s.Handle, s.UserID, s.CreatedAt, s.ExpiresAt, s.IPAddress, s.UserAgent)
	return err
}

func (p *PostgresDB) GetSession(handle string) (*Session, error) {
	row := p.db.QueryRow(`SELECT handle,user_id,created_at,expires_at,ip_address,user_agent FROM sessions WHERE handle = $1`, handle)
	var s Session
	var ip, ua sql.NullString
	if err := row.Scan(&s.Handle, &s.UserID, &s.CreatedAt, &s.ExpiresAt, &ip, &ua); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.IPAddress = ip.String
	s.UserAgent = ua.String
	return &s, nil
}

func (p *PostgresDB) DeleteSession(handle string) error {
	_, err := p.db.Exec(`DELETE FROM sessions WHERE handle = $1`, handle)
	return err
}

func (p *PostgresDB) CreateOAuthState(state string, createdAt, expiresAt time.Time) error {
	_, err := p.db.Exec(`INSERT INTO oauth_states(state,created_at,expires_at,used) VALUES($1,$2,$3,false)`,
		state, createdAt, expiresAt)
	return err
}

func (p *PostgresDB) ConsumeOAuthState(state string, now time.Time) (bool, error) {
	res, err := p.db.Exec(`UPDATE oauth_states SET used = true WHERE state = $1 AND used = false AND expires_at > $2`,
		state, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresDB) DeleteExpired(now time.Time) error {
	if _, err := p.db.Exec(`DELETE FROM sessions WHERE expires_at <= $1`, now); err != nil {
		return err
	}
	_, err := p.db.Exec(`DELETE FROM oauth_states WHERE used = true OR expires_at <= $1`, now)
	return err
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
