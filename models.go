package main

import "time"

// User represents a resolved upstream identity
type User struct {
	ID          int64
	UpstreamID  string
	Username    string
	Email       string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Token holds the access/refresh credential pair for one user.
// At most one live Token exists per user; renewal overwrites in place.
type Token struct {
	UserID       int64
	AccessToken  string
	RefreshToken string // empty when the upstream granted none
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the token expires within the given margin.
func (t *Token) ExpiresWithin(margin time.Duration, now time.Time) bool {
	return t.ExpiresAt.Sub(now) <= margin
}

// Session is a server-issued opaque handle bound to one user
type Session struct {
	Handle    string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
}

// OAuthState is a single-use correlation record for one in-flight
// authorization attempt (stored-state design only)
type OAuthState struct {
	State     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Row is one upstream table row; the broker never interprets its contents
type Row = map[string]interface{}

// RowResult is the outcome of one row mutation within a batch, keyed by the
// row's position in the submitted batch. Exactly one of Data/Error is set.
type RowResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Data    Row    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchSummary aggregates a batch's results; counts are derived from the
// results, never tracked separately.
type BatchSummary struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Results   []RowResult `json:"results"`
}

func summarize(results []RowResult) BatchSummary {
	s := BatchSummary{Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// ReplaceResult is the outcome of a whole-table replacement.
type ReplaceResult struct {
	Success      bool   `json:"success"`
	RowsReplaced int    `json:"rows_replaced"`
	Atomic       bool   `json:"atomic"`
	Error        string `json:"error,omitempty"`
}

// RowsPage is one page of an upstream table read. Total is -1 when the
// upstream did not report a result count.
type RowsPage struct {
	Rows  []Row `json:"rows"`
	Total int   `json:"total"`
}

// ColumnInfo describes one column of an upstream table schema.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}
