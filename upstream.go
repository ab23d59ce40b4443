package main

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	cfg "github.com/example/tablebridge/internal/config"
	"golang.org/x/oauth2"
)

// TaskStatus is an upstream async-task state, PascalCase on the wire.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "NotStarted"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
	TaskCancelled  TaskStatus = "Cancelled"
)

// Terminal reports whether the status is a terminal task state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskError is one error detail reported by a failed upstream task.
type TaskError struct {
	Title  string `json:"Title"`
	Detail string `json:"Detail"`
}

// TaskInfo is the polled state of an upstream async task.
type TaskInfo struct {
	ID     string      `json:"Id"`
	Status TaskStatus  `json:"Status"`
	Errors []TaskError `json:"Errors"`
}

// ErrorMessage returns the first reported error detail, or a generic message.
func (t *TaskInfo) ErrorMessage() string {
	if len(t.Errors) > 0 {
		msg := t.Errors[0].Title
		if msg == "" {
			msg = "Unknown error"
		}
		if t.Errors[0].Detail != "" {
			msg = msg + ": " + t.Errors[0].Detail
		}
		return msg
	}
	return "replace operation failed"
}

// Upstream is the capability surface the core consumes from the upstream API.
// ODataClient is the production implementation; tests substitute stubs.
type Upstream interface {
	AuthorizationURL(state string, scopes []string) string
	ExchangeCode(ctx context.Context, code string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)

	ListTables(ctx context.Context, access string) ([]Row, error)
	RowCount(ctx context.Context, access, table string) (int, error)
	TableSchema(ctx context.Context, access, table string) ([]ColumnInfo, error)
	GetRows(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error)
	GetRow(ctx context.Context, access, table, key string) (Row, error)
	CreateRow(ctx context.Context, access, table string, data Row) (Row, error)
	UpdateRow(ctx context.Context, access, table, key string, data Row) (Row, error)
	DeleteRow(ctx context.Context, access, table, key string) error

	// StartReplaceTask submits a whole-table replacement. An empty task id
	// means the upstream completed it synchronously.
	StartReplaceTask(ctx context.Context, access, table string, rows []Row) (string, error)
	PollTask(ctx context.Context, access, taskID string) (*TaskInfo, error)
	SupportsReplaceTask() bool
}

// ODataClient speaks the upstream OAuth and OData table APIs.
type ODataClient struct {
	oauth       *oauth2.Config
	apiBase     string
	http        *http.Client
	replaceTask bool
}

// NewODataClient builds the upstream adapter. The HTTP client is injected and
// shared; it is never reconstructed per call.
func NewODataClient(c *cfg.Config, hc *http.Client) *ODataClient {
	return &ODataClient{
		oauth: &oauth2.Config{
			ClientID:     c.UpstreamClientID,
			ClientSecret: c.UpstreamClientSecret,
			RedirectURL:  c.UpstreamRedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.UpstreamAuthBase + "/Authorize",
				TokenURL: c.UpstreamAuthBase + "/Token",
				// The upstream token endpoint wants client credentials as
				// HTTP Basic auth.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiBase:     strings.TrimRight(c.UpstreamAPIBase, "/"),
		http:        hc,
		replaceTask: c.UpstreamHasReplaceTask,
	}
}

func (c *ODataClient) SupportsReplaceTask() bool { return c.replaceTask }

// AuthorizationURL builds the authorization redirect embedding the client id,
// redirect target, space-joined scopes, response type "code", and the state.
func (c *ODataClient) AuthorizationURL(state string, scopes []string) string {
	conf := *c.oauth
	conf.Scopes = scopes
	return conf.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for a credential. Any non-2xx or
// transport error is an ErrUpstreamExchangeFailed.
func (c *ODataClient) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamExchangeFailed, err)
	}
	return fromOAuth2Token(tok), nil
}

// Refresh renews a credential via the refresh-token grant. A 5xx or transport
// error is ErrUpstreamUnavailable; a rejection is ErrReauthenticationRequired.
func (c *ODataClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return fromOAuth2Token(tok), nil
}

func fromOAuth2Token(tok *oauth2.Token) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry.UTC(),
	}
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		t.Scopes = strings.Fields(scope)
	}
	return t
}

func (c *ODataClient) newRequest(ctx context.Context, access, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do runs the request and maps failures: transport errors and 5xx become
// ErrUpstreamUnavailable, 401 becomes ErrReauthenticationRequired, other 4xx
// carry the upstream error message. The caller owns the response body.
func (c *ODataClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	msg := upstreamErrorMessage(resp)
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: upstream returned %d: %s", ErrUpstreamUnavailable, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrReauthenticationRequired, msg)
	default:
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, msg)
	}
}

// upstreamErrorMessage extracts the OData error message from a response body.
func upstreamErrorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func (c *ODataClient) getJSON(ctx context.Context, access, url string, out interface{}) (*http.Response, error) {
	req, err := c.newRequest(ctx, access, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return resp, nil
}

// ListTables returns all accessible tables.
func (c *ODataClient) ListTables(ctx context.Context, access string) ([]Row, error) {
	var payload struct {
		Value []Row `json:"value"`
	}
	if _, err := c.getJSON(ctx, access, c.apiBase+"/table", &payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// RowCount returns the table's row count via an OData aggregate.
func (c *ODataClient) RowCount(ctx context.Context, access, table string) (int, error) {
	u := c.apiBase + "/table/" + url.PathEscape(table) + "?" + url.Values{
		"$apply": {"aggregate($count as rowCount)"},
	}.Encode()
	var payload struct {
		RowCount int `json:"rowCount"`
	}
	if _, err := c.getJSON(ctx, access, u, &payload); err != nil {
		return 0, err
	}
	return payload.RowCount, nil
}

// GetRows reads one page of a table. Total is taken from the
// X-APIServer-ResultCount header when present, -1 otherwise.
func (c *ODataClient) GetRows(ctx context.Context, access, table string, limit, offset int, filter string) (*RowsPage, error) {
	if limit > 1000 {
		limit = 1000
	}
	params := url.Values{
		"$top":  {strconv.Itoa(limit)},
		"$skip": {strconv.Itoa(offset)},
	}
	if filter != "" {
		params.Set("$filter", filter)
	}
	u := c.apiBase + "/table/" + url.PathEscape(table) + "?" + params.Encode()

	req, err := c.newRequest(ctx, access, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Value []Row `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}

	page := &RowsPage{Rows: payload.Value, Total: -1}
	if v := resp.Header.Get("X-APIServer-ResultCount"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Total = n
		}
	}
	return page, nil
}

// GetRow reads a single row by key.
func (c *ODataClient) GetRow(ctx context.Context, access, table, key string) (Row, error) {
	var row Row
	if _, err := c.getJSON(ctx, access, c.rowURL(table, key), &row); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateRow creates one row and returns the created row data.
func (c *ODataClient) CreateRow(ctx context.Context, access, table string, data Row) (Row, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, access, http.MethodPost, c.apiBase+"/table/"+url.PathEscape(table), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var row Row
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return row, nil
}

// UpdateRow patches one row. The upstream may answer 204 with no body, in
// which case the submitted data is echoed back.
func (c *ODataClient) UpdateRow(ctx context.Context, access, table, key string, data Row) (Row, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, access, http.MethodPatch, c.rowURL(table, key), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return data, nil
	}
	var row Row
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return data, nil
	}
	return row, nil
}

// DeleteRow removes one row by key.
func (c *ODataClient) DeleteRow(ctx context.Context, access, table, key string) error {
	req, err := c.newRequest(ctx, access, http.MethodDelete, c.rowURL(table, key), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *ODataClient) rowURL(table, key string) string {
	return c.apiBase + "/table/" + url.PathEscape(table) + "('" + url.PathEscape(key) + "')"
}

// StartReplaceTask uploads the full row set as a JSON file to the upstream
// ReplaceAllRowsAsync endpoint. An empty task id means the table was small
// enough for the upstream to replace synchronously.
func (c *ODataClient) StartReplaceTask(ctx context.Context, access, table string, rows []Row) (string, error) {
	content, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "data.json")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	u := c.apiBase + "/table/" + url.PathEscape(table) + "/ReplaceAllRowsAsync"
	req, err := c.newRequest(ctx, access, http.MethodPost, u, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		// No body at all still means a synchronous completion.
		return "", nil
	}
	return payload.TaskID, nil
}

// PollTask reads the state of an upstream async task.
func (c *ODataClient) PollTask(ctx context.Context, access, taskID string) (*TaskInfo, error) {
	var task TaskInfo
	u := c.apiBase + "/general/Tasks(" + url.PathEscape(taskID) + ")"
	if _, err := c.getJSON(ctx, access, u, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TableSchema reads the table's columns from the OData $metadata document,
// falling back to inference from the first row when $metadata is unavailable.
func (c *ODataClient) TableSchema(ctx context.Context, access, table string) ([]ColumnInfo, error) {
	if cols, err := c.schemaFromMetadata(ctx, access, table); err == nil && len(cols) > 0 {
		return cols, nil
	}
	return c.schemaFromFirstRow(ctx, access, table)
}

type edmxDocument struct {
	DataServices struct {
		Schemas []struct {
			EntityTypes []struct {
				Name       string `xml:"Name,attr"`
				Properties []struct {
					Name     string `xml:"Name,attr"`
					Type     string `xml:"Type,attr"`
					Nullable string `xml:"Nullable,attr"`
				} `xml:"Property"`
			} `xml:"EntityType"`
		} `xml:"Schema"`
	} `xml:"DataServices"`
}

func (c *ODataClient) schemaFromMetadata(ctx context.Context, access, table string) ([]ColumnInfo, error) {
	req, err := c.newRequest(ctx, access, http.MethodGet, c.apiBase+"/table/$metadata", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc edmxDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse $metadata: %w", err)
	}

	for _, schema := range doc.DataServices.Schemas {
		for _, entity := range schema.EntityTypes {
			if !strings.EqualFold(entity.Name, table) {
				continue
			}
			cols := make([]ColumnInfo, 0, len(entity.Properties))
			for _, p := range entity.Properties {
				typ := p.Type
				if typ == "" {
					typ = "Edm.String"
				}
				cols = append(cols, ColumnInfo{
					Name:     p.Name,
					Type:     typ,
					Required: strings.EqualFold(p.Nullable, "false"),
				})
			}
			return cols, nil
		}
	}
	return nil, nil
}

func (c *ODataClient) schemaFromFirstRow(ctx context.Context, access, table string) ([]ColumnInfo, error) {
	page, err := c.GetRows(ctx, access, table, 1, 0, "")
	if err != nil {
		return nil, err
	}
	if len(page.Rows) == 0 {
		return nil, nil
	}
	var cols []ColumnInfo
	for name, value := range page.Rows[0] {
		typ := "Edm.String"
		switch value.(type) {
		case bool:
			typ = "Edm.Boolean"
		case float64:
			// JSON numbers decode as float64; integers are not
			// distinguishable here.
			typ = "Edm.Double"
		}
		cols = append(cols, ColumnInfo{
			Name: name,
			Type: typ,
			// Only the key column is required, and the upstream generates it.
			Required: name == "_key",
		})
	}
	return cols, nil
}

// BuildFilter turns column filters into an OData $filter. The upstream only
// supports comparison operators plus toupper, so every filter is a
// case-insensitive exact match; wildcards are stripped and the _key column is
// skipped. mode is "and" or "or".
func BuildFilter(filters map[string]string, mode string) string {
	if mode != "or" {
		mode = "and"
	}
	var parts []string
	for column, value := range filters {
		if column == "_key" {
			continue
		}
		clean := strings.TrimSpace(strings.Trim(value, "*"))
		if clean == "" {
			continue
		}
		escaped := strings.ReplaceAll(clean, "'", "''")
		parts = append(parts, fmt.Sprintf("toupper(%s) eq toupper('%s')", column, escaped))
	}
	if len(parts) == 0 {
		return ""
	}
	// Map iteration order is unstable; sort for a deterministic filter.
	sort.Strings(parts)
	return strings.Join(parts, " "+mode+" ")
}
