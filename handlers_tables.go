package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// writeUpstreamError maps an upstream row-operation failure to a response.
func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrReauthenticationRequired):
		writeError(w, http.StatusUnauthorized, "REAUTHENTICATION_REQUIRED", "Authentication failed. Please log in again.")
	case errors.Is(err, ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Upstream API error. Please try again later.")
	default:
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
	}
}

// HandleListTables returns all accessible upstream tables.
func (a *App) HandleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := a.upstream.ListTables(r.Context(), accessFromContext(r))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

// HandleGetRows reads a page of rows. limit, offset and filter_mode are
// reserved query parameters; every other parameter is a column filter.
func (a *App) HandleGetRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	mode := r.URL.Query().Get("filter_mode")

	filters := map[string]string{}
	for key, values := range r.URL.Query() {
		switch key {
		case "limit", "offset", "filter_mode":
			continue
		}
		if len(values) > 0 {
			filters[key] = values[0]
		}
	}

	page, err := a.upstream.GetRows(r.Context(), accessFromContext(r), table, limit, offset, BuildFilter(filters, mode))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows":   page.Rows,
		"total":  page.Total,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleGetRow reads a single row by key.
func (a *App) HandleGetRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	row, err := a.upstream.GetRow(r.Context(), accessFromContext(r), vars["table"], vars["key"])
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// HandleCreateRow creates one row.
func (a *App) HandleCreateRow(w http.ResponseWriter, r *http.Request) {
	var data Row
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	row, err := a.upstream.CreateRow(r.Context(), accessFromContext(r), mux.Vars(r)["table"], data)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// HandleUpdateRow patches one row by key.
func (a *App) HandleUpdateRow(w http.ResponseWriter, r *http.Request) {
	var data Row
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	vars := mux.Vars(r)
	row, err := a.upstream.UpdateRow(r.Context(), accessFromContext(r), vars["table"], vars["key"], data)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// HandleDeleteRow deletes one row by key.
func (a *App) HandleDeleteRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.upstream.DeleteRow(r.Context(), accessFromContext(r), vars["table"], vars["key"]); err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// HandleRowCount returns the table's row count.
func (a *App) HandleRowCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.upstream.RowCount(r.Context(), accessFromContext(r), mux.Vars(r)["table"])
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// HandleTableSchema returns the table's columns.
func (a *App) HandleTableSchema(w http.ResponseWriter, r *http.Request) {
	cols, err := a.upstream.TableSchema(r.Context(), accessFromContext(r), mux.Vars(r)["table"])
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"columns": cols})
}

type rowsRequest struct {
	Rows []Row `json:"rows"`
}

// HandleBatchCreate creates many rows under the engine's concurrency bound.
// Partial failure is data, not an error: the response always says which rows
// succeeded.
func (a *App) HandleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "rows must not be empty")
		return
	}

	results := a.engine.BatchCreate(r.Context(), accessFromContext(r), mux.Vars(r)["table"], req.Rows)
	writeJSON(w, http.StatusOK, summarize(results))
}

// HandleReplaceAll replaces the table's entire contents.
func (a *App) HandleReplaceAll(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	result, err := a.engine.ReplaceAll(r.Context(), accessFromContext(r), mux.Vars(r)["table"], req.Rows)
	if err != nil {
		if errors.Is(err, ErrReplaceTimeout) {
			writeError(w, http.StatusGatewayTimeout, "REPLACE_TIMEOUT", err.Error())
			return
		}
		writeUpstreamError(w, err)
		return
	}

	payload := map[string]interface{}{
		"success":       result.Success,
		"rows_replaced": result.RowsReplaced,
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if !result.Atomic {
		payload["warning"] = "replacement was not atomic; the table may be left inconsistent if the operation was interrupted"
	}
	writeJSON(w, http.StatusOK, payload)
}
