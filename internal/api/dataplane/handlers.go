// Package dataplane serves generic CRUD over the tables of the target
// database.
package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/mutation"
	"github.com/oriys/tether/internal/schema"
	"github.com/oriys/tether/internal/sqlcompose"
)

const maxBodyBytes = 8 << 20

// Mutator runs table mutations. *mutation.Engine implements it.
type Mutator interface {
	Select(ctx context.Context, table string, cond sqlcompose.Values) (*mutation.RowSet, error)
	Insert(ctx context.Context, table string, values sqlcompose.Values) (mutation.Result, error)
	Update(ctx context.Context, table string, values, cond sqlcompose.Values) (mutation.Result, error)
	Delete(ctx context.Context, table string, cond sqlcompose.Values) (mutation.Result, error)
	InsertMultiple(ctx context.Context, table string, rows []sqlcompose.Values) ([]mutation.Result, error)
	UpdateMultiple(ctx context.Context, table string, rows []sqlcompose.Values, keyColumns []string) ([]mutation.Result, error)
}

// Handler handles data plane HTTP requests.
type Handler struct {
	Tables Mutator
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /tables/{table}", h.SelectRows)
	mux.HandleFunc("POST /tables/{table}", h.InsertRows)
	mux.HandleFunc("PUT /tables/{table}", h.UpdateRows)
	mux.HandleFunc("DELETE /tables/{table}", h.DeleteRows)
}

// SelectRows handles GET /tables/{table}?col=value
func (h *Handler) SelectRows(w http.ResponseWriter, r *http.Request) {
	set, err := h.Tables.Select(r.Context(), r.PathValue("table"), queryCondition(r.URL.Query()))
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// InsertRows handles POST /tables/{table}. The body is one object or an
// array of objects.
func (h *Handler) InsertRows(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if isArray(body) {
		var rows []sqlcompose.Values
		if err := decode(body, &rows); err != nil {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		results, err := h.Tables.InsertMultiple(r.Context(), table, rows)
		if err != nil {
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	var values sqlcompose.Values
	if err := decode(body, &values); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.Tables.Insert(r.Context(), table, values)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

// UpdateRows handles PUT /tables/{table}. The body is either
// {"values": {...}, "where": {...}} or {"rows": [...], "key": [...]}.
func (h *Handler) UpdateRows(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		Values sqlcompose.Values   `json:"values"`
		Where  sqlcompose.Values   `json:"where"`
		Rows   []sqlcompose.Values `json:"rows"`
		Key    []string            `json:"key"`
	}
	if err := decode(body, &req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Rows != nil {
		results, err := h.Tables.UpdateMultiple(r.Context(), table, req.Rows, req.Key)
		if err != nil {
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	if len(req.Values) == 0 {
		http.Error(w, "values is required", http.StatusBadRequest)
		return
	}
	res, err := h.Tables.Update(r.Context(), table, req.Values, req.Where)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

// DeleteRows handles DELETE /tables/{table}?col=value
func (h *Handler) DeleteRows(w http.ResponseWriter, r *http.Request) {
	cond := queryCondition(r.URL.Query())
	if len(cond) == 0 {
		http.Error(w, "at least one condition is required", http.StatusBadRequest)
		return
	}
	res, err := h.Tables.Delete(r.Context(), r.PathValue("table"), cond)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

func queryCondition(q url.Values) sqlcompose.Values {
	cond := sqlcompose.Values{}
	for col, vals := range q {
		if len(vals) > 0 {
			cond[col] = vals[0]
		}
	}
	return cond
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func isArray(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// decode keeps numbers as json.Number so they reach SQL unchanged.
func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func statusForOutcome(o mutation.Outcome) int {
	switch o {
	case mutation.UniqueViolation:
		return http.StatusConflict
	case mutation.ForeignKeyViolation:
		return http.StatusUnprocessableEntity
	case mutation.NotFound:
		return http.StatusNotFound
	}
	return http.StatusOK
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrSchemaNotFound):
		return http.StatusNotFound
	case errors.Is(err, mutation.ErrUnknownColumn),
		errors.Is(err, mutation.ErrMissingKey),
		errors.Is(err, sqlcompose.ErrEmptyCondition),
		errors.Is(err, sqlcompose.ErrUnsupportedValue),
		errors.Is(err, sqlcompose.ErrEmptyIdentifier),
		errors.Is(err, sqlcompose.ErrQualifiedName),
		errors.Is(err, schema.ErrInvalidName),
		errors.Is(err, sqlcompose.ErrNoColumns):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrConnectionFailure):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
