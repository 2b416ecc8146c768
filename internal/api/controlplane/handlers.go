// Package controlplane serves replication triggers, health and status.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oriys/tether/internal/db"
	"github.com/oriys/tether/internal/metrics"
	"github.com/oriys/tether/internal/replication"
	"github.com/oriys/tether/internal/schema"
)

// Syncer runs replications. *replication.Engine implements it.
type Syncer interface {
	Replicate(ctx context.Context, table string) (*replication.Report, error)
	ReplicateGroup(ctx context.Context, group string) ([]replication.TableResult, error)
	ReplicateAll(ctx context.Context) []replication.TableResult
	Groups() []string
	GroupTables(group string) ([]string, bool)
}

// Pinger checks a database. *db.Manager implements it.
type Pinger interface {
	Ping(ctx context.Context, databaseID string) error
}

// Scheduler reports scheduled jobs. *scheduler.Scheduler implements it.
type Scheduler interface {
	Jobs() map[string]time.Time
}

// Handler handles control plane HTTP requests.
type Handler struct {
	Sync      Syncer
	DB        Pinger
	Schedule  Scheduler // optional
	Databases []string  // ids checked by /health
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /stats", metrics.Global().JSONHandler())

	mux.HandleFunc("GET /groups", h.ListGroups)
	mux.HandleFunc("GET /schedules", h.ListSchedules)
	mux.HandleFunc("POST /sync", h.SyncAll)
	mux.HandleFunc("POST /sync/groups/{group}", h.SyncGroup)
	mux.HandleFunc("POST /sync/tables/{table}", h.SyncTable)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbs := make(map[string]string, len(h.Databases))
	for _, id := range h.Databases {
		if err := h.DB.Ping(r.Context(), id); err != nil {
			dbs[id] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		dbs[id] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "databases": dbs})
}

// ListGroups handles GET /groups
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]string)
	for _, g := range h.Sync.Groups() {
		out[g], _ = h.Sync.GroupTables(g)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListSchedules handles GET /schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	out := map[string]time.Time{}
	if h.Schedule != nil {
		out = h.Schedule.Jobs()
	}
	writeJSON(w, http.StatusOK, out)
}

// SyncAll handles POST /sync
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	writeResults(w, h.Sync.ReplicateAll(r.Context()))
}

// SyncGroup handles POST /sync/groups/{group}
func (h *Handler) SyncGroup(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	results, err := h.Sync.ReplicateGroup(r.Context(), group)
	if errors.Is(err, replication.ErrUnknownGroup) {
		http.Error(w, "sync group not found: "+group, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeResults(w, results)
}

// SyncTable handles POST /sync/tables/{table}
func (h *Handler) SyncTable(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sync.Replicate(r.Context(), r.PathValue("table"))
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeResults answers 200 when every table succeeded and 500 otherwise;
// the body always lists every table.
func writeResults(w http.ResponseWriter, results []replication.TableResult) {
	status := http.StatusOK
	if len(replication.Failed(results)) > 0 {
		status = http.StatusInternalServerError
	}
	if results == nil {
		results = []replication.TableResult{}
	}
	writeJSON(w, status, map[string]any{"results": results})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, replication.ErrUnrecognizedTable), errors.Is(err, schema.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrSchemaNotFound):
		return http.StatusNotFound
	case errors.Is(err, replication.ErrMissingPrimaryKey), errors.Is(err, replication.ErrMissingVersionColumn):
		return http.StatusUnprocessableEntity
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
