package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics keeps in-process counters for replication runs and mutations.
// It backs the JSON status endpoint; Prometheus collectors live in
// prometheus.go.
type Metrics struct {
	Replications        atomic.Int64
	ReplicationFailures atomic.Int64
	RowsRead            atomic.Int64
	RowsApplied         atomic.Int64
	RowsSkipped         atomic.Int64

	TotalLatencyMs atomic.Int64
	MaxLatencyMs   atomic.Int64

	tables    sync.Map // table name -> *TableMetrics
	mutations sync.Map // "op/outcome" -> *atomic.Int64

	startTime time.Time
}

// TableMetrics tracks replication of a single table.
type TableMetrics struct {
	Runs        atomic.Int64
	Failures    atomic.Int64
	RowsApplied atomic.Int64
	RowsSkipped atomic.Int64

	mu        sync.Mutex
	lastRunAt time.Time
	lastError string
	lastMs    int64
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordReplication records the outcome of one table replication.
func (m *Metrics) RecordReplication(table string, rowsRead, rowsApplied, rowsSkipped, durationMs int64, err error) {
	m.Replications.Add(1)
	if err != nil {
		m.ReplicationFailures.Add(1)
	}
	m.RowsRead.Add(rowsRead)
	m.RowsApplied.Add(rowsApplied)
	m.RowsSkipped.Add(rowsSkipped)
	m.TotalLatencyMs.Add(durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	tm := m.tableMetrics(table)
	tm.Runs.Add(1)
	if err != nil {
		tm.Failures.Add(1)
	}
	tm.RowsApplied.Add(rowsApplied)
	tm.RowsSkipped.Add(rowsSkipped)

	tm.mu.Lock()
	tm.lastRunAt = time.Now()
	tm.lastMs = durationMs
	tm.lastError = ""
	if err != nil {
		tm.lastError = err.Error()
	}
	tm.mu.Unlock()
}

// RecordMutation counts one mutation by operation and outcome.
func (m *Metrics) RecordMutation(op, outcome string) {
	key := op + "/" + outcome
	c, ok := m.mutations.Load(key)
	if !ok {
		c, _ = m.mutations.LoadOrStore(key, new(atomic.Int64))
	}
	c.(*atomic.Int64).Add(1)
}

func (m *Metrics) tableMetrics(table string) *TableMetrics {
	if v, ok := m.tables.Load(table); ok {
		return v.(*TableMetrics)
	}
	actual, _ := m.tables.LoadOrStore(table, &TableMetrics{})
	return actual.(*TableMetrics)
}

// Snapshot returns a point-in-time snapshot of all counters.
func (m *Metrics) Snapshot() map[string]any {
	total := m.Replications.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	mutations := make(map[string]int64)
	m.mutations.Range(func(k, v any) bool {
		mutations[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})

	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"replications": map[string]any{
			"total":  total,
			"failed": m.ReplicationFailures.Load(),
		},
		"rows": map[string]any{
			"read":    m.RowsRead.Load(),
			"applied": m.RowsApplied.Load(),
			"skipped": m.RowsSkipped.Load(),
		},
		"latency_ms": map[string]any{
			"avg": avgLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"mutations": mutations,
	}
}

// TableStatus is the per-table part of the status document.
type TableStatus struct {
	Table       string    `json:"table"`
	Runs        int64     `json:"runs"`
	Failures    int64     `json:"failures"`
	RowsApplied int64     `json:"rows_applied"`
	RowsSkipped int64     `json:"rows_skipped"`
	LastRunAt   time.Time `json:"last_run_at"`
	LastMs      int64     `json:"last_duration_ms"`
	LastError   string    `json:"last_error,omitempty"`
}

// TableStats returns the status of every table replicated so far, sorted by
// table name.
func (m *Metrics) TableStats() []TableStatus {
	var out []TableStatus
	m.tables.Range(func(k, v any) bool {
		tm := v.(*TableMetrics)
		tm.mu.Lock()
		s := TableStatus{
			Table:       k.(string),
			Runs:        tm.Runs.Load(),
			Failures:    tm.Failures.Load(),
			RowsApplied: tm.RowsApplied.Load(),
			RowsSkipped: tm.RowsSkipped.Load(),
			LastRunAt:   tm.lastRunAt,
			LastMs:      tm.lastMs,
			LastError:   tm.lastError,
		}
		tm.mu.Unlock()
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// JSONHandler returns an HTTP handler that exposes the counters as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["tables"] = m.TableStats()
		json.NewEncoder(w).Encode(result)
	})
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if value <= cur {
			return
		}
		if target.CompareAndSwap(cur, value) {
			return
		}
	}
}
