// Package health provides the HTTP health and readiness handlers.
//
// Three endpoints are exposed:
//
//   - /health  — operator report: uptime, active sessions, artifact disk
//     usage, and the configured model names.
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name appears as a key in the /readyz JSON response, e.g. "stt".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Stats supplies the live numbers for the /health report.
type Stats struct {
	// ActiveSessions returns the number of live device sessions.
	ActiveSessions func() int

	// DiskUsage returns the artifact bytes on disk, or an error when the
	// walk fails.
	DiskUsage func() (int64, error)

	// Models maps pipeline stage to the configured model or provider name.
	Models map[string]string
}

// report is the /health JSON body.
type report struct {
	OK             bool              `json:"ok"`
	Timestamp      time.Time         `json:"timestamp"`
	UptimeSec      int64             `json:"uptime_sec"`
	ActiveSessions int               `json:"active_sessions"`
	DiskUsageBytes int64             `json:"disk_usage_bytes"`
	Models         map[string]string `json:"models,omitempty"`
}

// probeResult is the /healthz and /readyz JSON body.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. Safe for concurrent use; the checker
// list and stats sources are fixed at construction time.
type Handler struct {
	started  time.Time
	stats    Stats
	checkers []Checker
}

// New creates a Handler. The checkers are evaluated sequentially on each
// /readyz request.
func New(stats Stats, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{started: time.Now(), stats: stats, checkers: c}
}

// Health serves the operator report.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	rep := report{
		OK:        true,
		Timestamp: time.Now().UTC(),
		UptimeSec: int64(time.Since(h.started).Seconds()),
		Models:    h.stats.Models,
	}
	if h.stats.ActiveSessions != nil {
		rep.ActiveSessions = h.stats.ActiveSessions()
	}
	if h.stats.DiskUsage != nil {
		usage, err := h.stats.DiskUsage()
		if err != nil {
			rep.OK = false
		}
		rep.DiskUsageBytes = usage
	}

	status := http.StatusOK
	if !rep.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rep)
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes. Each
// checker gets a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := probeResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code, falling back to a
// plain-text 500 on encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
