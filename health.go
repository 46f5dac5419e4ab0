package mitmproxy

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves liveness and readiness probes for the control
// plane. Liveness is process-level and set by the owner once startup
// wiring is complete. Readiness is derived from the master itself: the
// consumer loop must be running, and any additional checks (archive
// reachability, listener state) must pass. A ready response carries a
// control-plane load snapshot so an operator can see held flows and
// blocked producers without querying the flow API.
type HealthChecker struct {
	master *Master

	alive     atomic.Bool
	startTime time.Time

	// ReadinessChecks are consulted in addition to the master loop state;
	// all must return nil for the readiness probe to pass.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil if the component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

// HealthResponse is the JSON body returned by the probe endpoints.
type HealthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Details []string     `json:"details,omitempty"`
	Stats   *MasterStats `json:"stats,omitempty"`
}

// NewHealthChecker creates a checker over the given master.
func NewHealthChecker(master *Master) *HealthChecker {
	return &HealthChecker{
		master:    master,
		startTime: time.Now(),
	}
}

// SetAlive marks the process as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// IsAlive reports whether the process is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the control plane can serve: the master loop is
// running and every configured check passes.
func (h *HealthChecker) IsReady() bool {
	if !h.master.Running() {
		return false
	}
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// HandleHealthz is the /healthz liveness endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.uptime()}
	status := http.StatusOK
	resp.Status = "ok"

	if !h.alive.Load() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	h.write(w, status, resp)
}

// HandleReadyz is the /readyz readiness endpoint. Not-running reports the
// master loop; check failures are listed individually.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.uptime()}

	if !h.master.Running() {
		resp.Status = "not ready"
		resp.Reason = ErrMasterNotRunning.Error()
		h.write(w, http.StatusServiceUnavailable, resp)
		return
	}

	var failures []string
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			failures = append(failures, err.Error())
		}
	}

	// The loop can stop between the running check and the snapshot; the
	// probe stays useful without it.
	if stats, err := h.master.Stats(); err == nil {
		resp.Stats = &stats
	}

	if len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		h.write(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "ok"
	h.write(w, http.StatusOK, resp)
}

func (h *HealthChecker) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

func (h *HealthChecker) write(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
