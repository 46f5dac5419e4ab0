package mitmproxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func idleMaster() *Master {
	return NewMaster(NewOptions(), NewBroadcastHub(nil), nil)
}

func probeBody(t *testing.T, rec *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode probe body: %v", err)
	}
	return resp
}

func TestHealthChecker_Healthz(t *testing.T) {
	h := NewHealthChecker(idleMaster())

	rec := httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d before SetAlive, want 503", rec.Code)
	}

	h.SetAlive(true)
	rec = httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	resp := probeBody(t, rec)
	if resp.Status != "ok" || resp.Uptime == "" {
		t.Errorf("body = %+v", resp)
	}
}

// Readiness is derived from the master loop, not set by the owner: a
// master that was never run reports not ready with the loop as reason.
func TestHealthChecker_ReadyzLoopNotRunning(t *testing.T) {
	h := NewHealthChecker(idleMaster())

	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := probeBody(t, rec)
	if resp.Reason != ErrMasterNotRunning.Error() {
		t.Errorf("reason = %q", resp.Reason)
	}
	if h.IsReady() {
		t.Error("IsReady = true without a running loop")
	}
}

func TestHealthChecker_ReadyzCarriesStats(t *testing.T) {
	master, opts, _ := startMaster(t)
	h := NewHealthChecker(master)

	opts.Set(OptIntercept, "host:held.test")
	opts.Set(OptInterceptActive, true)
	syncMaster(t, master)

	go master.HandleRequest(testFlow("https://held.test/"))
	waitFor(t, func() bool {
		flows, _ := master.ListFlows()
		return len(flows) == 1 && flows[0].Intercepted
	})

	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := probeBody(t, rec)
	if resp.Stats == nil {
		t.Fatal("ready response carries no stats")
	}
	if resp.Stats.Flows != 1 || resp.Stats.Intercepted != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if resp.Stats.PendingProducers != 1 {
		t.Errorf("pending producers = %d, want 1", resp.Stats.PendingProducers)
	}

	flows, err := master.ListFlows()
	if err != nil {
		t.Fatalf("ListFlows = %v", err)
	}
	if err := master.Resume(flows[0].ID); err != nil {
		t.Fatalf("Resume = %v", err)
	}
}

func TestHealthChecker_ReadinessChecks(t *testing.T) {
	master, _, _ := startMaster(t)
	h := NewHealthChecker(master)
	h.ReadinessChecks = append(h.ReadinessChecks, func() error {
		return errors.New("archive unreachable")
	})

	if h.IsReady() {
		t.Error("IsReady = true with a failing check")
	}

	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := probeBody(t, rec)
	if len(resp.Details) != 1 || resp.Details[0] != "archive unreachable" {
		t.Errorf("details = %v", resp.Details)
	}

	h.ReadinessChecks = []ReadinessCheck{func() error { return nil }}
	if !h.IsReady() {
		t.Error("IsReady = false with all checks passing")
	}
}
