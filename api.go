package mitmproxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WebAPI is the REST control surface over the master: the external actor
// that inspects the live flow view, resumes or kills intercepted flows,
// and edits options at runtime. It is the snapshot counterpart to the
// broadcast stream: an observer registers with the hub for diffs and
// fetches its initial state from these endpoints.
//
// Routes are mounted under a configurable path prefix (default "/api") and
// use [chi] for routing. All endpoints return JSON.
type WebAPI struct {
	// Master is the control plane instance to manage.
	Master *Master

	// Options is the configuration registry edited by PUT /options.
	Options *Options

	// Logger for API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for API routes (default "/api").
	PathPrefix string

	router chi.Router
}

// NewWebAPI creates a WebAPI wired to the given master and options.
func NewWebAPI(master *Master, opts *Options) *WebAPI {
	a := &WebAPI{
		Master:     master,
		Options:    opts,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *WebAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/flows", a.handleListFlows)
	r.Post("/flows/clear", a.handleClearFlows)
	r.Get("/flows/{id}", a.handleGetFlow)
	r.Delete("/flows/{id}", a.handleDeleteFlow)
	r.Post("/flows/{id}/resume", a.handleResumeFlow)
	r.Post("/flows/{id}/kill", a.handleKillFlow)
	r.Post("/flows/{id}/mark", a.handleMarkFlow)
	r.Get("/events", a.handleListEvents)
	r.Get("/options", a.handleGetOptions)
	r.Put("/options", a.handleSetOptions)
	r.Put("/view/filter", a.handleSetViewFilter)

	a.router = r
}

// Handler returns an http.Handler for the API routes.
func (a *WebAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi
// router after stripping the path prefix.
func (a *WebAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// FlowsResponse is returned by GET /api/flows.
type FlowsResponse struct {
	Count int           `json:"count"`
	Flows []FlowSummary `json:"flows"`
}

// EventsResponse is returned by GET /api/events.
type EventsResponse struct {
	Count  int        `json:"count"`
	Events []LogEntry `json:"events"`
}

// FilterRequest is the body for PUT /api/view/filter.
type FilterRequest struct {
	Filter string `json:"filter"`
}

// MarkRequest is the body for POST /api/flows/{id}/mark.
type MarkRequest struct {
	Marked bool `json:"marked"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Flow handlers
// --------------------------------------------------------------------------

func (a *WebAPI) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	flows, err := a.Master.ListFlows()
	if err != nil {
		a.writeError(w, err)
		return
	}
	if flows == nil {
		flows = []FlowSummary{}
	}
	a.writeJSON(w, http.StatusOK, FlowsResponse{Count: len(flows), Flows: flows})
}

func (a *WebAPI) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	state, err := a.Master.GetFlow(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, state)
}

func (a *WebAPI) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := a.Master.RemoveFlow(chi.URLParam(r, "id")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "flow deleted"})
}

func (a *WebAPI) handleResumeFlow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Master.Resume(id); err != nil {
		a.writeError(w, err)
		return
	}
	a.Logger.Info("flow resumed via API", "id", id)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "flow resumed"})
}

func (a *WebAPI) handleKillFlow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Master.Kill(id); err != nil {
		a.writeError(w, err)
		return
	}
	a.Logger.Info("flow killed via API", "id", id)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "flow killed"})
}

func (a *WebAPI) handleMarkFlow(w http.ResponseWriter, r *http.Request) {
	var req MarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := a.Master.MarkFlow(chi.URLParam(r, "id"), req.Marked); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "flow updated"})
}

func (a *WebAPI) handleClearFlows(w http.ResponseWriter, _ *http.Request) {
	if err := a.Master.ClearFlows(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "flows cleared"})
}

// --------------------------------------------------------------------------
// Event and option handlers
// --------------------------------------------------------------------------

func (a *WebAPI) handleListEvents(w http.ResponseWriter, _ *http.Request) {
	entries := a.Master.EventLog().Entries()
	a.writeJSON(w, http.StatusOK, EventsResponse{Count: len(entries), Events: entries})
}

func (a *WebAPI) handleGetOptions(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Options.Snapshot())
}

func (a *WebAPI) handleSetOptions(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	for name, value := range req {
		if err := a.Options.Set(name, value); err != nil {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	a.Logger.Info("options updated via API", "count", len(req))
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "options updated"})
}

func (a *WebAPI) handleSetViewFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	// Expression syntax is this layer's contract; the options registry
	// only validates types and choices.
	if _, err := ParseFilter(req.Filter); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := a.Options.Set(OptViewFilter, req.Filter); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "view filter updated"})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *WebAPI) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownFlow):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotIntercepted):
		status = http.StatusConflict
	case errors.Is(err, ErrChannelClosed), errors.Is(err, ErrMasterNotRunning):
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (a *WebAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("API write error", "error", err)
	}
}
