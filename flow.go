package mitmproxy

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FlowKind identifies the lifecycle stage a flow is in.
type FlowKind string

// Flow lifecycle stages.
const (
	KindRequest  FlowKind = "request"
	KindResponse FlowKind = "response"
	KindError    FlowKind = "error"
)

// Request is the client side of a flow: the request as captured by the
// proxy engine, possibly modified during interception.
type Request struct {
	Method  string
	URL     string
	Proto   string
	Headers http.Header
	Body    []byte
}

// Response is the server side of a flow.
type Response struct {
	StatusCode int
	Proto      string
	Headers    http.Header
	Body       []byte
}

// Flow is one intercepted transaction tracked end-to-end: created when the
// first event for a connection arrives, mutated in place on subsequent
// events (request -> response), and removed by retention or explicit
// deletion. A flow is never resurrected once removed.
//
// All fields except ID are mutated exclusively on the master loop. The
// pending submission handle is present only while a producer is blocked on
// this flow; a flow holding a handle must be resolved before it may be
// removed from the store, or the producing connection stalls forever.
type Flow struct {
	// ID is the stable unique identity of the flow, assigned at creation.
	ID string

	// Kind is the most recent lifecycle stage seen for this flow.
	Kind FlowKind

	Request  *Request
	Response *Response

	// Error holds the failure description for KindError flows.
	Error string

	// Intercepted is true while the flow is held awaiting an external
	// resume or kill decision.
	Intercepted bool

	// Marked is a user-set annotation, matchable by flow filters.
	Marked bool

	CreatedAt time.Time

	// pending is the unresolved submission whose producer is blocked on
	// this flow. At most one at any time.
	pending *Submission
}

// NewFlow creates a flow for the given request with a fresh id.
func NewFlow(req *Request) *Flow {
	return &Flow{
		ID:        uuid.NewString(),
		Kind:      KindRequest,
		Request:   req,
		CreatedAt: time.Now(),
	}
}

// Host returns the request host without any port suffix.
func (f *Flow) Host() string {
	if f.Request == nil {
		return ""
	}
	u, err := url.Parse(f.Request.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return strings.ToLower(host)
}

// Path returns the request URL path.
func (f *Flow) Path() string {
	if f.Request == nil {
		return ""
	}
	u, err := url.Parse(f.Request.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

// StatusCode returns the response status code, or zero if no response has
// been recorded yet.
func (f *Flow) StatusCode() int {
	if f.Response == nil {
		return 0
	}
	return f.Response.StatusCode
}

// FlowSummary is the short, transmission-safe projection of a flow: enough
// to render a list row, pushed to observers on every mutation.
type FlowSummary struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Method      string    `json:"method,omitempty"`
	URL         string    `json:"url,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Intercepted bool      `json:"intercepted"`
	Marked      bool      `json:"marked,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Summary returns the short projection of the flow.
func (f *Flow) Summary() FlowSummary {
	s := FlowSummary{
		ID:          f.ID,
		Kind:        string(f.Kind),
		Error:       f.Error,
		Intercepted: f.Intercepted,
		Marked:      f.Marked,
		CreatedAt:   f.CreatedAt,
	}
	if f.Request != nil {
		s.Method = f.Request.Method
		s.URL = f.Request.URL
	}
	if f.Response != nil {
		s.StatusCode = f.Response.StatusCode
	}
	return s
}

// RequestState is the full wire projection of a request.
type RequestState struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Proto   string              `json:"proto,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// ResponseState is the full wire projection of a response.
type ResponseState struct {
	StatusCode int                 `json:"status_code"`
	Proto      string              `json:"proto,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
}

// FlowState is the full projection of a flow, served on detail requests.
type FlowState struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Request     *RequestState  `json:"request,omitempty"`
	Response    *ResponseState `json:"response,omitempty"`
	Error       string         `json:"error,omitempty"`
	Intercepted bool           `json:"intercepted"`
	Marked      bool           `json:"marked,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// State returns the full projection of the flow. Headers and bodies are
// copied so the projection stays stable once taken.
func (f *Flow) State() FlowState {
	st := FlowState{
		ID:          f.ID,
		Kind:        string(f.Kind),
		Error:       f.Error,
		Intercepted: f.Intercepted,
		Marked:      f.Marked,
		CreatedAt:   f.CreatedAt,
	}
	if f.Request != nil {
		st.Request = &RequestState{
			Method:  f.Request.Method,
			URL:     f.Request.URL,
			Proto:   f.Request.Proto,
			Headers: cloneHeader(f.Request.Headers),
			Body:    append([]byte(nil), f.Request.Body...),
		}
	}
	if f.Response != nil {
		st.Response = &ResponseState{
			StatusCode: f.Response.StatusCode,
			Proto:      f.Response.Proto,
			Headers:    cloneHeader(f.Response.Headers),
			Body:       append([]byte(nil), f.Response.Body...),
		}
	}
	return st
}

func cloneHeader(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
