package mitmproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// startMaster spins up a master loop for the duration of the test.
func startMaster(t *testing.T) (*Master, *Options, *ChannelObserver) {
	t.Helper()

	opts := NewOptions()
	hub := NewBroadcastHub(nil)
	master := NewMaster(opts, hub, nil)
	master.SetMetrics(NewMetrics())

	obs := NewChannelObserver(256)
	hub.Register(obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = master.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for !master.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !master.Running() {
		t.Fatal("master loop never started")
	}

	return master, opts, obs
}

// sync waits until the master loop has drained all queued commands.
func syncMaster(t *testing.T, m *Master) {
	t.Helper()
	if _, _, err := m.FlowCount(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

// drainFlowEvents collects all buffered flow events from the observer.
func drainFlowEvents(obs *ChannelObserver) []Event {
	var out []Event
	for {
		select {
		case e := <-obs.Events():
			if e.Type == EventTypeFlows {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func TestMaster_PassThrough(t *testing.T) {
	master, _, obs := startMaster(t)

	flow := testFlow("https://example.com/")
	v, err := master.HandleRequest(flow)
	if err != nil {
		t.Fatalf("HandleRequest = %v", err)
	}
	if v.Outcome != OutcomePass {
		t.Fatalf("outcome = %v, want pass", v.Outcome)
	}

	flows, err := master.ListFlows()
	if err != nil {
		t.Fatalf("ListFlows = %v", err)
	}
	if len(flows) != 1 || flows[0].ID != flow.ID {
		t.Fatalf("flows = %+v, want just %s", flows, flow.ID)
	}
	if flows[0].Intercepted {
		t.Error("pass-through flow reported intercepted")
	}

	events := drainFlowEvents(obs)
	if len(events) != 1 || events[0].Cmd != CmdAdd {
		t.Errorf("flow events = %+v, want a single add", events)
	}
}

// Each store mutation yields exactly one flow publish: an add for the
// request stage, an update for the response stage.
func TestMaster_NotificationPerMutation(t *testing.T) {
	master, _, obs := startMaster(t)

	flow := testFlow("https://example.com/")
	if _, err := master.HandleRequest(flow); err != nil {
		t.Fatalf("HandleRequest = %v", err)
	}
	flow.Response = &Response{StatusCode: 200, Headers: http.Header{}}
	if _, err := master.HandleResponse(flow); err != nil {
		t.Fatalf("HandleResponse = %v", err)
	}
	syncMaster(t, master)

	events := drainFlowEvents(obs)
	if len(events) != 2 {
		t.Fatalf("flow events = %d, want 2", len(events))
	}
	if events[0].Cmd != CmdAdd || events[1].Cmd != CmdUpdate {
		t.Errorf("event cmds = %s, %s, want add, update", events[0].Cmd, events[1].Cmd)
	}
}

func TestMaster_InterceptAndResume(t *testing.T) {
	master, opts, _ := startMaster(t)

	if err := opts.Set(OptIntercept, "host:held.test"); err != nil {
		t.Fatalf("set intercept: %v", err)
	}
	if err := opts.Set(OptInterceptActive, true); err != nil {
		t.Fatalf("set intercept_active: %v", err)
	}
	syncMaster(t, master)

	flow := testFlow("https://held.test/login")
	result := make(chan Verdict, 1)
	go func() {
		v, err := master.HandleRequest(flow)
		if err != nil {
			t.Errorf("HandleRequest = %v", err)
		}
		result <- v
	}()

	// Wait until the flow shows up held.
	waitFor(t, func() bool {
		flows, err := master.ListFlows()
		if err != nil {
			t.Fatalf("ListFlows = %v", err)
		}
		return len(flows) == 1 && flows[0].Intercepted
	})

	select {
	case v := <-result:
		t.Fatalf("producer released without resume: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}

	if err := master.Resume(flow.ID); err != nil {
		t.Fatalf("Resume = %v", err)
	}

	select {
	case v := <-result:
		if v.Outcome != OutcomePass {
			t.Errorf("outcome = %v, want pass", v.Outcome)
		}
		if v.Flow.Intercepted {
			t.Error("resumed flow still flagged intercepted")
		}
	case <-time.After(time.Second):
		t.Fatal("producer never unblocked after resume")
	}
}

func TestMaster_InterceptAndKill(t *testing.T) {
	master, opts, _ := startMaster(t)

	opts.Set(OptIntercept, "host:doomed.test")
	opts.Set(OptInterceptActive, true)
	syncMaster(t, master)

	flow := testFlow("https://doomed.test/")
	result := make(chan Verdict, 1)
	go func() {
		v, _ := master.HandleRequest(flow)
		result <- v
	}()

	waitFor(t, func() bool {
		flows, _ := master.ListFlows()
		return len(flows) == 1 && flows[0].Intercepted
	})

	if err := master.Kill(flow.ID); err != nil {
		t.Fatalf("Kill = %v", err)
	}

	select {
	case v := <-result:
		if v.Outcome != OutcomeKill {
			t.Errorf("outcome = %v, want kill", v.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("producer never unblocked after kill")
	}

	store, _, err := master.FlowCount()
	if err != nil {
		t.Fatalf("FlowCount = %v", err)
	}
	if store != 0 {
		t.Errorf("store size = %d after kill, want 0", store)
	}
}

func TestMaster_ResumeErrors(t *testing.T) {
	master, _, _ := startMaster(t)

	if err := master.Resume("missing"); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("Resume(missing) = %v, want ErrUnknownFlow", err)
	}

	flow := testFlow("https://example.com/")
	if _, err := master.HandleRequest(flow); err != nil {
		t.Fatalf("HandleRequest = %v", err)
	}
	if err := master.Resume(flow.ID); !errors.Is(err, ErrNotIntercepted) {
		t.Errorf("Resume(released) = %v, want ErrNotIntercepted", err)
	}
}

func TestMaster_ClearFlowsAbortsHeld(t *testing.T) {
	master, opts, obs := startMaster(t)

	opts.Set(OptIntercept, "host:held.test")
	opts.Set(OptInterceptActive, true)
	syncMaster(t, master)

	held := testFlow("https://held.test/")
	result := make(chan Verdict, 1)
	go func() {
		v, _ := master.HandleRequest(held)
		result <- v
	}()
	waitFor(t, func() bool {
		flows, _ := master.ListFlows()
		return len(flows) == 1 && flows[0].Intercepted
	})
	drainFlowEvents(obs)

	if err := master.ClearFlows(); err != nil {
		t.Fatalf("ClearFlows = %v", err)
	}

	select {
	case v := <-result:
		if v.Outcome != OutcomeKill {
			t.Errorf("outcome = %v, want kill", v.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("held producer never unblocked by clear")
	}

	store, _, err := master.FlowCount()
	if err != nil {
		t.Fatalf("FlowCount = %v", err)
	}
	if store != 0 {
		t.Errorf("store size = %d after clear, want 0", store)
	}

	events := drainFlowEvents(obs)
	resets := 0
	for _, e := range events {
		if e.Cmd == CmdReset {
			resets++
		}
	}
	if resets != 1 {
		t.Errorf("reset events = %d, want exactly 1", resets)
	}
}

func TestMaster_ViewFilterOption(t *testing.T) {
	master, opts, obs := startMaster(t)

	a := testFlow("https://keep.test/")
	b := testFlow("https://drop.test/")
	master.HandleRequest(a)
	master.HandleRequest(b)
	drainFlowEvents(obs)

	if err := opts.Set(OptViewFilter, "host:keep.test"); err != nil {
		t.Fatalf("set view_filter: %v", err)
	}
	syncMaster(t, master)

	flows, err := master.ListFlows()
	if err != nil {
		t.Fatalf("ListFlows = %v", err)
	}
	if len(flows) != 1 || flows[0].ID != a.ID {
		t.Fatalf("filtered view = %+v, want just %s", flows, a.ID)
	}

	events := drainFlowEvents(obs)
	if len(events) != 1 || events[0].Cmd != CmdReset {
		t.Errorf("events = %+v, want a single reset", events)
	}
}

func TestMaster_RemoveFlow(t *testing.T) {
	master, _, obs := startMaster(t)

	flow := testFlow("https://example.com/")
	master.HandleRequest(flow)
	drainFlowEvents(obs)

	if err := master.RemoveFlow(flow.ID); err != nil {
		t.Fatalf("RemoveFlow = %v", err)
	}
	if err := master.RemoveFlow(flow.ID); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("second RemoveFlow = %v, want ErrUnknownFlow", err)
	}

	events := drainFlowEvents(obs)
	if len(events) != 1 || events[0].Cmd != CmdRemove {
		t.Errorf("events = %+v, want a single remove", events)
	}
}

func TestMaster_MarkFlow(t *testing.T) {
	master, _, _ := startMaster(t)

	flow := testFlow("https://example.com/")
	master.HandleRequest(flow)

	if err := master.MarkFlow(flow.ID, true); err != nil {
		t.Fatalf("MarkFlow = %v", err)
	}
	state, err := master.GetFlow(flow.ID)
	if err != nil {
		t.Fatalf("GetFlow = %v", err)
	}
	if !state.Marked {
		t.Error("flow not marked")
	}
}

func TestMaster_AntiCacheStripsHeaders(t *testing.T) {
	master, opts, _ := startMaster(t)
	opts.Set(OptAntiCache, true)

	flow := testFlow("https://example.com/")
	flow.Request.Headers.Set("If-Modified-Since", "yesterday")
	flow.Request.Headers.Set("If-None-Match", `"etag"`)

	v, err := master.HandleRequest(flow)
	if err != nil {
		t.Fatalf("HandleRequest = %v", err)
	}
	if got := v.Flow.Request.Headers.Get("If-Modified-Since"); got != "" {
		t.Errorf("If-Modified-Since survived: %q", got)
	}
	if got := v.Flow.Request.Headers.Get("If-None-Match"); got != "" {
		t.Errorf("If-None-Match survived: %q", got)
	}
}

func TestMaster_AntiCompDecodesResponse(t *testing.T) {
	master, opts, _ := startMaster(t)
	opts.Set(OptAntiComp, true)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("hello body"))
	zw.Close()

	flow := testFlow("https://example.com/")
	master.HandleRequest(flow)

	flow.Response = &Response{
		StatusCode: 200,
		Headers:    http.Header{"Content-Encoding": []string{"gzip"}},
		Body:       buf.Bytes(),
	}
	v, err := master.HandleResponse(flow)
	if err != nil {
		t.Fatalf("HandleResponse = %v", err)
	}
	if string(v.Flow.Response.Body) != "hello body" {
		t.Errorf("body = %q, want decoded plaintext", v.Flow.Response.Body)
	}
	if enc := v.Flow.Response.Headers.Get("Content-Encoding"); enc != "" {
		t.Errorf("Content-Encoding survived: %q", enc)
	}
}

func TestMaster_HandleError(t *testing.T) {
	master, _, _ := startMaster(t)

	flow := testFlow("https://example.com/")
	master.HandleRequest(flow)

	flow.Error = "connection reset"
	if _, err := master.HandleError(flow); err != nil {
		t.Fatalf("HandleError = %v", err)
	}

	state, err := master.GetFlow(flow.ID)
	if err != nil {
		t.Fatalf("GetFlow = %v", err)
	}
	if state.Kind != string(KindError) || state.Error != "connection reset" {
		t.Errorf("state = %+v", state)
	}
}

func TestMaster_ShutdownReleasesProducers(t *testing.T) {
	opts := NewOptions()
	hub := NewBroadcastHub(nil)
	master := NewMaster(opts, hub, nil)

	opts.Set(OptIntercept, "host:held.test")
	opts.Set(OptInterceptActive, true)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = master.Run(ctx)
	}()

	const producers = 3
	errs := make(chan error, producers)
	for i := 0; i < producers; i++ {
		go func() {
			_, err := master.HandleRequest(testFlow("https://held.test/"))
			errs <- err
		}()
	}

	waitFor(t, func() bool {
		flows, err := master.ListFlows()
		return err == nil && len(flows) == producers
	})

	cancel()
	<-runDone

	for i := 0; i < producers; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrChannelClosed) {
				t.Errorf("producer error = %v, want ErrChannelClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("producer still blocked after shutdown")
		}
	}

	if _, err := master.ListFlows(); !errors.Is(err, ErrMasterNotRunning) {
		t.Errorf("ListFlows after shutdown = %v, want ErrMasterNotRunning", err)
	}
}

// Actions and reads on a master whose loop was never started fail fast
// instead of blocking on the command queue.
func TestMaster_ActionsBeforeRun(t *testing.T) {
	master := NewMaster(NewOptions(), NewBroadcastHub(nil), nil)

	if _, err := master.ListFlows(); !errors.Is(err, ErrMasterNotRunning) {
		t.Errorf("ListFlows = %v, want ErrMasterNotRunning", err)
	}
	if err := master.Resume("any"); !errors.Is(err, ErrMasterNotRunning) {
		t.Errorf("Resume = %v, want ErrMasterNotRunning", err)
	}
	if err := master.ClearFlows(); !errors.Is(err, ErrMasterNotRunning) {
		t.Errorf("ClearFlows = %v, want ErrMasterNotRunning", err)
	}
	if _, err := master.Stats(); !errors.Is(err, ErrMasterNotRunning) {
		t.Errorf("Stats = %v, want ErrMasterNotRunning", err)
	}
}

func TestMaster_Stats(t *testing.T) {
	master, opts, _ := startMaster(t)

	opts.Set(OptIntercept, "host:held.test")
	opts.Set(OptInterceptActive, true)
	opts.Set(OptViewFilter, "host:held.test")
	syncMaster(t, master)

	go master.HandleRequest(testFlow("https://held.test/"))
	waitFor(t, func() bool {
		flows, err := master.ListFlows()
		return err == nil && len(flows) == 1 && flows[0].Intercepted
	})
	master.HandleRequest(testFlow("https://other.test/"))

	stats, err := master.Stats()
	if err != nil {
		t.Fatalf("Stats = %v", err)
	}
	if stats.Flows != 2 || stats.ViewFlows != 1 {
		t.Errorf("flows = %d, view = %d, want 2, 1", stats.Flows, stats.ViewFlows)
	}
	if stats.Intercepted != 1 || stats.PendingProducers != 1 {
		t.Errorf("intercepted = %d, pending = %d, want 1, 1", stats.Intercepted, stats.PendingProducers)
	}

	flows, err := master.ListFlows()
	if err != nil {
		t.Fatalf("ListFlows = %v", err)
	}
	if err := master.Resume(flows[0].ID); err != nil {
		t.Fatalf("Resume = %v", err)
	}
}

func TestMaster_AddEvent(t *testing.T) {
	master, _, obs := startMaster(t)

	master.AddEvent("something happened", LevelWarn)

	waitFor(t, func() bool {
		for {
			select {
			case e := <-obs.Events():
				if e.Type != EventTypeEvents {
					continue
				}
				entry, ok := e.Data.(LogEntry)
				return ok && entry.Message == "something happened" && entry.Level == LevelWarn
			default:
				return false
			}
		}
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
