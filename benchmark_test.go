//nolint:errcheck // Benchmarks intentionally ignore errors for performance measurement
package mitmproxy

import (
	"fmt"
	"net/http"
	"testing"
)

// =============================================================================
// Flow Store Benchmarks
// =============================================================================

func BenchmarkFlowStore_Add(b *testing.B) {
	store := NewFlowStore()

	flows := make([]*Flow, b.N)
	for i := range flows {
		flows[i] = testFlow(fmt.Sprintf("https://bench%d.example.com/", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Add(flows[i])
	}
}

func BenchmarkFlowStore_Update(b *testing.B) {
	store := NewFlowStore()
	flow := testFlow("https://bench.example.com/")
	store.Add(flow)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		flow.Response = &Response{StatusCode: 200}
		store.Update(flow)
	}
}

func BenchmarkFlowStore_Get_10K(b *testing.B) {
	store := NewFlowStore()
	var last string
	for i := 0; i < 10000; i++ {
		f := testFlow(fmt.Sprintf("https://bench%d.example.com/", i))
		store.Add(f)
		last = f.ID
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Get(last)
	}
}

// =============================================================================
// Flow View Benchmarks
// =============================================================================

func BenchmarkFlowView_Update_10K(b *testing.B) {
	store := NewFlowStore()
	filter, _ := ParseFilter("host:bench0.example.com")
	NewFlowView(store, filter.Predicate(), nil)

	flows := make([]*Flow, 10000)
	for i := range flows {
		flows[i] = testFlow(fmt.Sprintf("https://bench%d.example.com/", i))
		store.Add(flows[i])
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Update(flows[i%len(flows)])
	}
}

func BenchmarkFlowView_Recalculate_10K(b *testing.B) {
	store := NewFlowStore()
	view := NewFlowView(store, nil, nil)

	flows := make([]*Flow, 10000)
	for i := range flows {
		flows[i] = testFlow(fmt.Sprintf("https://bench%d.example.com/", i))
		store.Add(flows[i])
	}
	filter, _ := ParseFilter("method:GET")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		view.SetPredicate(filter.Predicate())
	}
}

// =============================================================================
// Filter Benchmarks
// =============================================================================

func BenchmarkFlowFilter_Match(b *testing.B) {
	filter, err := ParseFilter("host:*.example.com path:/api method:GET !marked")
	if err != nil {
		b.Fatalf("ParseFilter failed: %v", err)
	}
	flow := testFlow("https://api.example.com/api/v1/users")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		filter.Matches(flow)
	}
}

func BenchmarkFlowFilter_MatchRegex(b *testing.B) {
	filter, err := ParseFilter(`regex:/v\d+/users`)
	if err != nil {
		b.Fatalf("ParseFilter failed: %v", err)
	}
	flow := testFlow("https://api.example.com/v1/users")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		filter.Matches(flow)
	}
}

// =============================================================================
// Broadcast Benchmarks
// =============================================================================

type discardObserver struct{ id int }

func (discardObserver) Deliver(Event) error { return nil }

func BenchmarkBroadcastHub_Publish(b *testing.B) {
	hub := NewBroadcastHub(nil)
	for i := 0; i < 8; i++ {
		hub.Register(discardObserver{id: i})
	}
	event := Event{Type: EventTypeFlows, Cmd: CmdAdd, Data: testFlow("https://bench.example.com/").Summary()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Publish(event)
	}
}

func BenchmarkEventLog_Append(b *testing.B) {
	log := NewEventLog(EventLogCapacity, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		log.Append("benchmark entry", LevelInfo)
	}
}

// =============================================================================
// Flow Projection Benchmarks
// =============================================================================

func BenchmarkFlow_Summary(b *testing.B) {
	flow := testFlow("https://bench.example.com/api/v1/users")
	flow.Response = &Response{StatusCode: 200, Headers: http.Header{}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		flow.Summary()
	}
}

func BenchmarkFlow_State(b *testing.B) {
	flow := testFlow("https://bench.example.com/api/v1/users")
	flow.Request.Headers.Set("Accept", "*/*")
	flow.Request.Body = make([]byte, 1024)
	flow.Response = &Response{StatusCode: 200, Headers: http.Header{}, Body: make([]byte, 4096)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		flow.State()
	}
}
