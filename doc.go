// Package mitmproxy implements the interception control plane of a
// TLS-capable MITM proxy: the machinery that captures live network
// transactions ("flows"), holds them for inspection and modification,
// releases them on demand, and pushes a consistent, filtered, incrementally
// updated picture of all flows to connected observers such as a web UI or
// log consumers.
//
// # Architecture
//
// Connection-handling workers (one per live connection, owned by the proxy
// engine) submit flow lifecycle events through a [ConnectionChannel] and
// block until the single [Master] loop resolves them. The master applies
// interception policy, mutates the canonical [FlowStore], and either
// releases the worker immediately or leaves the flow intercepted until an
// external actor resumes or kills it. Store mutations flow through a
// [FlowView] projection into a [BroadcastHub], which fans change events out
// to registered observers.
//
//	worker -> ConnectionChannel.Submit (blocks)
//	       -> Master loop -> FlowStore -> FlowView -> BroadcastHub
//	       -> Submission.Resolve -> worker unblocks
//
// # Basic Usage
//
// Wire up a master with options, a hub, and an observer:
//
//	opts := mitmproxy.NewOptions()
//	hub := mitmproxy.NewBroadcastHub(slog.Default())
//	master := mitmproxy.NewMaster(opts, hub, slog.Default())
//
//	obs := mitmproxy.NewChannelObserver(64)
//	hub.Register(obs)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	go master.Run(ctx)
//
// Connection workers report their flows and block on the verdict:
//
//	flow := mitmproxy.NewFlow(&mitmproxy.Request{Method: "GET", URL: url})
//	verdict, err := master.HandleRequest(flow)
//
// # Interception
//
// Set an intercept filter and activate it; matching flows stay pending
// until resumed or killed (typically via the [WebAPI] REST surface):
//
//	opts.Set(mitmproxy.OptIntercept, "host:example.com")
//	opts.Set(mitmproxy.OptInterceptActive, true)
//
//	master.Resume(flowID) // release
//	master.Kill(flowID)   // abort the connection
//
// # Observability
//
// [Metrics] exposes Prometheus collectors for flow, channel, and hub
// activity. [EventLog] keeps a capped diagnostic log that is mirrored to
// observers, and [FlowArchive] persists completed flows to SQLite.
package mitmproxy
