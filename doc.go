// Package pani is a burst-capture engine that pairs raw camera frames with
// the metadata of the request that produced them.
//
// # Architecture
//
// A burst submits capture requests at a fixed cadence. The camera answers
// each request twice and in no particular order: once with an image frame
// on one stream, once with a completion carrying the sensor timestamp and
// metadata on another. Pani correlates the two by timestamp and hands the
// matched pairs to a sink strictly in submission order.
//
//	            ┌────────────┐  Submit   ┌─────────────┐
//	Admission ─►│  Ledger    │──────────►│ FrameSource │
//	            └────────────┘           └──────┬──────┘
//	                  ▲ head          images    │   completions
//	                  │         ┌───────────────┤
//	            ┌─────┴──────┐  ▼               ▼
//	            │ Correlator │◄── FramePool ◄── pump
//	            └─────┬──────┘
//	                  ▼
//	         dispatcher (pkg/worker) ──► Sink
//
// # Packages
//
//   - capture: ledger, in-flight counter, frame pool, admission, correlator
//     and the session that drives a burst through Idle, Capturing and
//     Stopping.
//   - source/simulated, source/natsbridge: frame sources. The bridge talks
//     to a remote camera over NATS; its Relay serves a local source.
//   - sink, sink/filesink, sink/objectstore: persistence of matched pairs.
//   - gateway/websocket: pushes progress to UI clients.
//   - config, errors, health, metric, natsclient, pkg/*: shared plumbing.
//   - cmd/pani: the command line.
//
// # Resource bounds
//
// Camera buffers are scarce. The pool holds at most PoolCapacity frames and
// admission keeps at most PoolCapacity minus Reserve requests in flight, so
// a burst never asks the camera for more buffers than it can hold. Every
// frame is released exactly once: by the sink after a match, or by the
// engine when it turns out stale, overflows the pool, or is left over when
// a burst drains.
package pani
