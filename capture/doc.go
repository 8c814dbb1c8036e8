// Package capture is the burst-capture correlation engine.
//
// A camera produces every frame as two independent artifacts: a completion
// event carrying the request's metadata and an image buffer delivered on a
// separate, unordered channel. Both carry the sensor timestamp. The engine
// submits requests at a target cadence, keeps the submitted requests in a
// ledger, buffers arriving images in a bounded pool and pairs each completion
// with the image sharing its timestamp, strictly in submission order.
//
// The moving parts, leaves first:
//
//   - FramePool: bounded FIFO of arrived images; overflowing images are
//     released immediately.
//   - Ledger: submitted, unresolved request tokens in submission order. Only
//     the head token may consume images.
//   - InFlight: count of unresolved requests, capped at pool capacity minus a
//     reserve. This is the backpressure on submission.
//   - Admission: the submitter. Waits for cadence and for in-flight room,
//     then records the token and hands the request to the FrameSource.
//   - Correlator: one invocation per completion event. Waits for its token
//     to reach the ledger head, then pops frames: older ones are stale and
//     released, an equal one is the match, a newer one means the camera
//     skipped this request's frame.
//   - Session: owns all of the above and runs the Idle, Capturing, Stopping
//     state machine. Stopping waits for in-flight work to resolve, then
//     releases whatever is left in the pool and stops the source.
//
// Every ImageFrame is released exactly once: by the sink after a match, or by
// the engine when it is stale, overflowing, left over at drain, or orphaned by
// a teardown.
//
// A completion that never arrives keeps its token at the ledger head and
// stalls every later token. The engine does not time this out on its own; a
// caller that gives up (Session.Stop with an expiring context, or a configured
// drain timeout) triggers a teardown that resolves every pending token.
package capture
