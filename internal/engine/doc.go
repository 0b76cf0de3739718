// Package engine wires the runtime together: it owns the stream and
// query registries, admits events at ingress, and propagates them
// through each subscribed query's compiled stage chain to its sinks.
//
// ARCHITECTURE:
//
// Per-Query Serialization:
// Each query owns one mutex; every event destined for the query - from
// any producer thread, and every retraction produced by a window expiry
// consumer - is applied to the query's stages while holding it. Matcher
// state therefore sees a single, well-defined application order even
// with concurrent producers on different streams.
//
// Event Processing Flow:
//  1. Send validates values against the stream's declared schema
//     (violation: fault event to the subscribed queries' sinks, the
//     pipeline continues)
//  2. The event is stamped with a timestamp and an arrival sequence
//     number from the monotonic Clock
//  3. For each subscribed query, in subscription order: lock, run the
//     chain, deliver the terminal effects to the query's sinks, unlock
//  4. Send returns once every synchronous downstream effect has
//     propagated
//
// Background work is limited to expiry consumers: one per time window
// and one per time-bounded pattern, each blocking on a scheduler
// queue's TakeExpired and re-entering the query lock to apply
// evictions. Nothing in the engine is fatal to the process; failures
// degrade a single query or a single event.
package engine
