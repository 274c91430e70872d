// Package forwarder implements the rate-limited delivery queue.
//
// Candidates enter through Enqueue and are drained by a single worker in
// strict FIFO order. Per entry the worker: waits out the rate discipline
// (minimum inter-send delay, then the per-second ceiling), claims the
// candidate's dedup key in durable storage, resolves the source channel,
// and forwards the message to every configured target in order.
//
// Delivery semantics
//
// The dedup claim happens immediately before the fetch, so a crash
// between claim and send loses at most the in-flight candidate and never
// double-forwards. Per-target send failures are contained: a failing
// target delays but never prevents delivery to the remaining targets.
// Fetch failures leave the key claimed; re-posting the same link is
// treated as a duplicate, not retried.
package forwarder
