// Package governance holds the admission controls that protect the chat
// pipeline and its upstream model.
//
// RateLimiter enforces several token-bucket bandwidths per admission key
// without background goroutines: refill is computed lazily on each consume,
// and idle buckets are dropped opportunistically when a new key arrives.
// CircuitBreaker stops calling an upstream that keeps failing.
package governance
