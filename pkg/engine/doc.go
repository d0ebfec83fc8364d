// Package engine runs chat exchanges through the admission and masking pipeline.
//
// Layout:
//
// pipeline.go     - Pipeline: validate, admit, mask, complete, unmask, audit
// http_handler.go - ChatHandler serving POST /v1/chat
// admin.go        - admin mux (/healthz, /metrics, /debug/ratelimit)
// metrics.go      - Prometheus metrics and request middleware
//
// A message moves RECEIVED -> VALIDATED -> ADMITTED -> MASKED -> COMPLETED, or
// stops at REJECTED_INPUT or REJECTED_RATE_LIMIT. Only masked text ever leaves
// the process or reaches the audit sink.
package engine
