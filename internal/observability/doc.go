// Package observability provides structured logging and Prometheus metrics
// for the agent guard.
//
// This package implements:
//   - zap logger construction from level and format settings
//   - Verdict counters per stage and reason
//   - Operator alert counters for audit and config faults
//   - Evaluation latency and inference backend circuit state
package observability
