/*
Package metrics exposes Prometheus metrics for Loom's synchronization core:
event and barrier lifecycle counters, free-list depth, and envelope traffic by
message kind. Call Register once at startup and Serve to expose /metrics.
*/
package metrics
