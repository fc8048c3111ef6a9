// Package metrics defines ciforge's Prometheus collectors, a periodic
// Collector that refreshes job-count gauges from the store, and a small
// Timer helper.
//
// Metrics are grouped by the component that owns them: job lifecycle
// (ciforge_jobs_*), the HTTP API (ciforge_api_*, ciforge_sse_*), the
// sandbox driver (ciforge_sandbox_*), the controller's reconciliation
// loop (ciforge_reconciliation_*), and authentication
// (ciforge_auth_failures_total). All are registered at package init and
// exposed via Handler() on /metrics.
package metrics
