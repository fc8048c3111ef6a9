// Package api implements ciforge's HTTP surface: job submission (three
// variants), SSE log streaming, job listing/detail, and the
// unauthenticated /health, /ready and /metrics endpoints.
//
// Every mutation goes through pkg/storage; every long-lived stream reads
// from pkg/sandbox. The API never starts a sandbox directly — that is
// pkg/controller's exclusive responsibility.
package api
