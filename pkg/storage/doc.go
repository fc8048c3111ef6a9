// Package storage provides the embedded, durable store for ciforge's
// identity and job state.
//
// BoltStore is the only implementation; it keeps one bucket per entity
// plus two secondary-index buckets (api key hash -> id, job id by user)
// so lookups that matter on the request hot path don't require a full
// bucket scan. Every exported method is a single bbolt transaction.
package storage
