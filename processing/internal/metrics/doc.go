// Package metrics renders processing statistics and stream counters in the
// Prometheus text exposition format.
//
// There is no registry: every scrape calls a Collect function for a fresh
// Snapshot and builds client_model metric families from it, which expfmt then
// encodes. All counters are process lifetime totals except the per-session
// ones, which restart with every Start.
package metrics
