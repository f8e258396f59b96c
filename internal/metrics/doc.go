// Package metrics defines the coordinator's Prometheus instrumentation: a
// private registry the coordinator service owns and serves at /metrics,
// plus the handful of counters, gauges, and a histogram the other
// components feed.
//
// The registry is private rather than the global
// prometheus.DefaultRegisterer so a coordinator can be constructed more
// than once in a test process (the default registry panics on a second
// registration of the same metric name).
package metrics
