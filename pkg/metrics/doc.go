/*
Package metrics defines and registers the installer's Prometheus metrics:
per-phase duration, migration timing, deployed file/byte counters, archive
export size and row counts, and the current license status. Metrics are
registered against the default registry at package init and served via
Handler() from the installer's optional diagnostics endpoint.
*/
package metrics
