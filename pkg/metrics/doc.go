/*
Package metrics exports Prometheus instrumentation for the agent.

The reconciliation loop is the main instrumented surface: tick count and
duration, per-kind error counters, and gauges for committed executions,
live supervisors and the desired table size. Handler exposes the
standard promhttp endpoint; the daemon serves it on the configured
metrics address.
*/
package metrics
