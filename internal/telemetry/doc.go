// Package telemetry exposes Prometheus metrics for a cluster node.
package telemetry
