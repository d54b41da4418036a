// Package sinks implements export consumers for bus events: Prometheus
// metrics, structured logging, and broker publishing. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
