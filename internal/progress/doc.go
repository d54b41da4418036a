// Package progress is the in-process event bus for crawl runs. Producers
// publish log, progress, and job-state events without blocking; each
// subscriber reads from its own bounded buffer, and a replay buffer lets late
// subscribers catch up on recent history. A batching Hub forwards the same
// stream to export sinks such as Prometheus, Kafka, or Pub/Sub.
package progress
