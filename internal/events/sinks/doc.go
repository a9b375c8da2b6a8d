// Package sinks implements concrete event consumers: Prometheus metrics,
// call-record storage, alarm publishing and structured logging. Each sink
// satisfies events.Sink.
package sinks
