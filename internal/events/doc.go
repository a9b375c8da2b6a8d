// Package events carries the runtime's lifecycle stream: checkouts,
// instance churn, circuit transitions, completed calls and alarms. The Hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, call-record storage or an alarm topic.
package events
