package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
)

// LogSink writes every event as a structured log line. Alarms are logged at
// error level, everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.InstanceID != "" {
			fields = append(fields, zap.String("instance_id", evt.InstanceID))
		}
		if evt.ContextID != "" {
			fields = append(fields, zap.String("context_id", evt.ContextID))
		}
		if evt.Operation != "" {
			fields = append(fields,
				zap.String("operation", evt.Operation),
				zap.String("outcome", evt.Outcome),
				zap.Duration("dur", evt.Dur),
				zap.Uint64("fuel_used", evt.Usage.FuelUsed),
				zap.Uint32("peak_pages", evt.Usage.PeakPages),
			)
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.From != "" {
			fields = append(fields, zap.String("from", evt.From), zap.String("to", evt.To))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Kind == events.KindAlarm {
			s.logger.Error("Runtime alarm", fields...)
			continue
		}
		s.logger.Debug("Runtime event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
