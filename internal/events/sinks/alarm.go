package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

// AlarmSink publishes ALARM events to a topic for operators.
type AlarmSink struct {
	publisher extraction.Publisher
	topic     string
}

// NewAlarmSink publishes alarms through publisher to topic.
func NewAlarmSink(publisher extraction.Publisher, topic string) (*AlarmSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("alarm topic is required")
	}
	return &AlarmSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes each alarm in batch and joins any publish errors.
func (s *AlarmSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Kind != events.KindAlarm {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish alarm %s: %w", evt.Reason, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *AlarmSink) Close(context.Context) error {
	return nil
}
