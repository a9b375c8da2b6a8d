package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

// StoreSink persists completed calls as audit rows, one insert per batch.
type StoreSink struct {
	store extraction.CallStore
}

// NewStoreSink constructs a StoreSink for the provided call store.
func NewStoreSink(store extraction.CallStore) *StoreSink {
	return &StoreSink{store: store}
}

// Consume writes the CALL_COMPLETED events of batch.
func (s *StoreSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	var calls []extraction.CallRecord
	for _, evt := range batch {
		if evt.Kind == events.KindCallCompleted && evt.ContextID != "" {
			calls = append(calls, evt.CallRecord())
		}
	}
	if len(calls) == 0 {
		return nil
	}
	if err := s.store.InsertCalls(ctx, calls); err != nil {
		return fmt.Errorf("insert call records: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
