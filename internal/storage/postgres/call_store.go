package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

var callColumns = []string{
	"context_id",
	"instance_id",
	"operation",
	"url",
	"outcome",
	"reason",
	"completed_at",
	"pages_used",
	"peak_pages",
	"grow_failures",
	"fuel_used",
	"wall_time_ms",
}

// CallStore bulk-loads sandbox call audit rows with COPY.
type CallStore struct {
	db    DB
	table string
}

// NewCallStore builds a store over db. table defaults to "sandbox_calls".
func NewCallStore(db DB, table string) (*CallStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	table, err := checkTable(table, "sandbox_calls")
	if err != nil {
		return nil, err
	}
	return &CallStore{db: db, table: table}, nil
}

// InsertCalls copies the batch in one round trip.
func (s *CallStore) InsertCalls(ctx context.Context, calls []extraction.CallRecord) error {
	if len(calls) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(calls))
	for _, c := range calls {
		rows = append(rows, []any{
			c.ContextID,
			c.InstanceID,
			c.Operation,
			c.URL,
			c.Outcome,
			c.Reason,
			c.CompletedAt,
			int64(c.Usage.PagesUsed),
			int64(c.Usage.PeakPages),
			int64(c.Usage.GrowFailures),
			int64(c.Usage.FuelUsed),
			c.Usage.WallTime.Milliseconds(),
		})
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{s.table}, callColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy calls: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy calls: wrote %d of %d rows", n, len(rows))
	}
	return nil
}
