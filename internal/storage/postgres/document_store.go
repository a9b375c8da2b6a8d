package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

// DocumentStore writes document rows into Postgres.
type DocumentStore struct {
	db    DB
	table string
}

// NewDocumentStore builds a store over db. table defaults to "documents".
func NewDocumentStore(db DB, table string) (*DocumentStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	table, err := checkTable(table, "documents")
	if err != nil {
		return nil, err
	}
	return &DocumentStore{db: db, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// StoreDocument inserts one document row. Re-delivery of the same id is a
// no-op.
func (s *DocumentStore) StoreDocument(ctx context.Context, rec extraction.DocumentRecord) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job_id,
	url,
	status_code,
	extracted_at,
	content_hash,
	blob_uri,
	title,
	word_count,
	failure_kind,
	failure_text,
	instance_id,
	usage
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (id) DO NOTHING`, s.table)

	args := []any{
		rec.ID,
		rec.JobID,
		rec.URL,
		rec.StatusCode,
		rec.ExtractedAt,
		rec.ContentHash,
		rec.BlobURI,
		rec.Title,
		rec.WordCount,
		string(rec.FailureKind),
		rec.FailureText,
		rec.InstanceID,
		usageJSON,
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}
