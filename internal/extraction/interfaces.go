package extraction

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrQueueClosed is returned by Queue.Dequeue once the queue is closed and
// drained.
var ErrQueueClosed = errors.New("queue closed")

// JobStore persists job and document metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	RecordDocument(ctx context.Context, rec DocumentRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListDocuments(ctx context.Context, jobID string) ([]DocumentRecord, error)
}

// DocumentStore is the durable index of extracted documents.
type DocumentStore interface {
	StoreDocument(ctx context.Context, rec DocumentRecord) error
	Close()
}

// CallStore persists sandbox call audit rows.
type CallStore interface {
	InsertCalls(ctx context.Context, calls []CallRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion and alarm messages to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue provides enqueue/dequeue semantics for extraction jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Limiter throttles outbound fetches per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Extractor runs one extraction. The sandbox runtime satisfies it.
type Extractor interface {
	Extract(ctx context.Context, req Request, mode Mode) Outcome
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
