package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]extraction.Job
	documents map[string][]extraction.DocumentRecord
	now       func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]extraction.Job),
		documents: make(map[string][]extraction.DocumentRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job extraction.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status and counters for a job. Terminal jobs
// are not moved again.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status extraction.JobStatus,
	errText string,
	counters extraction.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	now := s.now()
	if status == extraction.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.Terminal() {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// RecordDocument appends a document row for a job.
func (s *JobStore) RecordDocument(_ context.Context, rec extraction.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[rec.JobID]; !ok {
		return ErrJobNotFound
	}
	s.documents[rec.JobID] = append(s.documents[rec.JobID], rec)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (extraction.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return extraction.Job{}, ErrJobNotFound
	}
	return job, nil
}

// ListDocuments returns all recorded documents for a job.
func (s *JobStore) ListDocuments(_ context.Context, jobID string) ([]extraction.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	docs := s.documents[jobID]
	out := make([]extraction.DocumentRecord, len(docs))
	copy(out, docs)
	return out, nil
}
