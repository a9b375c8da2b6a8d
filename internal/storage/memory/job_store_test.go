package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := extraction.Job{ID: "job-1", Status: extraction.JobStatusQueued}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job), "duplicate job")
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, extraction.JobStatusRunning, "", extraction.JobCounters{}))

	rec := extraction.DocumentRecord{JobID: job.ID, URL: "https://example.com"}
	require.NoError(t, store.RecordDocument(ctx, rec))
	docs, err := store.ListDocuments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	docs[0].URL = "modified"
	require.Equal(t, "https://example.com", store.documents[job.ID][0].URL, "ListDocuments returns a copy")

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, extraction.JobStatusSucceeded, "done", extraction.JobCounters{Succeeded: 1}))
	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, extraction.JobStatusSucceeded, final.Status)
	require.NotNil(t, final.Started)
	require.NotNil(t, final.Finished)
	require.Equal(t, "done", final.ErrorText)
	require.Equal(t, 1, final.Counters.Succeeded)

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, extraction.JobStatusRunning, "", extraction.JobCounters{}))
	final, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, extraction.JobStatusSucceeded, final.Status, "terminal jobs stay terminal")
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = store.ListDocuments(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.ErrorIs(t, store.RecordDocument(ctx, extraction.DocumentRecord{JobID: "missing"}), ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJobStatus(ctx, "missing", extraction.JobStatusFailed, "", extraction.JobCounters{}), ErrJobNotFound)
}
