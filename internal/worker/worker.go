// Package worker implements the extraction pipeline execution loop: each
// queued job is fetched when needed, extracted in the sandbox, stored, and
// announced.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/telemetry"
)

const documentContentType = "application/json"

// Config controls Worker behavior.
type Config struct {
	BlobPrefix       string
	Topic            string
	MaxRetries       int
	RetryBackoffBase time.Duration
}

// Deps are the collaborators a Worker drives. Fetcher, Limiter, Documents
// and Publisher are optional.
type Deps struct {
	Queue     extraction.Queue
	Jobs      extraction.JobStore
	Documents extraction.DocumentStore
	Blobs     extraction.BlobStore
	Publisher extraction.Publisher
	Extractor extraction.Extractor
	Fetcher   extraction.Fetcher
	Limiter   extraction.Limiter
	Hasher    extraction.Hasher
	Clock     extraction.Clock
	IDs       extraction.IDGenerator
}

// Worker consumes queue items and executes the extraction pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	retry  retryPolicy
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		retry:  newRetryPolicy(cfg.MaxRetries, cfg.RetryBackoffBase),
		logger: logger,
		tracer: otel.Tracer("github.com/JakeFAU/realtime-cpi-extractor/internal/worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, extraction.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

// target is one document to produce: either inline HTML or a URL to fetch.
type target struct {
	req     extraction.Request
	fetched bool
}

func targetsOf(params extraction.JobParameters) []target {
	out := make([]target, 0, len(params.Documents)+len(params.URLs))
	for _, d := range params.Documents {
		out = append(out, target{req: d})
	}
	for _, u := range params.URLs {
		out = append(out, target{req: extraction.Request{URL: u}, fetched: true})
	}
	return out
}

func (w *Worker) processJob(ctx context.Context, item extraction.QueueItem) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	ctx, span := w.tracer.Start(ctx, "worker.job", trace.WithAttributes(attribute.String("job.id", item.JobID)))
	defer span.End()

	if job, err := w.deps.Jobs.GetJob(ctx, item.JobID); err == nil && job.Status.Terminal() {
		w.logger.Info("skipping finished job", zap.String("job_id", item.JobID), zap.String("status", string(job.Status)))
		return
	}

	counters := extraction.JobCounters{}
	if err := w.deps.Jobs.UpdateJobStatus(ctx, item.JobID, extraction.JobStatusRunning, "", counters); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}

	var errText string
	for _, t := range targetsOf(item.Params) {
		if ctx.Err() != nil {
			break
		}
		if err := w.handleTarget(ctx, item, t); err != nil {
			counters.Failed++
			errText = err.Error()
			continue
		}
		counters.Succeeded++
	}

	status, errText := w.deriveFinalStatus(ctx, counters, errText)
	if status != extraction.JobStatusSucceeded {
		span.SetStatus(codes.Error, errText)
	}
	telemetry.ObserveJob(string(status))

	// The job context may already be canceled; the final status still has to
	// land.
	if err := w.deps.Jobs.UpdateJobStatus(context.WithoutCancel(ctx), item.JobID, status, errText, counters); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
	w.logger.Info("job finished",
		zap.String("job_id", item.JobID),
		zap.String("status", string(status)),
		zap.Int("succeeded", counters.Succeeded),
		zap.Int("failed", counters.Failed),
	)
}

// handleTarget produces and records one document row. A non-nil error means
// the document counts as failed.
func (w *Worker) handleTarget(ctx context.Context, item extraction.QueueItem, t target) error {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	rec := extraction.DocumentRecord{ID: id, JobID: item.JobID, URL: t.req.URL}
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("url", t.req.URL))

	req := t.req
	fetchedBytes := 0
	if t.fetched {
		resp, err := w.fetch(ctx, item.JobID, t.req.URL)
		if err != nil {
			logger.Warn("fetch failed", zap.Error(err))
			rec.FailureText = err.Error()
			return w.finish(ctx, rec, err, fetchedBytes)
		}
		rec.StatusCode = resp.StatusCode
		fetchedBytes = len(resp.Body)
		req.HTML = string(resp.Body)
	}

	out := w.extract(ctx, req, item.Params.Mode)
	rec.InstanceID = out.InstanceID
	rec.Usage = out.Usage
	if !out.OK() {
		rec.FailureKind = out.Failure.Kind
		rec.FailureText = out.Failure.Message
		logger.Warn("extraction failed", zap.String("kind", string(out.Failure.Kind)), zap.String("message", out.Failure.Message))
		return w.finish(ctx, rec, out.Err(), fetchedBytes)
	}

	if err := w.persist(ctx, &rec, *out.Document); err != nil {
		logger.Error("persist document failed", zap.Error(err))
		rec.FailureText = err.Error()
		return w.finish(ctx, rec, err, fetchedBytes)
	}
	if err := w.publishResult(ctx, rec); err != nil {
		logger.Error("publish document failed", zap.Error(err))
		rec.FailureText = err.Error()
		return w.finish(ctx, rec, err, fetchedBytes)
	}
	logger.Debug("document processed", zap.String("blob_uri", rec.BlobURI))
	return w.finish(ctx, rec, nil, fetchedBytes)
}

// finish stamps and records rec, returning cause (or the recording error).
func (w *Worker) finish(ctx context.Context, rec extraction.DocumentRecord, cause error, fetchedBytes int) error {
	rec.ExtractedAt = w.deps.Clock.Now()
	outcome := "ok"
	if cause != nil {
		outcome = string(rec.FailureKind)
		if outcome == "" {
			outcome = "pipeline_error"
		}
	}
	telemetry.ObserveDocument(rec.URL, outcome, fetchedBytes)

	if err := w.deps.Jobs.RecordDocument(ctx, rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record document: %w", err))
	}
	if w.deps.Documents != nil {
		if err := w.deps.Documents.StoreDocument(ctx, rec); err != nil {
			return errors.Join(cause, fmt.Errorf("store document: %w", err))
		}
	}
	return cause
}

func (w *Worker) fetch(ctx context.Context, jobID, url string) (extraction.FetchResponse, error) {
	if w.deps.Fetcher == nil {
		return extraction.FetchResponse{}, errors.New("no fetcher configured")
	}
	for attempt := 0; ; attempt++ {
		if w.deps.Limiter != nil {
			if err := w.deps.Limiter.Wait(ctx, url); err != nil {
				return extraction.FetchResponse{}, err
			}
		}
		resp, err := w.deps.Fetcher.Fetch(ctx, extraction.FetchRequest{JobID: jobID, URL: url})
		if err == nil {
			return resp, nil
		}
		if !w.retry.shouldRetry(err, attempt) {
			return extraction.FetchResponse{}, fmt.Errorf("fetch: %w", err)
		}
		if err := sleep(ctx, w.retry.backoff(attempt)); err != nil {
			return extraction.FetchResponse{}, fmt.Errorf("fetch: %w", err)
		}
	}
}

func (w *Worker) extract(ctx context.Context, req extraction.Request, mode extraction.Mode) extraction.Outcome {
	for attempt := 0; ; attempt++ {
		out := w.deps.Extractor.Extract(ctx, req, mode)
		if out.OK() || !w.retry.shouldRetry(out.Err(), attempt) {
			return out
		}
		if err := sleep(ctx, w.retry.backoff(attempt)); err != nil {
			return out
		}
	}
}

// persist writes the document JSON to the blob store, keyed by its digest.
func (w *Worker) persist(ctx context.Context, rec *extraction.DocumentRecord, doc extraction.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	hash, err := w.deps.Hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash document: %w", err)
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.buildBlobPath(rec.JobID, hash), documentContentType, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	rec.ContentHash = hash
	rec.BlobURI = uri
	if doc.Title != nil {
		rec.Title = *doc.Title
	}
	if doc.WordCount != nil {
		rec.WordCount = *doc.WordCount
	}
	return nil
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, jobID, hash)
}

func (w *Worker) publishResult(ctx context.Context, rec extraction.DocumentRecord) error {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return nil
	}
	payload := map[string]any{
		"job_id":      rec.JobID,
		"document_id": rec.ID,
		"url":         rec.URL,
		"blob_uri":    rec.BlobURI,
		"hash":        rec.ContentHash,
		"title":       rec.Title,
		"word_count":  rec.WordCount,
		"timestamp":   w.deps.Clock.Now().Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	return nil
}

func (w *Worker) deriveFinalStatus(
	ctx context.Context,
	counters extraction.JobCounters,
	errText string,
) (extraction.JobStatus, string) {
	if counters.Succeeded == 0 && errText == "" {
		errText = "no documents were extracted"
	}

	switch {
	case ctx.Err() != nil:
		return extraction.JobStatusCanceled, errText
	case counters.Succeeded == 0:
		return extraction.JobStatusFailed, errText
	default:
		return extraction.JobStatusSucceeded, errText
	}
}
