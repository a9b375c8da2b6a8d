package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

type extractRequest struct {
	URL       string   `json:"url"`
	HTML      string   `json:"html"`
	Mode      string   `json:"mode"`
	Selectors []string `json:"selectors"`
}

type validateRequest struct {
	HTML string `json:"html"`
}

type jobRequest struct {
	URLs      []string             `json:"urls"`
	Documents []extraction.Request `json:"documents"`
	Mode      string               `json:"mode"`
	Selectors []string             `json:"selectors"`
	Tags      map[string]string    `json:"tags"`
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := extraction.ParseMode(req.Mode, req.Selectors)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.HTML == "" && req.URL != "" {
		if s.deps.Fetcher == nil {
			writeError(w, http.StatusBadRequest, "html required")
			return
		}
		if err := validateURL(req.URL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp, err := s.deps.Fetcher.Fetch(r.Context(), extraction.FetchRequest{URL: req.URL})
		if err != nil {
			s.logger.Warn("fetch for extract failed", zap.String("url", req.URL), zap.Error(err))
			writeError(w, http.StatusBadGateway, fmt.Sprintf("fetch failed: %v", err))
			return
		}
		req.HTML = string(resp.Body)
		if resp.URL != "" {
			req.URL = resp.URL
		}
	}

	out := s.deps.Runtime.Extract(r.Context(), extraction.Request{URL: req.URL, HTML: req.HTML}, mode)
	if out.Failure != nil {
		writeFailure(w, out.Failure, &out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	ok, failure := s.deps.Runtime.ValidateInput(r.Context(), req.HTML)
	if failure != nil {
		writeFailure(w, failure, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (s *Server) runtimeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runtime.HealthCheck(r.Context()))
}

func (s *Server) runtimeInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runtime.Info())
}

func (s *Server) runtimeReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Runtime.Reset()
	s.logger.Warn("circuit reset via API", zap.String("request_id", requestID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !s.decode(w, r, &req) {
		return
	}
	params, err := toJobParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.enqueueJob(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobDocuments(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	docs, err := s.deps.Jobs.ListDocuments(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list documents failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch job documents")
		return
	}
	writeJSON(w, http.StatusOK, extraction.JobResult{Job: job, Documents: docs})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}
	if err := s.deps.Jobs.UpdateJobStatus(
		r.Context(),
		jobID,
		extraction.JobStatusCanceled,
		"canceled via API",
		job.Counters,
	); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(extraction.JobStatusCanceled)})
}

func (s *Server) enqueueJob(ctx context.Context, params extraction.JobParameters) (string, error) {
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.deps.Clock.Now()
	job := extraction.Job{
		ID:         jobID,
		Status:     extraction.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := extraction.QueueItem{
		JobID:     jobID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.deps.Queue.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

// decode reads a JSON body bounded by server.max_body_bytes and writes the
// error response itself when it fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := r.Body
	if limit := s.cfg.Server.MaxBodyBytes; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func toJobParameters(req jobRequest) (extraction.JobParameters, error) {
	if len(req.URLs) == 0 && len(req.Documents) == 0 {
		return extraction.JobParameters{}, errors.New("urls or documents required")
	}
	for _, u := range req.URLs {
		if err := validateURL(u); err != nil {
			return extraction.JobParameters{}, err
		}
	}
	for i, d := range req.Documents {
		if d.HTML == "" {
			return extraction.JobParameters{}, fmt.Errorf("documents[%d]: html required", i)
		}
	}
	mode, err := extraction.ParseMode(req.Mode, req.Selectors)
	if err != nil {
		return extraction.JobParameters{}, err
	}
	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return extraction.JobParameters{
		URLs:      req.URLs,
		Mode:      mode,
		Tags:      tags,
		Documents: req.Documents,
	}, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}
