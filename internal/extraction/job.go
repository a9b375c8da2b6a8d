package extraction

import "time"

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobParameters captures what the client asked to extract.
type JobParameters struct {
	URLs      []string          `json:"urls" mapstructure:"urls"`
	Mode      Mode              `json:"mode" mapstructure:"mode"`
	Tags      map[string]string `json:"tags,omitempty" mapstructure:"tags"`
	Documents []Request         `json:"-"`
}

// Job represents the metadata persisted for each submitted extraction job.
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// JobCounters tracks success/failure stats per job.
type JobCounters struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// DocumentRecord is persisted for each extraction attempt within a job.
type DocumentRecord struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	Title       string    `json:"title,omitempty"`
	WordCount   int       `json:"word_count,omitempty"`
	FailureKind Kind      `json:"failure_kind,omitempty"`
	FailureText string    `json:"failure_text,omitempty"`
	InstanceID  string    `json:"instance_id,omitempty"`
	Usage       Usage     `json:"usage"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Params    JobParameters
	Attempt   int
	Submitted int64
}

// JobResult is returned by the API documents endpoint.
type JobResult struct {
	Job       Job              `json:"job"`
	Documents []DocumentRecord `json:"documents"`
}

// CallRecord is the durable audit row for one sandboxed call.
type CallRecord struct {
	ContextID   string    `json:"context_id"`
	InstanceID  string    `json:"instance_id"`
	Operation   string    `json:"operation"`
	URL         string    `json:"url,omitempty"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	Usage       Usage     `json:"usage"`
}
