package extraction

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ModeKind selects how much of a page the guest extractor returns.
type ModeKind string

// Supported extraction modes.
const (
	ModeArticle  ModeKind = "article"
	ModeFull     ModeKind = "full"
	ModeMetadata ModeKind = "metadata"
	ModeCustom   ModeKind = "custom"
)

// Mode is the host form of an extraction mode. Selectors are only meaningful
// for ModeCustom.
type Mode struct {
	Kind      ModeKind `json:"kind"`
	Selectors []string `json:"selectors,omitempty"`
}

// ParseMode converts the user-facing mode string into a Mode.
func ParseMode(kind string, selectors []string) (Mode, error) {
	m := Mode{Kind: ModeKind(strings.ToLower(strings.TrimSpace(kind))), Selectors: selectors}
	if m.Kind == "" {
		m.Kind = ModeArticle
	}
	if err := m.Validate(); err != nil {
		return Mode{}, err
	}
	return m, nil
}

// Validate checks the mode kind and the custom selector requirement.
func (m Mode) Validate() error {
	switch m.Kind {
	case ModeArticle, ModeFull, ModeMetadata:
		if len(m.Selectors) > 0 {
			return fmt.Errorf("selectors are only valid for %q mode", ModeCustom)
		}
		return nil
	case ModeCustom:
		if len(m.Selectors) == 0 {
			return fmt.Errorf("%q mode requires at least one selector", ModeCustom)
		}
		for _, s := range m.Selectors {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("selectors must not be blank")
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown extraction mode %q", m.Kind)
	}
}

// Request is the unit of work handed to the runtime.
type Request struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// Document is the host form of extracted content.
type Document struct {
	URL            string     `json:"url"`
	Title          *string    `json:"title,omitempty"`
	Byline         *string    `json:"byline,omitempty"`
	Published      *time.Time `json:"published,omitempty"`
	Markdown       *string    `json:"markdown,omitempty"`
	Text           string     `json:"text"`
	Links          []string   `json:"links,omitempty"`
	Media          []string   `json:"media,omitempty"`
	Language       *string    `json:"language,omitempty"`
	ReadingMinutes *int       `json:"reading_minutes,omitempty"`
	Quality        *float64   `json:"quality,omitempty"`
	WordCount      *int       `json:"word_count,omitempty"`
	Categories     []string   `json:"categories,omitempty"`
	SiteName       *string    `json:"site_name,omitempty"`
	Description    *string    `json:"description,omitempty"`
}

// Usage reports the resources one sandboxed call consumed.
type Usage struct {
	PagesUsed    uint32        `json:"pages_used"`
	PeakPages    uint32        `json:"peak_pages"`
	GrowFailures uint64        `json:"grow_failures"`
	FuelUsed     uint64        `json:"fuel_used"`
	WallTime     time.Duration `json:"wall_time_ns"`
}

// Outcome is the tagged result of one extraction call. Exactly one of
// Document and Failure is set.
type Outcome struct {
	Document   *Document `json:"document,omitempty"`
	Failure    *Failure  `json:"failure,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	ContextID  string    `json:"context_id,omitempty"`
	Usage      Usage     `json:"usage"`
}

// Succeeded builds a success outcome.
func Succeeded(doc Document) Outcome {
	return Outcome{Document: &doc}
}

// Failed builds a failure outcome.
func Failed(f *Failure) Outcome {
	return Outcome{Failure: f}
}

// OK reports whether the call produced a document.
func (o Outcome) OK() bool {
	return o.Failure == nil && o.Document != nil
}

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// ComponentInfo describes the loaded guest component.
type ComponentInfo struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	ContractVersion string   `json:"contract_version"`
	Features        []string `json:"features"`
	SupportedModes  []string `json:"supported_modes"`
	Digest          string   `json:"digest"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// RobotsIndeterminate is set when robots.txt could not be read and the
	// fetch fell back to allow-all.
	RobotsIndeterminate bool
}
