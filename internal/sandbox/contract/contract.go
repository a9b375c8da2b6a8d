// Package contract declares the guest side of the sandbox interface: the
// exported functions every component must provide, the record shapes that
// cross the boundary, and the JSON schemas used to check them at load time
// and on every call.
package contract

import "strings"

// Version is the contract version the host speaks. Components must report a
// ContractVersion with the same major number.
const Version = "1.0"

// Exported function names every component must define.
const (
	ExportExtract       = "extract"
	ExportValidateInput = "validate_input"
	ExportHealthCheck   = "health_check"
	ExportGetInfo       = "get_info"
)

// Exports lists the required exports in a stable order.
var Exports = []string{ExportExtract, ExportValidateInput, ExportHealthCheck, ExportGetInfo}

// Mode tags understood by the contract.
const (
	ModeArticle  = "article"
	ModeFull     = "full"
	ModeMetadata = "metadata"
	ModeCustom   = "custom"
)

// Error variants a component may return. The set is closed on the host side;
// anything else is treated as unsupported.
const (
	VariantInvalidHTML     = "invalid-html"
	VariantNetworkError    = "network-error"
	VariantParseError      = "parse-error"
	VariantResourceLimit   = "resource-limit"
	VariantExtractorError  = "extractor-error"
	VariantInternalError   = "internal-error"
	VariantUnsupportedMode = "unsupported-mode"
)

// Mode selects an extraction strategy.
type Mode struct {
	Tag       string   `json:"tag"`
	Selectors []string `json:"selectors,omitempty"`
}

// Request is the argument of extract.
type Request struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
	Mode Mode   `json:"mode"`
}

// Content is the success payload of extract.
type Content struct {
	URL          string   `json:"url"`
	Title        *string  `json:"title,omitempty"`
	Byline       *string  `json:"byline,omitempty"`
	PublishedISO *string  `json:"published_iso,omitempty"`
	Markdown     string   `json:"markdown"`
	Text         string   `json:"text"`
	Links        []string `json:"links"`
	Media        []string `json:"media"`
	Language     *string  `json:"language,omitempty"`
	ReadingTime  *int     `json:"reading_time,omitempty"`
	QualityScore *int     `json:"quality_score,omitempty"`
	WordCount    *int     `json:"word_count,omitempty"`
	Categories   []string `json:"categories"`
	SiteName     *string  `json:"site_name,omitempty"`
	Description  *string  `json:"description,omitempty"`
}

// Error is the failure payload returned by a component.
type Error struct {
	Variant string `json:"variant"`
	Message string `json:"message"`
}

// Result is the return value of extract: exactly one of Ok and Err is set.
type Result struct {
	Ok  *Content `json:"ok,omitempty"`
	Err *Error   `json:"err,omitempty"`
}

// Validation is the return value of validate_input.
type Validation struct {
	Ok  *bool  `json:"ok,omitempty"`
	Err *Error `json:"err,omitempty"`
}

// HealthStatus is the return value of health_check.
type HealthStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	MemoryUsage *int   `json:"memory_usage,omitempty"`
}

// ComponentInfo is the return value of get_info.
type ComponentInfo struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	ContractVersion string   `json:"contract_version"`
	Features        []string `json:"features"`
	SupportedModes  []string `json:"supported_modes"`
}

// Compatible reports whether a component contract version can be served.
func Compatible(v string) bool {
	major, _, _ := strings.Cut(strings.TrimSpace(v), ".")
	want, _, _ := strings.Cut(Version, ".")
	return major != "" && major == want
}
