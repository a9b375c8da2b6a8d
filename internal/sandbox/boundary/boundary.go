// Package boundary converts between host domain records (package extraction)
// and guest contract records (package contract). Every mapping is explicit
// and total: a value either converts field by field or fails with an error
// that names the field.
//
// Lossy fields, each covered by its own test:
//   - Document.Markdown: a nil and an empty host value both cross as "" and
//     come back as nil.
//   - Document.Quality: the 0..1 host score crosses as a whole percentage.
//     Scores outside 0..1, and NaN, are rejected rather than clamped.
//   - Document.Links, Media and Categories: a nil and an empty host list
//     both cross as [] and come back as nil.
package boundary

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/contract"
)

// ErrConversion reports a record that cannot be mapped across the boundary.
var ErrConversion = errors.New("boundary conversion failed")

// ErrUnsupported reports a guest tag or variant the host does not know.
var ErrUnsupported = errors.New("unsupported guest variant")

// ToGuestMode maps a host mode to its contract tag.
func ToGuestMode(m extraction.Mode) (contract.Mode, error) {
	var tag string
	switch m.Kind {
	case extraction.ModeArticle:
		tag = contract.ModeArticle
	case extraction.ModeFull:
		tag = contract.ModeFull
	case extraction.ModeMetadata:
		tag = contract.ModeMetadata
	case extraction.ModeCustom:
		tag = contract.ModeCustom
		if len(m.Selectors) == 0 {
			return contract.Mode{}, fmt.Errorf("%w: custom mode without selectors", ErrConversion)
		}
		return contract.Mode{Tag: tag, Selectors: cloneStrings(m.Selectors)}, nil
	default:
		return contract.Mode{}, fmt.Errorf("%w: mode %q", ErrConversion, m.Kind)
	}
	if len(m.Selectors) > 0 {
		return contract.Mode{}, fmt.Errorf("%w: selectors on %s mode", ErrConversion, m.Kind)
	}
	return contract.Mode{Tag: tag}, nil
}

// FromGuestMode maps a contract tag back to a host mode. Unknown tags fail
// closed with ErrUnsupported.
func FromGuestMode(m contract.Mode) (extraction.Mode, error) {
	switch m.Tag {
	case contract.ModeArticle:
		return extraction.Mode{Kind: extraction.ModeArticle}, nil
	case contract.ModeFull:
		return extraction.Mode{Kind: extraction.ModeFull}, nil
	case contract.ModeMetadata:
		return extraction.Mode{Kind: extraction.ModeMetadata}, nil
	case contract.ModeCustom:
		return extraction.Mode{Kind: extraction.ModeCustom, Selectors: cloneStrings(m.Selectors)}, nil
	default:
		return extraction.Mode{}, fmt.Errorf("%w: mode tag %q", ErrUnsupported, m.Tag)
	}
}

// ToGuestRequest builds the extract argument.
func ToGuestRequest(req extraction.Request, mode extraction.Mode) (contract.Request, error) {
	gm, err := ToGuestMode(mode)
	if err != nil {
		return contract.Request{}, err
	}
	return contract.Request{URL: req.URL, HTML: req.HTML, Mode: gm}, nil
}

// FromGuestRequest is the inverse of ToGuestRequest.
func FromGuestRequest(req contract.Request) (extraction.Request, extraction.Mode, error) {
	mode, err := FromGuestMode(req.Mode)
	if err != nil {
		return extraction.Request{}, extraction.Mode{}, err
	}
	return extraction.Request{URL: req.URL, HTML: req.HTML}, mode, nil
}

// ToGuestDocument maps a host document to contract content. It fails with
// ErrConversion when a field has no guest representation.
func ToGuestDocument(doc extraction.Document) (contract.Content, error) {
	quality, err := qualityToPercent(doc.Quality)
	if err != nil {
		return contract.Content{}, err
	}
	if doc.ReadingMinutes != nil && *doc.ReadingMinutes < 0 {
		return contract.Content{}, fmt.Errorf("%w: reading_minutes %d is negative", ErrConversion, *doc.ReadingMinutes)
	}
	if doc.WordCount != nil && *doc.WordCount < 0 {
		return contract.Content{}, fmt.Errorf("%w: word_count %d is negative", ErrConversion, *doc.WordCount)
	}
	c := contract.Content{
		URL:          doc.URL,
		Title:        cloneString(doc.Title),
		Byline:       cloneString(doc.Byline),
		Text:         doc.Text,
		Links:        nonNil(doc.Links),
		Media:        nonNil(doc.Media),
		Language:     cloneString(doc.Language),
		ReadingTime:  cloneInt(doc.ReadingMinutes),
		WordCount:    cloneInt(doc.WordCount),
		Categories:   nonNil(doc.Categories),
		SiteName:     cloneString(doc.SiteName),
		Description:  cloneString(doc.Description),
		QualityScore: quality,
	}
	if doc.Markdown != nil {
		c.Markdown = *doc.Markdown
	}
	if doc.Published != nil {
		s := doc.Published.UTC().Format(time.RFC3339Nano)
		c.PublishedISO = &s
	}
	return c, nil
}

// FromGuestDocument maps contract content to a host document.
func FromGuestDocument(c contract.Content) (extraction.Document, error) {
	doc := extraction.Document{
		URL:            c.URL,
		Title:          cloneString(c.Title),
		Byline:         cloneString(c.Byline),
		Text:           c.Text,
		Links:          cloneStrings(c.Links),
		Media:          cloneStrings(c.Media),
		Language:       cloneString(c.Language),
		ReadingMinutes: cloneInt(c.ReadingTime),
		WordCount:      cloneInt(c.WordCount),
		Categories:     cloneStrings(c.Categories),
		SiteName:       cloneString(c.SiteName),
		Description:    cloneString(c.Description),
	}
	if c.Markdown != "" {
		md := c.Markdown
		doc.Markdown = &md
	}
	if c.PublishedISO != nil {
		ts, err := time.Parse(time.RFC3339Nano, *c.PublishedISO)
		if err != nil {
			return extraction.Document{}, fmt.Errorf("%w: published_iso %q: %v", ErrConversion, *c.PublishedISO, err)
		}
		ts = ts.UTC()
		doc.Published = &ts
	}
	if c.QualityScore != nil {
		q := *c.QualityScore
		if q < 0 || q > 100 {
			return extraction.Document{}, fmt.Errorf("%w: quality_score %d outside 0..100", ErrConversion, q)
		}
		f := float64(q) / 100
		doc.Quality = &f
	}
	if c.ReadingTime != nil && *c.ReadingTime < 0 {
		return extraction.Document{}, fmt.Errorf("%w: reading_time %d is negative", ErrConversion, *c.ReadingTime)
	}
	if c.WordCount != nil && *c.WordCount < 0 {
		return extraction.Document{}, fmt.Errorf("%w: word_count %d is negative", ErrConversion, *c.WordCount)
	}
	return doc, nil
}

// FromGuestError maps a guest error variant onto the host taxonomy. Unknown
// variants become KindUnsupported rather than failing the host.
func FromGuestError(e contract.Error) *extraction.Failure {
	var kind extraction.Kind
	switch e.Variant {
	case contract.VariantInvalidHTML, contract.VariantParseError, contract.VariantUnsupportedMode:
		kind = extraction.KindInvalidInput
	case contract.VariantResourceLimit:
		kind = extraction.KindResourceLimit
	case contract.VariantNetworkError, contract.VariantExtractorError, contract.VariantInternalError:
		kind = extraction.KindSandboxFault
	default:
		return &extraction.Failure{
			Kind:    extraction.KindUnsupported,
			Message: fmt.Sprintf("unknown guest error variant %q: %s", e.Variant, e.Message),
			Variant: e.Variant,
			Err:     ErrUnsupported,
		}
	}
	return &extraction.Failure{Kind: kind, Message: e.Message, Variant: e.Variant}
}

// ToGuestError maps a host failure to the guest variant that produces it.
// Kinds the guest cannot report map to internal-error.
func ToGuestError(f extraction.Failure) contract.Error {
	if f.Variant != "" {
		return contract.Error{Variant: f.Variant, Message: f.Message}
	}
	variant := contract.VariantInternalError
	switch f.Kind {
	case extraction.KindInvalidInput:
		variant = contract.VariantInvalidHTML
	case extraction.KindResourceLimit:
		variant = contract.VariantResourceLimit
	case extraction.KindSandboxFault:
		variant = contract.VariantExtractorError
	}
	return contract.Error{Variant: variant, Message: f.Message}
}

// FromGuestResult unpacks an extract result. A result with neither or both
// arms set is a conversion failure.
func FromGuestResult(r contract.Result) (extraction.Document, *extraction.Failure) {
	switch {
	case r.Ok != nil && r.Err != nil:
		return extraction.Document{}, extraction.Wrap(extraction.KindConversion,
			fmt.Errorf("%w: result has both ok and err", ErrConversion))
	case r.Err != nil:
		return extraction.Document{}, FromGuestError(*r.Err)
	case r.Ok != nil:
		doc, err := FromGuestDocument(*r.Ok)
		if err != nil {
			return extraction.Document{}, extraction.Wrap(extraction.KindConversion, err)
		}
		return doc, nil
	default:
		return extraction.Document{}, extraction.Wrap(extraction.KindConversion,
			fmt.Errorf("%w: result has neither ok nor err", ErrConversion))
	}
}

// FromGuestValidation unpacks a validate_input result.
func FromGuestValidation(v contract.Validation) (bool, *extraction.Failure) {
	switch {
	case v.Ok != nil && v.Err != nil:
		return false, extraction.Wrap(extraction.KindConversion,
			fmt.Errorf("%w: validation has both ok and err", ErrConversion))
	case v.Err != nil:
		return false, FromGuestError(*v.Err)
	case v.Ok != nil:
		return *v.Ok, nil
	default:
		return false, extraction.Wrap(extraction.KindConversion,
			fmt.Errorf("%w: validation has neither ok nor err", ErrConversion))
	}
}

// FromGuestInfo maps component metadata to its host form.
func FromGuestInfo(info contract.ComponentInfo, digest string) extraction.ComponentInfo {
	return extraction.ComponentInfo{
		Name:            info.Name,
		Version:         info.Version,
		ContractVersion: info.ContractVersion,
		Features:        cloneStrings(info.Features),
		SupportedModes:  cloneStrings(info.SupportedModes),
		Digest:          digest,
	}
}

func qualityToPercent(q *float64) (*int, error) {
	if q == nil {
		return nil, nil
	}
	v := *q
	if math.IsNaN(v) || v < 0 || v > 1 {
		return nil, fmt.Errorf("%w: quality %v outside 0..1", ErrConversion, v)
	}
	pct := int(math.Round(v * 100))
	return &pct, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	return append([]string(nil), src...)
}

func nonNil(src []string) []string {
	if len(src) == 0 {
		return []string{}
	}
	return append([]string(nil), src...)
}
