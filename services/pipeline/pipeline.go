// Package pipeline runs the listing sweep end to end: model generated
// search queries, polite listing and detail fetches, content
// normalization, structured field extraction and the csv result table.
package pipeline

import (
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("phdscout.services.pipeline")

// Unknown marks schema fields the extractor could not populate. Rows
// always carry every field so the output stays uniform.
const Unknown = "unknown"

// SearchQuery is one model generated search url plus the goal it came
// from. Immutable once generated.
type SearchQuery struct {
	URL  string
	Goal string
}

// ProjectLink points at one project detail page, with the query it was
// discovered under as provenance.
type ProjectLink struct {
	URL   string
	Query SearchQuery
}

// ContentBlob is the readable text of one detail page.
type ContentBlob struct {
	Text      string
	SourceURL string
	FetchedAt time.Time
}

// ExtractedRecord is the structured output for one detail page.
type ExtractedRecord struct {
	SourceURL   string
	Title       string
	University  string
	Supervisor  string
	Funding     string
	Alignment   string
	Other       map[string]string
	ExtractedAt time.Time
	// set when both extraction attempts produced unparseable output;
	// kept out of the csv, recorded in the audit log
	ParseFailure bool
}

// LinkState tracks a ProjectLink through the sweep. Stored, Skipped
// and Failed are absorbing.
type LinkState int

const (
	StateDiscovered LinkState = iota
	StateFetching
	StateNormalizing
	StateExtracting
	StateStored
	StateSkipped
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateExtracting:
		return "extracting"
	case StateStored:
		return "stored"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
