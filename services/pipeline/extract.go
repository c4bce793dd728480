package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"phdscout/lib/llm"
)

// listing text beyond this length stops adding signal and only burns
// prompt tokens
const maxBlobPromptChars = 4000

const extractPromptTemplate = `You are extracting structured data from the text of a PhD project listing.

The user's research goal: %s

Listing text:
%s

Respond with ONLY a JSON object with these string keys:
"title", "university", "supervisor", "funding", "alignment", "other"
- "alignment" is "high", "medium" or "low": how well the listing matches the research goal
- "other" is an object of any additional notable attributes (eligibility, deadlines, subject area, required skills)
- use "unknown" for anything the listing text does not state
No prose, no code fences.`

const extractRepairPromptTemplate = `Your previous reply could not be parsed into the required JSON object.

Previous reply:
%s

Respond again with ONLY a JSON object with exactly these string keys:
"title", "university", "supervisor", "funding", "alignment", "other"
"title" and "university" must be non-empty. No prose, no code fences.`

// FieldExtractor turns one content blob into one ExtractedRecord via
// one model call, with a single corrective retry on unparseable output.
type FieldExtractor struct {
	llm    *llm.Client
	goal   string
	scorer AlignmentScorer
}

func NewFieldExtractor(client *llm.Client, goal string, scorer AlignmentScorer) FieldExtractor {
	if scorer == nil {
		scorer = ModelAlignment{}
	}
	return FieldExtractor{
		llm:    client,
		goal:   goal,
		scorer: scorer,
	}
}

// ExtractFields sends exactly one blob to the model. Unparseable output
// gets one corrective retry embedding the malformed reply; if that also
// fails the record comes back with every field set to the unknown
// sentinel and the parse failure flag raised, never dropped. The
// returned error is non-nil only when the model call itself failed.
func (e FieldExtractor) ExtractFields(ctx context.Context, blob ContentBlob) (ExtractedRecord, error) {
	ctx, span := tracer.Start(ctx, "ExtractFields", trace.WithAttributes(
		attribute.String("url", blob.SourceURL),
		attribute.Int("blob_len", len(blob.Text)),
	))
	defer span.End()

	text := blob.Text
	if len(text) > maxBlobPromptChars {
		text = text[:maxBlobPromptChars]
	}
	prompt := fmt.Sprintf(extractPromptTemplate, e.goal, text)

	raw, err := e.llm.Complete(ctx, prompt, llm.CompletionOptions{Temperature: 0.2})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction completion failed")
		return ExtractedRecord{}, err
	}

	record, perr := parseRecord(raw, blob)
	if perr != nil {
		slog.WarnContext(
			ctx, "record output failed to parse, retrying with correction",
			"url", blob.SourceURL, "err", perr,
		)
		span.AddEvent("corrective retry")

		repair := fmt.Sprintf(extractRepairPromptTemplate, raw)
		raw, err = e.llm.Complete(ctx, repair, llm.CompletionOptions{Temperature: 0.2})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "repair completion failed")
			return ExtractedRecord{}, err
		}
		record, perr = parseRecord(raw, blob)
		if perr != nil {
			slog.WarnContext(
				ctx, "record output unparseable after repair, emitting sentinel record",
				"url", blob.SourceURL, "err", perr,
			)
			span.RecordError(perr)
			span.SetAttributes(attribute.Bool("parse_failure", true))
			return sentinelRecord(blob), nil
		}
	}

	record.Alignment = e.scorer.Score(e.goal, blob.Text, record.Alignment)
	if record.Alignment == "" {
		record.Alignment = Unknown
	}
	return record, nil
}

// the six keys of the record schema; anything else the model returns
// folds into Other
var recordKeys = map[string]bool{
	"title":      true,
	"university": true,
	"supervisor": true,
	"funding":    true,
	"alignment":  true,
	"other":      true,
}

func parseRecord(raw string, blob ContentBlob) (ExtractedRecord, error) {
	var fields map[string]any
	err := json.Unmarshal([]byte(llm.StripFences(raw)), &fields)
	if err != nil {
		return ExtractedRecord{}, &ParseError{Stage: "record fields", Input: raw, Err: err}
	}

	title := stringField(fields, "title")
	university := stringField(fields, "university")
	if title == "" {
		return ExtractedRecord{}, &ParseError{
			Stage: "record fields",
			Input: raw,
			Err:   errors.New("missing required field: title"),
		}
	}
	if university == "" {
		return ExtractedRecord{}, &ParseError{
			Stage: "record fields",
			Input: raw,
			Err:   errors.New("missing required field: university"),
		}
	}

	record := ExtractedRecord{
		SourceURL:   blob.SourceURL,
		Title:       title,
		University:  university,
		Supervisor:  orUnknown(stringField(fields, "supervisor")),
		Funding:     orUnknown(stringField(fields, "funding")),
		Alignment:   stringField(fields, "alignment"),
		Other:       map[string]string{},
		ExtractedAt: time.Now().UTC(),
	}

	if other, ok := fields["other"].(map[string]any); ok {
		for k, v := range other {
			record.Other[k] = stringify(v)
		}
	}
	for k, v := range fields {
		if recordKeys[k] {
			continue
		}
		record.Other[k] = stringify(v)
	}

	return record, nil
}

func sentinelRecord(blob ContentBlob) ExtractedRecord {
	return ExtractedRecord{
		SourceURL:    blob.SourceURL,
		Title:        Unknown,
		University:   Unknown,
		Supervisor:   Unknown,
		Funding:      Unknown,
		Alignment:    Unknown,
		Other:        map[string]string{},
		ExtractedAt:  time.Now().UTC(),
		ParseFailure: true,
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return strings.TrimSpace(s)
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
