package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"phdscout/lib/llm"
	"phdscout/lib/scrapers/findaphd"
)

const DefaultQueryCount = 4

const queryPromptTemplate = `You are generating search queries for %s, a PhD listings site.

The user is looking for: %s

Produce exactly %d search urls of the form:
%s/phds/?%s=<search terms>
A country segment may appear after /phds/ (for example /phds/united-kingdom/).
Vary the search terms to cover different angles of the user's interests.

Respond with ONLY a JSON array of url strings, nothing else.`

const queryRepairPromptTemplate = `Your previous reply could not be parsed as a JSON array of strings.

Previous reply:
%s

Respond again with ONLY a JSON array of search url strings for %s, no prose and no code fences.`

// QueryGenerator turns a free text research goal into validated search
// queries via one model call.
type QueryGenerator struct {
	llm   *llm.Client
	count int
}

func NewQueryGenerator(client *llm.Client, count int) QueryGenerator {
	if count <= 0 {
		count = DefaultQueryCount
	}
	return QueryGenerator{
		llm:   client,
		count: count,
	}
}

// GenerateQueries asks the model for search urls and validates each one
// against the site's query surface. Invalid entries are discarded with
// a warning; zero surviving urls is a *GenerationError, the hard stop
// for a run.
func (g QueryGenerator) GenerateQueries(ctx context.Context, goal string) ([]SearchQuery, error) {
	ctx, span := tracer.Start(ctx, "GenerateQueries", trace.WithAttributes(
		attribute.String("goal", goal),
	))
	defer span.End()

	prompt := fmt.Sprintf(
		queryPromptTemplate,
		findaphd.Host, goal, g.count, findaphd.BaseUrl, findaphd.KeywordsParam,
	)
	raw, err := g.llm.Complete(ctx, prompt, llm.CompletionOptions{Temperature: 0.7})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query completion failed")
		return nil, &GenerationError{Goal: goal, Err: err}
	}

	urls, err := parseQueryList(raw)
	if err != nil {
		// one corrective retry, same discipline as field extraction
		slog.WarnContext(ctx, "query output failed to parse, retrying with correction", "err", err)
		span.AddEvent("corrective retry")

		repair := fmt.Sprintf(queryRepairPromptTemplate, raw, findaphd.Host)
		raw, err = g.llm.Complete(ctx, repair, llm.CompletionOptions{Temperature: 0.7})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query repair completion failed")
			return nil, &GenerationError{Goal: goal, Err: err}
		}
		urls, err = parseQueryList(raw)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query output unparseable after repair")
			return nil, &GenerationError{Goal: goal, Err: err}
		}
	}

	var queries []SearchQuery
	for _, u := range urls {
		err := findaphd.ValidateSearchUrl(u)
		if err != nil {
			slog.WarnContext(ctx, "discarding invalid search url", "url", u, "err", err)
			continue
		}
		queries = append(queries, SearchQuery{URL: u, Goal: goal})
	}

	span.SetAttributes(
		attribute.Int("generated", len(urls)),
		attribute.Int("valid", len(queries)),
	)
	if len(queries) == 0 {
		span.SetStatus(codes.Error, "no valid queries")
		return nil, &GenerationError{
			Goal: goal,
			Err:  errors.New("no generated url survived validation"),
		}
	}
	return queries, nil
}

func parseQueryList(raw string) ([]string, error) {
	var urls []string
	err := json.Unmarshal([]byte(llm.StripFences(raw)), &urls)
	if err != nil {
		return nil, &ParseError{Stage: "search queries", Input: raw, Err: err}
	}
	return urls, nil
}
