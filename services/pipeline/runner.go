package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"phdscout/lib/fetch"
	"phdscout/lib/scrapers/findaphd"
)

// Fetcher retrieves one page. Satisfied by fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (html string, status int, err error)
}

type RunnerOptions struct {
	// concurrent detail page workers, also the model call bound
	Workers int
	// cap on listings processed per run, 0 means no cap
	MaxProjects int
	// flush the result table after this many stored records
	FlushEvery int
	// fetch retries after the first failed attempt
	FetchRetries int
	// delay before the first fetch retry, doubled each retry
	BackoffBase time.Duration
	// budget for one link from fetch through store
	OpTimeout time.Duration
}

func (o RunnerOptions) withDefaults() RunnerOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = 10
	}
	if o.FetchRetries <= 0 {
		o.FetchRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Minute
	}
	return o
}

// Runner drives every discovered listing to a terminal state. Each link
// moves fetch, normalize, extract, store; fetch errors and thin content
// skip the link, only a failing extractor marks it failed.
type Runner struct {
	fetcher   Fetcher
	queries   QueryGenerator
	extractor FieldExtractor
	store     *ResultStore
	audit     *AuditLog
	opts      RunnerOptions
}

func NewRunner(
	fetcher Fetcher,
	queries QueryGenerator,
	extractor FieldExtractor,
	store *ResultStore,
	audit *AuditLog,
	opts RunnerOptions,
) *Runner {
	return &Runner{
		fetcher:   fetcher,
		queries:   queries,
		extractor: extractor,
		store:     store,
		audit:     audit,
		opts:      opts.withDefaults(),
	}
}

// LinkOutcome is the terminal state of one listing, in completion
// order.
type LinkOutcome struct {
	URL      string
	State    LinkState
	Detail   string
	Duration time.Duration
}

type Report struct {
	Goal       string
	Queries    []SearchQuery
	Discovered int
	Stored     int
	Skipped    int
	Failed     int
	// the run was cancelled before every discovered link was dispatched
	Interrupted bool
	Outcomes    []LinkOutcome
	Elapsed     time.Duration
}

// Run sweeps the whole pipeline for one research goal. Cancelling ctx
// stops dispatching new links, lets in-flight ones finish and still
// flushes the result table. The returned error is a *GenerationError
// when no usable queries came back, or a *StoreError when the table
// could not be written. Failed links are counted, not returned.
func (r *Runner) Run(ctx context.Context, goal string) (*Report, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "Run", trace.WithAttributes(
		attribute.String("goal", goal),
	))
	defer span.End()

	report := &Report{Goal: goal}
	defer func() {
		report.Elapsed = time.Since(started)
	}()

	// audit writes and in-flight link work must survive run
	// cancellation
	detachedCtx := context.WithoutCancel(ctx)

	runId := r.audit.BeginRun(detachedCtx, goal)
	defer func() {
		r.audit.FinishRun(detachedCtx, runId, report.Stored, report.Skipped, report.Failed)
	}()

	queries, err := r.queries.GenerateQueries(ctx, goal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	report.Queries = queries

	links := r.discoverLinks(ctx, queries)
	if r.opts.MaxProjects > 0 && len(links) > r.opts.MaxProjects {
		slog.InfoContext(ctx, "capping discovered listings",
			"discovered", len(links),
			"cap", r.opts.MaxProjects,
		)
		links = links[:r.opts.MaxProjects]
	}
	report.Discovered = len(links)
	span.SetAttributes(attribute.Int("discovered", len(links)))

	// dispatchCtx stops the feed without touching in-flight work,
	// used when a flush fails mid-run
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	jobs := make(chan ProjectLink)
	outcomes := make(chan LinkOutcome)

	var workers sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for link := range jobs {
				outcomes <- r.processLink(detachedCtx, link)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, link := range links {
			select {
			case jobs <- link:
			case <-ctx.Done():
				return
			case <-dispatchCtx.Done():
				return
			}
		}
	}()

	go func() {
		workers.Wait()
		close(outcomes)
	}()

	var storeErr error
	sinceFlush := 0
	for outcome := range outcomes {
		report.Outcomes = append(report.Outcomes, outcome)
		switch outcome.State {
		case StateStored:
			report.Stored++
			sinceFlush++
		case StateSkipped:
			report.Skipped++
		case StateFailed:
			report.Failed++
		}
		r.audit.RecordEvent(detachedCtx, runId, outcome.URL, outcome.State.String(), outcome.Detail, outcome.Duration)

		if storeErr == nil && sinceFlush >= r.opts.FlushEvery {
			sinceFlush = 0
			storeErr = r.store.Flush()
			if storeErr != nil {
				slog.ErrorContext(ctx, "result table unwritable, stopping dispatch", "err", storeErr)
				stopDispatch()
			}
		}
	}

	err = r.store.Flush()
	if err != nil && storeErr == nil {
		storeErr = err
	}
	if storeErr != nil {
		span.RecordError(storeErr)
		span.SetStatus(codes.Error, storeErr.Error())
		return report, storeErr
	}

	if ctx.Err() != nil && len(report.Outcomes) < len(links) {
		report.Interrupted = true
		slog.WarnContext(detachedCtx, "run interrupted, partial results flushed",
			"processed", len(report.Outcomes),
			"discovered", len(links),
		)
	}

	slog.InfoContext(detachedCtx, "run complete",
		"stored", report.Stored,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// discoverLinks fetches every search result page and collects project
// detail links, deduplicated in query order. A query whose page cannot
// be fetched or parsed contributes nothing and does not stop the rest.
func (r *Runner) discoverLinks(ctx context.Context, queries []SearchQuery) []ProjectLink {
	ctx, span := tracer.Start(ctx, "discoverLinks")
	defer span.End()

	perQuery := make([][]string, len(queries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.opts.Workers)
	for i, query := range queries {
		i, query := i, query
		group.Go(func() error {
			html, err := r.fetchListing(groupCtx, query.URL)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				slog.WarnContext(groupCtx, "search page unreachable", "url", query.URL, "err", err)
				return nil
			}
			base, err := url.Parse(query.URL)
			if err != nil {
				slog.WarnContext(groupCtx, "unparseable search url", "url", query.URL, "err", err)
				return nil
			}
			found, err := findaphd.ExtractProjectLinks(groupCtx, html, base)
			if err != nil {
				slog.WarnContext(groupCtx, "unparseable search page", "url", query.URL, "err", err)
				return nil
			}
			perQuery[i] = found
			return nil
		})
	}
	// non-nil only when the run context was cancelled mid-discovery
	_ = group.Wait()

	seen := map[string]bool{}
	var links []ProjectLink
	for i, found := range perQuery {
		for _, u := range found {
			if seen[u] {
				continue
			}
			seen[u] = true
			links = append(links, ProjectLink{URL: u, Query: queries[i]})
		}
	}

	span.SetAttributes(
		attribute.Int("queries", len(queries)),
		attribute.Int("links", len(links)),
	)
	slog.InfoContext(ctx, "discovery complete", "queries", len(queries), "links", len(links))
	return links
}

// processLink drives one listing to a terminal state under its own
// timeout, detached from run cancellation.
func (r *Runner) processLink(ctx context.Context, link ProjectLink) LinkOutcome {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	started := time.Now()
	ctx, span := tracer.Start(ctx, "processLink", trace.WithAttributes(
		attribute.String("url", link.URL),
	))
	defer span.End()

	outcome := func(state LinkState, detail string) LinkOutcome {
		span.SetAttributes(attribute.String("state", state.String()))
		return LinkOutcome{
			URL:      link.URL,
			State:    state,
			Detail:   detail,
			Duration: time.Since(started),
		}
	}

	html, err := r.fetchListing(ctx, link.URL)
	if err != nil {
		span.RecordError(err)
		slog.WarnContext(ctx, "skipping listing, fetch failed", "url", link.URL, "err", err)
		return outcome(StateSkipped, "fetch: "+err.Error())
	}

	text, ok := findaphd.NormalizeContent(ctx, html)
	if !ok {
		slog.InfoContext(ctx, "skipping listing, no usable prose", "url", link.URL)
		return outcome(StateSkipped, "no usable prose")
	}

	record, err := r.extractor.ExtractFields(ctx, ContentBlob{
		Text:      text,
		SourceURL: link.URL,
		FetchedAt: time.Now(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "extraction failed", "url", link.URL, "err", err)
		return outcome(StateFailed, err.Error())
	}

	if !r.store.Append(record) {
		return outcome(StateSkipped, "already stored this run")
	}
	if record.ParseFailure {
		return outcome(StateStored, "unparseable model output, stored unknown sentinel row")
	}
	return outcome(StateStored, "")
}

// fetchListing retries transient fetch failures with doubling backoff
// plus jitter. Cancellation and non-fetch errors are returned as is.
func (r *Runner) fetchListing(ctx context.Context, pageUrl string) (string, error) {
	html, _, err := r.fetcher.Fetch(ctx, pageUrl)
	if err == nil {
		return html, nil
	}
	for retry := 1; retry <= r.opts.FetchRetries; retry++ {
		var fetchErr *fetch.FetchError
		if !errors.As(err, &fetchErr) {
			return "", err
		}
		delay := r.opts.BackoffBase << (retry - 1)
		if jitter, jitterErr := random.IntRange(0, 250); jitterErr == nil {
			delay += time.Duration(jitter) * time.Millisecond
		}
		slog.WarnContext(ctx, "fetch failed, backing off",
			"url", pageUrl,
			"retry", retry,
			"delay", delay,
			"err", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		html, _, err = r.fetcher.Fetch(ctx, pageUrl)
		if err == nil {
			return html, nil
		}
	}
	return "", err
}
