package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"

	"phdscout/lib/restyutil"
)

var tracer = otel.Tracer("phdscout.lib.fetch")

var instrumentOutput restyutil.InstrumentOutput

func SetRestyInstrumentOutput(output restyutil.InstrumentOutput) {
	instrumentOutput = output
}

// the identity sent with every request. sites serving listing data tend
// to 403 clients without a browser-shaped user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

const DefaultTimeout = time.Second * 10

// DefaultPolitenessDelay is the minimum spacing between requests to the
// same host unless configured otherwise.
const DefaultPolitenessDelay = time.Second * 3

// FetchError reports a failed page fetch. StatusCode is zero when the
// request never produced a response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// HostLimiters spaces out requests per host. One limiter per host,
// created lazily; the zero interval disables waiting.
type HostLimiters struct {
	interval time.Duration
	mu       sync.Mutex
	hosts    map[string]*rate.Limiter
}

func NewHostLimiters(interval time.Duration) *HostLimiters {
	return &HostLimiters{
		interval: interval,
		hosts:    map[string]*rate.Limiter{},
	}
}

func (l *HostLimiters) Interval() time.Duration {
	return l.interval
}

func (l *HostLimiters) get(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.interval), 1)
		l.hosts[host] = limiter
	}
	return limiter
}

// Wait blocks until the host's politeness slot is free or ctx is done.
func (l *HostLimiters) Wait(ctx context.Context, host string) error {
	return l.get(host).Wait(ctx)
}

type Options struct {
	// defaults to DefaultUserAgent
	UserAgent string
	// defaults to DefaultTimeout
	Timeout time.Duration
}

type Fetcher struct {
	client   *resty.Client
	limiters *HostLimiters
}

func NewFetcher(limiters *HostLimiters, opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.5")
	// no session state is kept between requests
	client.SetCookieJar(nil)
	restyutil.InstrumentClient(client, tracer, instrumentOutput)

	return &Fetcher{
		client:   client,
		limiters: limiters,
	}
}

// Fetch GETs the url after waiting on the host's politeness slot and
// returns the response body decoded to utf-8 plus the status code.
// Non-2xx statuses, timeouts and connection errors all surface as
// *FetchError. Retries are the caller's concern.
func (f *Fetcher) Fetch(ctx context.Context, rawUrl string) (string, int, error) {
	ctx, span := tracer.Start(ctx, "Fetch", trace.WithAttributes(
		attribute.String("url", rawUrl),
	))
	defer span.End()

	parsed, err := url.Parse(rawUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unparseable url")
		return "", 0, &FetchError{URL: rawUrl, Err: err}
	}

	err = f.limiters.Wait(ctx, parsed.Host)
	if err != nil {
		// cancellation, not a fetch failure
		return "", 0, err
	}

	res, err := f.client.R().SetContext(ctx).Get(rawUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", 0, &FetchError{URL: rawUrl, Err: err}
	}

	status := res.StatusCode()
	span.SetAttributes(attribute.Int("status", status))
	if status < 200 || status > 299 {
		span.SetStatus(codes.Error, "non-2xx status")
		return "", status, &FetchError{
			URL:        rawUrl,
			StatusCode: status,
			Err:        errors.New(res.Status()),
		}
	}

	return decodeBody(res), status, nil
}

// decodeBody converts the response body to utf-8 based on the declared
// or sniffed charset. Bodies that fail to decode pass through as-is.
func decodeBody(res *resty.Response) string {
	body := res.Body()
	enc, _, _ := charset.DetermineEncoding(body, res.Header().Get("Content-Type"))
	decoded, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}
