// Package findaphd holds the site knowledge for FindAPhD.com: url
// shapes, search query validation, and the parsers that turn its
// listing and detail pages into usable data.
package findaphd

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("phdscout.lib.scrapers.findaphd")

const (
	BaseUrl = "https://www.findaphd.com"
	Host    = "www.findaphd.com"

	// the query parameter carrying search terms on listing pages
	KeywordsParam = "Keywords"
)

// project detail pages live under /phds/project/<slug>/?p<id>;
// listing/search pages live directly under /phds/[country/]
var detailPathRegex = regexp.MustCompile(`(?i)^/phds/project/[^/]+`)

func hostMatches(host string) bool {
	host = strings.ToLower(host)
	return host == Host || host == "findaphd.com"
}

// IsDetailUrl reports whether u points at a single project page rather
// than a search/listing page.
func IsDetailUrl(u *url.URL) bool {
	if u == nil || !u.IsAbs() {
		return false
	}
	return hostMatches(u.Host) && detailPathRegex.MatchString(u.Path)
}

// NormalizeUrl renders a canonical string form for dedup keys. The
// fragment never changes page identity and is dropped; the query is
// kept since it carries the project id.
func NormalizeUrl(u *url.URL) string {
	c := *u
	c.Fragment = ""
	return c.String()
}

// ValidateSearchUrl checks a model-generated search url: it must be
// absolute http(s), target this site, sit under /phds/ and carry a
// non-empty Keywords parameter. Anything else is rejected so the
// pipeline only ever fetches the expected query surface.
func ValidateSearchUrl(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable url: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("url is not absolute: %s", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unexpected scheme %q: %s", u.Scheme, raw)
	}
	if !hostMatches(u.Host) {
		return fmt.Errorf("unexpected host %q: %s", u.Host, raw)
	}
	if !strings.HasPrefix(strings.ToLower(u.Path), "/phds") {
		return fmt.Errorf("unexpected path %q: %s", u.Path, raw)
	}
	if u.Query().Get(KeywordsParam) == "" {
		return fmt.Errorf("missing %s parameter: %s", KeywordsParam, raw)
	}
	return nil
}
