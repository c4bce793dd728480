package findaphd

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"phdscout/lib/htmlutil"
)

// ExtractProjectLinks pulls the project detail urls out of a listing
// page. Relative hrefs are resolved against base, fragments dropped,
// and duplicates removed while preserving document order. An empty
// result is a valid outcome for a query, not an error.
func ExtractProjectLinks(ctx context.Context, html string, base *url.URL) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ExtractProjectLinks")
	defer span.End()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse listing markup")
		return nil, err
	}

	anchors := htmlutil.GetAnchors(ctx, doc.Find("a[href]"), base)

	var links []string
	seen := map[string]bool{}
	for _, a := range anchors {
		u, err := url.Parse(a.Href)
		if err != nil {
			continue
		}
		if !IsDetailUrl(u) {
			continue
		}
		normalized := NormalizeUrl(u)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		links = append(links, normalized)
	}

	span.SetAttributes(
		attribute.Int("anchors", len(anchors)),
		attribute.Int("project_links", len(links)),
	)
	return links, nil
}
