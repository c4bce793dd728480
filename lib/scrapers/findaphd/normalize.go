package findaphd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"

	"phdscout/lib/htmlutil"
)

// blobs shorter than this hold no extractable project description
const MinBlobLength = 40

// individual elements at or below this length are boilerplate
// ("Apply", "Share", cookie buttons) rather than prose
const minSnippetLength = 10

const noiseSelector = "script, style, nav, footer, header"
const proseSelector = "p, h1, h2, h3, h4, li"

// NormalizeContent reduces a detail page to a plain text blob: noise
// regions removed, prose elements collected in document order, one line
// per element. ok is false when the page yields too little text to be
// worth extracting.
func NormalizeContent(ctx context.Context, html string) (string, bool) {
	_, span := tracer.Start(ctx, "NormalizeContent")
	defer span.End()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		slog.WarnContext(ctx, "failed to parse detail markup", "err", err)
		span.RecordError(err)
		return "", false
	}

	doc.Find(noiseSelector).Remove()

	var snippets []string
	doc.Find(proseSelector).Each(func(_ int, sel *goquery.Selection) {
		text := htmlutil.CollapseWhitespace(sel.Text())
		if len(text) <= minSnippetLength {
			return
		}
		snippets = append(snippets, text)
	})

	blob := strings.Join(snippets, "\n")
	span.SetAttributes(attribute.Int("blob_len", len(blob)))
	if len(blob) < MinBlobLength {
		return "", false
	}
	return blob, true
}
