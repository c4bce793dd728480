package findaphd

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"phdscout/lib/telemetry"
)

const detailFixture = `<html><head><style>.x { color: red }</style></head><body>
<header><p>FindAPhD navigation bar with lots of chrome</p></header>
<nav><li>Browse</li><li>Advice</li></nav>
<h1>Deep   Learning for
Crop Science</h1>
<p>We are seeking a motivated PhD candidate to develop novel deep learning
methods for analysing satellite imagery of agricultural land.</p>
<li>Fully funded for UK and international students</li>
<p>Apply</p>
<script>trackPageView();</script>
<footer><p>Copyright FindAPhD, all rights reserved, etc etc</p></footer>
</body></html>`

func TestNormalizeContent(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/findaphd")
	defer cleanup()

	blob, ok := NormalizeContent(context.Background(), detailFixture)
	require.True(t, ok)

	lines := strings.Split(blob, "\n")
	require.Equal(t, []string{
		"Deep Learning for Crop Science",
		"We are seeking a motivated PhD candidate to develop novel deep learning methods for analysing satellite imagery of agricultural land.",
		"Fully funded for UK and international students",
	}, lines)

	require.NotContains(t, blob, "trackPageView")
	require.NotContains(t, blob, "Copyright")
	require.NotContains(t, blob, "navigation bar")
	// short boilerplate elements are dropped
	require.NotContains(t, lines, "Apply")
}

func TestNormalizeContentNoiseOnly(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/findaphd")
	defer cleanup()

	_, ok := NormalizeContent(
		context.Background(),
		`<html><body><script>let a = 1;</script><style>p { margin: 0 }</style></body></html>`,
	)
	require.False(t, ok)
}

func TestNormalizeContentBelowMinimumLength(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/findaphd")
	defer cleanup()

	_, ok := NormalizeContent(
		context.Background(),
		`<html><body><p>Too short to matter</p></body></html>`,
	)
	require.False(t, ok)
}
