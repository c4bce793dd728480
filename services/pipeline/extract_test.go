package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"phdscout/lib/llm"
	"phdscout/lib/telemetry"
)

const reefBlobText = "PhD in Coral Reef Acoustics. The project studies how reef " +
	"soundscapes change under warming, based at a leading marine institute."

func TestExtractFields(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:services/pipeline")
	defer cleanup()

	// fenced like real model output
	model := &fakeModel{replies: []string{
		"```json\n" + `{"title": "PhD in Coral Reef Acoustics",
		  "university": "University of Exeter",
		  "supervisor": "Dr S. Simpson",
		  "funding": "Fully funded (UK and international)",
		  "alignment": "high",
		  "other": {"deadline": "2026-03-01", "subject": "Marine Biology"},
		  "mode": "full-time"}` + "\n```",
	}}
	extractor := NewFieldExtractor(newModelClient(t, model), "reef soundscapes", nil)

	blob := ContentBlob{Text: reefBlobText, SourceURL: "https://www.findaphd.com/phds/project/reef-1/"}
	record, err := extractor.ExtractFields(context.Background(), blob)
	require.NoError(t, err)

	require.Equal(t, 1, model.calls())
	require.Contains(t, model.prompt(0), "reef soundscapes")
	require.Contains(t, model.prompt(0), reefBlobText)

	require.Equal(t, blob.SourceURL, record.SourceURL)
	require.Equal(t, "PhD in Coral Reef Acoustics", record.Title)
	require.Equal(t, "University of Exeter", record.University)
	require.Equal(t, "Dr S. Simpson", record.Supervisor)
	require.Equal(t, "Fully funded (UK and international)", record.Funding)
	require.Equal(t, "high", record.Alignment)
	require.False(t, record.ParseFailure)
	require.False(t, record.ExtractedAt.IsZero())

	// schema extras fold into Other alongside the other object itself
	require.Equal(t, map[string]string{
		"deadline": "2026-03-01",
		"subject":  "Marine Biology",
		"mode":     "full-time",
	}, record.Other)
}

func TestExtractFieldsMissingValuesBecomeUnknown(t *testing.T) {
	model := &fakeModel{replies: []string{
		`{"title": "Compiler Verification", "university": "TU Delft"}`,
	}}
	extractor := NewFieldExtractor(newModelClient(t, model), "compilers", nil)

	record, err := extractor.ExtractFields(context.Background(), ContentBlob{
		Text:      "A compiler verification project.",
		SourceURL: "https://www.findaphd.com/phds/project/cv-2/",
	})
	require.NoError(t, err)
	require.Equal(t, Unknown, record.Supervisor)
	require.Equal(t, Unknown, record.Funding)
	require.Equal(t, Unknown, record.Alignment)
	require.Empty(t, record.Other)
}

func TestExtractFieldsTruncatesLongBlob(t *testing.T) {
	model := &fakeModel{replies: []string{
		`{"title": "T", "university": "U"}`,
	}}
	extractor := NewFieldExtractor(newModelClient(t, model), "goal", nil)

	text := strings.Repeat("a", maxBlobPromptChars) + "NEVER-IN-PROMPT"
	_, err := extractor.ExtractFields(context.Background(), ContentBlob{
		Text:      text,
		SourceURL: "https://www.findaphd.com/phds/project/long-3/",
	})
	require.NoError(t, err)
	require.Contains(t, model.prompt(0), strings.Repeat("a", maxBlobPromptChars))
	require.NotContains(t, model.prompt(0), "NEVER-IN-PROMPT")
}

func TestExtractFieldsCorrectiveRepair(t *testing.T) {
	// first reply is valid json but has no title, which must also
	// trigger the repair pass
	model := &fakeModel{replies: []string{
		`{"university": "University of Oslo"}`,
		`{"title": "Fjord Carbon Cycling", "university": "University of Oslo"}`,
	}}
	extractor := NewFieldExtractor(newModelClient(t, model), "carbon cycling", nil)

	record, err := extractor.ExtractFields(context.Background(), ContentBlob{
		Text:      "Fjord carbon cycling PhD position.",
		SourceURL: "https://www.findaphd.com/phds/project/fjord-4/",
	})
	require.NoError(t, err)

	require.Equal(t, 2, model.calls())
	require.Contains(t, model.prompt(1), "could not be parsed")
	require.Contains(t, model.prompt(1), `{"university": "University of Oslo"}`)

	require.Equal(t, "Fjord Carbon Cycling", record.Title)
	require.False(t, record.ParseFailure)
}

func TestExtractFieldsSentinelAfterTwoFailures(t *testing.T) {
	model := &fakeModel{replies: []string{
		"I could not find any structured data.",
		"Apologies, here is my answer in plain words instead.",
	}}
	extractor := NewFieldExtractor(newModelClient(t, model), "anything", nil)

	blob := ContentBlob{
		Text:      "Some listing text.",
		SourceURL: "https://www.findaphd.com/phds/project/opaque-5/",
	}
	record, err := extractor.ExtractFields(context.Background(), blob)
	require.NoError(t, err)
	require.Equal(t, 2, model.calls())

	require.True(t, record.ParseFailure)
	require.Equal(t, blob.SourceURL, record.SourceURL)
	require.Equal(t, Unknown, record.Title)
	require.Equal(t, Unknown, record.University)
	require.Equal(t, Unknown, record.Supervisor)
	require.Equal(t, Unknown, record.Funding)
	require.Equal(t, Unknown, record.Alignment)
}

func TestExtractFieldsModelFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	client, err := llm.NewClient(llm.Config{
		ApiKey:    "test-key",
		ApiBase:   srv.URL,
		ModelName: "test-model",
	}, llm.ClientOptions{})
	require.NoError(t, err)

	extractor := NewFieldExtractor(client, "goal", nil)
	_, err = extractor.ExtractFields(context.Background(), ContentBlob{
		Text:      "text",
		SourceURL: "https://www.findaphd.com/phds/project/down-6/",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestExtractFieldsKeywordScorerOverridesModel(t *testing.T) {
	model := &fakeModel{replies: []string{
		`{"title": "Coral Reef Ecology", "university": "JCU", "alignment": "low"}`,
	}}
	extractor := NewFieldExtractor(newModelClient(t, model), "coral reefs", KeywordAlignment{})

	record, err := extractor.ExtractFields(context.Background(), ContentBlob{
		Text:      "Coral reef ecology and restoration research position.",
		SourceURL: "https://www.findaphd.com/phds/project/reef-7/",
	})
	require.NoError(t, err)
	require.Equal(t, "high", record.Alignment)
}
