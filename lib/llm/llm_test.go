package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"phdscout/lib/telemetry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		ApiKey:    "test-key",
		ApiBase:   srv.URL,
		ModelName: "test-model",
	}, ClientOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestComplete(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:llm")
	defer cleanup()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		require.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 1)
		require.Equal(t, "user", req.Messages[0].Role)
		require.Equal(t, "say hi", req.Messages[0].Content)
		require.Equal(t, 1024, req.MaxTokens)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hi there"}},
			},
		})
	})

	out, err := client.Complete(context.Background(), "say hi", CompletionOptions{Temperature: 0.7})
	require.NoError(t, err)
	require.Equal(t, "hi there", out)
}

func TestCompleteRejectedRequest(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:llm")
	defer cleanup()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	})

	_, err := client.Complete(context.Background(), "say hi", CompletionOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
}

func TestCompleteNoChoices(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:llm")
	defer cleanup()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})

	_, err := client.Complete(context.Background(), "say hi", CompletionOptions{})
	require.Error(t, err)
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{ApiBase: "https://api.example.org/v1", ModelName: "m"}, ClientOptions{})
	require.Error(t, err)

	_, err = NewClient(Config{ApiKey: "k", ModelName: "m"}, ClientOptions{})
	require.Error(t, err)

	_, err = NewClient(Config{ApiKey: "k", ApiBase: "https://api.example.org/v1"}, ClientOptions{})
	require.Error(t, err)
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"bare", `["a"]`, `["a"]`},
		{"json fence", "```json\n[\"a\"]\n```", `["a"]`},
		{"plain fence", "```\n{\"b\": 1}\n```", `{"b": 1}`},
		{"surrounding whitespace", "  \n```json\n{}\n```  ", `{}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, StripFences(c.input))
		})
	}
}
