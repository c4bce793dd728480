package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"phdscout/lib/llm"
)

// fakeModel serves scripted chat completion replies in call order and
// remembers every prompt it was sent. When calls outnumber replies the
// last reply repeats.
type fakeModel struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (m *fakeModel) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if len(req.Messages) > 0 {
		m.prompts = append(m.prompts, req.Messages[len(req.Messages)-1].Content)
	} else {
		m.prompts = append(m.prompts, "")
	}
	reply := ""
	if len(m.replies) > 0 {
		reply = m.replies[min(len(m.prompts)-1, len(m.replies)-1)]
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": reply}},
		},
	})
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *fakeModel) prompt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.prompts) {
		return ""
	}
	return m.prompts[i]
}

func newModelClient(t *testing.T, model *fakeModel) *llm.Client {
	srv := httptest.NewServer(http.HandlerFunc(model.handle))
	t.Cleanup(srv.Close)

	client, err := llm.NewClient(llm.Config{
		ApiKey:    "test-key",
		ApiBase:   srv.URL,
		ModelName: "test-model",
	}, llm.ClientOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return client
}
