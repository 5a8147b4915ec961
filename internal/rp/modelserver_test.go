package rp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"airp/internal/providers"
)

// fakeModel serves OpenAI-compatible chat and embedding endpoints. The
// chat callback receives the user prompt; ok=false answers with a 500.
type fakeModel struct {
	srv  *httptest.Server
	chat func(prompt string) (string, bool)
	dims int
}

func newFakeModel(t *testing.T, dims int, chat func(prompt string) (string, bool)) *fakeModel {
	t.Helper()
	m := &fakeModel{chat: chat, dims: dims}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", m.handleChat)
	mux.HandleFunc("/embeddings", m.handleEmbeddings)
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeModel) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prompt := ""
	for _, msg := range body.Messages {
		if msg.Role == "user" {
			prompt = msg.Content
		}
	}

	content, ok := m.chat(prompt)
	if !ok {
		http.Error(w, "model unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":    "chatcmpl-test",
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func (m *fakeModel) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data := make([]map[string]any, len(body.Input))
	for i, text := range body.Input {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": fakeEmbedding(text, m.dims),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  "test-embed",
		"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func fakeEmbedding(text string, dims int) []float64 {
	vec := make([]float64, dims)
	sum := 0
	for _, r := range text {
		sum += int(r)
	}
	for i := range vec {
		vec[i] = float64((sum+i)%13) + 1
	}
	return vec
}

func (m *fakeModel) chatConfig() providers.ChatConfig {
	return providers.ChatConfig{
		BaseURL:    m.srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Pacers:     providers.NewPacerRegistry(),
		Stats:      providers.NewStats(),
	}
}

func (m *fakeModel) embedConfig() providers.EmbeddingConfig {
	return providers.EmbeddingConfig{
		BaseURL:    m.srv.URL,
		APIKey:     "test-key",
		Model:      "test-embed",
		Dimensions: m.dims,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Pacers:     providers.NewPacerRegistry(),
		Stats:      providers.NewStats(),
	}
}
