package providers

import "sync"

// ChatUsage aggregates chat-completion usage for one model.
type ChatUsage struct {
	Calls  int64 `json:"calls"`
	Tokens int64 `json:"tokens"`
}

// EmbeddingUsage aggregates embedding usage for one model.
type EmbeddingUsage struct {
	TotalCalls int64 `json:"total_calls"`
	TotalTexts int64 `json:"total_texts"`
}

// Stats aggregates call statistics across all client instances that share
// it. A single Stats value is constructed at process bootstrap and handed
// to every chat and embedding client.
type Stats struct {
	mu    sync.Mutex
	chat  map[string]ChatUsage
	embed map[string]EmbeddingUsage
}

// NewStats creates an empty statistics aggregate.
func NewStats() *Stats {
	return &Stats{
		chat:  make(map[string]ChatUsage),
		embed: make(map[string]EmbeddingUsage),
	}
}

// RecordChat adds one chat call for model with the given token usage.
func (s *Stats) RecordChat(model string, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.chat[model]
	u.Calls++
	u.Tokens += tokens
	s.chat[model] = u
}

// RecordEmbedding adds one embedding call for model covering texts inputs.
func (s *Stats) RecordEmbedding(model string, texts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.embed[model]
	u.TotalCalls++
	u.TotalTexts += int64(texts)
	s.embed[model] = u
}

// Chat returns a copy of the per-model chat usage.
func (s *Stats) Chat() map[string]ChatUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ChatUsage, len(s.chat))
	for m, u := range s.chat {
		out[m] = u
	}
	return out
}

// Embedding returns a copy of the per-model embedding usage plus totals.
func (s *Stats) Embedding() (models map[string]EmbeddingUsage, totalCalls, totalTexts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	models = make(map[string]EmbeddingUsage, len(s.embed))
	for m, u := range s.embed {
		models[m] = u
		totalCalls += u.TotalCalls
		totalTexts += u.TotalTexts
	}
	return models, totalCalls, totalTexts
}

// Reset clears all counters. Tests rely on this to start from zero
// without rebuilding the clients.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = make(map[string]ChatUsage)
	s.embed = make(map[string]EmbeddingUsage)
}
