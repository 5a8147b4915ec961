package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatReply(content string) map[string]any {
	return map[string]any{
		"id":    "chatcmpl-test",
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func newChatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func testChatClient(srv *httptest.Server, stats *Stats) *ChatClient {
	return NewChatClient(ChatConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		MaxRetries: 2,
		RetryDelay: 5 * time.Millisecond,
		Pacers:     NewPacerRegistry(),
		Stats:      stats,
	})
}

func TestChatClientCall(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatReply("你好"))
	})
	defer srv.Close()

	stats := NewStats()
	c := testChatClient(srv, stats)

	got, err := c.Call(context.Background(), ChatRequest{Prompt: "hi", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "你好" {
		t.Errorf("got %q", got)
	}

	usage := stats.Chat()
	if usage["test-model"].Calls != 1 || usage["test-model"].Tokens != 15 {
		t.Errorf("stats = %+v", usage["test-model"])
	}

	instance := c.Stats()
	if instance["test-model"].Calls != 1 {
		t.Errorf("instance stats = %+v", instance["test-model"])
	}
}

func TestChatClientRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatReply("ok"))
	})
	defer srv.Close()

	c := testChatClient(srv, NewStats())
	got, err := c.Call(context.Background(), ChatRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q", got)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestChatClientCallJSON(t *testing.T) {
	t.Run("valid json", func(t *testing.T) {
		srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["response_format"]; !ok {
				t.Error("expected response_format in request")
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatReply(`{"answer": 42}`))
		})
		defer srv.Close()

		c := testChatClient(srv, NewStats())
		raw, err := c.CallJSON(context.Background(), ChatRequest{Prompt: "q"})
		if err != nil {
			t.Fatalf("CallJSON: %v", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if doc["answer"] != float64(42) {
			t.Errorf("doc = %v", doc)
		}
	})

	t.Run("salvages fenced json after retries", func(t *testing.T) {
		srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatReply("```json\n{\"answer\": 1}\n```"))
		})
		defer srv.Close()

		c := testChatClient(srv, NewStats())
		raw, err := c.CallJSON(context.Background(), ChatRequest{Prompt: "q"})
		if err != nil {
			t.Fatalf("CallJSON: %v", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil || doc["answer"] != float64(1) {
			t.Errorf("salvage failed: %s err=%v", raw, err)
		}
	})

	t.Run("unparsable yields ErrModelFormat", func(t *testing.T) {
		srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatReply("这不是 JSON"))
		})
		defer srv.Close()

		c := testChatClient(srv, NewStats())
		_, err := c.CallJSON(context.Background(), ChatRequest{Prompt: "q"})
		if !errors.Is(err, ErrModelFormat) {
			t.Errorf("err = %v, want ErrModelFormat", err)
		}
	})
}

func TestChatClientSharedPacerStats(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatReply("ok"))
	})
	defer srv.Close()

	stats := NewStats()
	pacers := NewPacerRegistry()

	for i := 0; i < 2; i++ {
		c := NewChatClient(ChatConfig{
			BaseURL: srv.URL,
			APIKey:  "shared-key",
			Model:   fmt.Sprintf("model-%d", i),
			Pacers:  pacers,
			Stats:   stats,
		})
		if _, err := c.Call(context.Background(), ChatRequest{Prompt: "hi"}); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	usage := stats.Chat()
	if len(usage) != 2 {
		t.Errorf("expected usage for two models, got %v", usage)
	}

	stats.Reset()
	if len(stats.Chat()) != 0 {
		t.Error("Reset did not clear chat usage")
	}
}
