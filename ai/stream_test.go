package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

// TestClient_ChatStream tests SSE streaming accumulation
func TestClient_ChatStream(t *testing.T) {
	t.Run("content deltas reach the callback", func(t *testing.T) {
		server := httptest.NewServer(sseHandler([]string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo "}}]}`,
			`{"choices":[{"delta":{"content":"world"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`,
			`[DONE]`,
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", Model: "test-model"})
		client.baseURL = server.URL
		client.SetHTTPClient(server.Client())

		var chunks []string
		resp, err := client.ChatStream(context.Background(), ChatRequest{
			Messages: []Message{{Role: "user", Content: "hi"}},
		}, func(delta string) {
			chunks = append(chunks, delta)
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "Hello world" {
			t.Errorf("expected accumulated content, got %q", resp.Content)
		}
		if resp.FinishReason != "stop" {
			t.Errorf("expected stop, got %s", resp.FinishReason)
		}
		if resp.Usage.TotalTokens != 12 {
			t.Errorf("expected usage from final chunk, got %d", resp.Usage.TotalTokens)
		}
		if len(chunks) != 3 || chunks[0] != "Hel" {
			t.Errorf("unexpected chunks: %v", chunks)
		}
	})

	t.Run("nil callback is allowed", func(t *testing.T) {
		server := httptest.NewServer(sseHandler([]string{
			`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", Model: "test-model"})
		client.baseURL = server.URL
		client.SetHTTPClient(server.Client())

		resp, err := client.ChatStream(context.Background(), ChatRequest{
			Messages: []Message{{Role: "user", Content: "hi"}},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "ok" {
			t.Errorf("expected content, got %q", resp.Content)
		}
	})

	t.Run("tool call fragments reassemble", func(t *testing.T) {
		server := httptest.NewServer(sseHandler([]string{
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup_customer","arguments":"{\"id\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"TCK-003\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", Model: "test-model"})
		client.baseURL = server.URL
		client.SetHTTPClient(server.Client())

		resp, err := client.ChatStream(context.Background(), ChatRequest{
			Messages: []Message{{Role: "user", Content: "look it up"}},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(resp.ToolCalls) != 1 {
			t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
		}
		call := resp.ToolCalls[0]
		if call.ID != "call_1" || call.Function.Name != "lookup_customer" {
			t.Errorf("unexpected call: %+v", call)
		}
		if call.Function.Arguments != `{"id":"TCK-003"}` {
			t.Errorf("arguments not reassembled: %s", call.Function.Arguments)
		}
	})

	t.Run("malformed chunk is skipped", func(t *testing.T) {
		server := httptest.NewServer(sseHandler([]string{
			`{"choices":[{"delta":{"content":"good"}}]}`,
			`{not json`,
			`{"choices":[{"delta":{"content":" still good"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", Model: "test-model"})
		client.baseURL = server.URL
		client.SetHTTPClient(server.Client())

		resp, err := client.ChatStream(context.Background(), ChatRequest{
			Messages: []Message{{Role: "user", Content: "hi"}},
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "good still good" {
			t.Errorf("expected surviving content, got %q", resp.Content)
		}
	})

	t.Run("error status surfaces", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"bad request"}`)
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key", Model: "test-model"})
		client.baseURL = server.URL
		client.SetHTTPClient(server.Client())

		_, err := client.ChatStream(context.Background(), ChatRequest{
			Messages: []Message{{Role: "user", Content: "hi"}},
		}, nil)
		if err == nil || !strings.Contains(err.Error(), "status 400") {
			t.Errorf("expected status error, got %v", err)
		}
	})
}
