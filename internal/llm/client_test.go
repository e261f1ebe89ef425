package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGenerate_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Fatalf("x-api-key = %q, want secret", got)
		}

		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "test-model" || req.System != "system" || len(req.Messages) != 1 || req.Messages[0].Content != "prompt" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"<h2>Plan</h2>"},{"type":"text","text":"<p>Eat well.</p>"}],"stop_reason":"end_turn"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret", WithModel("test-model"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	text, err := client.Generate(ctx, "system", "prompt")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if text != "<h2>Plan</h2><p>Eat well.</p>" {
		t.Fatalf("text = %q", text)
	}
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret", WithRetries(1, time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.Generate(ctx, "system", "prompt"); err == nil {
		t.Fatalf("expected error after retries")
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("hits = %d, want 2", got)
	}
}

func TestGenerate_EmptyCompletion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret")

	if _, err := client.Generate(context.Background(), "system", "prompt"); err == nil {
		t.Fatalf("expected error for empty completion")
	}
}

func TestGenerate_NotConfigured(t *testing.T) {
	var nilClient *Client
	if _, err := nilClient.Generate(context.Background(), "s", "p"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}

	client := NewClient("http://localhost:1", "")
	if _, err := client.Generate(context.Background(), "s", "p"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}
