package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	got := CalculateBackoff(500*time.Millisecond, 10, 5*time.Second)
	if got > 5*time.Second {
		t.Errorf("expected backoff capped at 5s, got %v", got)
	}
}

func TestCalculateBackoffGrowsExponentially(t *testing.T) {
	d0 := CalculateBackoff(100*time.Millisecond, 0, 10*time.Second)
	d3 := CalculateBackoff(100*time.Millisecond, 3, 10*time.Second)
	if d3 < d0 {
		t.Errorf("expected backoff to grow with attempt count, got d0=%v d3=%v", d0, d3)
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ChatResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message ChatMessage `json:"message"`
		}{Message: ChatMessage{Role: "assistant", Content: "def factorial(n): ..."}})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second, DefaultRetryPolicy())
	resp, err := c.ChatCompletion(t.Context(), ChatRequest{Model: "test-model", Messages: []ChatMessage{{Role: "user", Content: "write factorial"}}})
	if err != nil {
		t.Fatalf("ChatCompletion() error: %v", err)
	}
	if resp.Content() != "def factorial(n): ..." {
		t.Errorf("unexpected content: %q", resp.Content())
	}
}

func TestChatCompletionPermanentFailureNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-key", 5*time.Second, DefaultRetryPolicy())
	_, err := c.ChatCompletion(t.Context(), ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly one call for a permanent failure, got %d", calls)
	}
}

func TestChatCompletionTransientFailureRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ChatResponse{})
	}))
	defer srv.Close()

	policy := RetryPolicy{MaxAdditionalRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	c := New(srv.URL, "", 5*time.Second, policy)
	_, err := c.ChatCompletion(t.Context(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 total attempts (1 + 2 retries), got %d", calls)
	}
}
