// Package backend implements the OpenAI-compatible chat-completions wire
// contract shared by all three provider classes: a retrying, backing-off
// net/http client and a typed classification of transient vs permanent
// failures, since every provider here speaks the same JSON shape.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/locallama/router/internal/routererrors"
)

// ChatMessage is one entry of the `messages` array in the wire contract.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the OpenAI-compatible request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatResponse is the OpenAI-compatible response body.
type ChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Content returns the first choice's message content, or "" if there are
// no choices.
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// AggregatorModel is one entry of the remote aggregator's `data` array
// used for model enumeration.
type AggregatorModel struct {
	ID            string `json:"id"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

// AggregatorModelList is the top-level response from the remote
// aggregator's model-listing endpoint.
type AggregatorModelList struct {
	Data []AggregatorModel `json:"data"`
}

// RetryPolicy is the Executor's default backend retry/backoff setting:
// up to 2 additional attempts, base delay 500ms, cap 5s.
type RetryPolicy struct {
	MaxAdditionalRetries int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
}

// DefaultRetryPolicy returns the router's default retry constants.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAdditionalRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// CalculateBackoff computes an exponential backoff with jitter:
// baseDelay * 2^attempt, capped at maxDelay, plus 0-25% jitter.
func CalculateBackoff(baseDelay time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	total := delay + jitter
	if total > maxDelay {
		total = maxDelay
	}
	return total
}

// Client is an OpenAI-compatible chat-completions HTTP client for one
// provider endpoint (local, local-alt, or remote).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      RetryPolicy
}

// New constructs a Client for the given base URL. apiKey may be empty for
// local endpoints.
func New(baseURL, apiKey string, timeout time.Duration, retry RetryPolicy) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string        { return fmt.Sprintf("http status %d: %s", e.status, e.body) }
func (e *statusError) StatusCode() int      { return e.status }

// ChatCompletion posts a chat-completions request, retrying transient
// failures up to the configured additional attempts with exponential
// backoff. Permanent failures are returned immediately, unretried.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxAdditionalRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(c.retry.BaseDelay, attempt-1, c.retry.MaxDelay)
			select {
			case <-ctx.Done():
				return nil, routererrors.BackendTransient("context cancelled during backoff", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.doChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		classified := routererrors.Classify(err)
		if classified.Kind != routererrors.KindBackendTransient {
			return nil, classified
		}
	}
	return nil, routererrors.Classify(lastErr)
}

func (c *Client) doChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, routererrors.Internal("failed to marshal chat request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, routererrors.Internal("failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err // classified by caller via routererrors.Classify (net.Error etc.)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode >= 400 {
		return nil, &statusError{status: httpResp.StatusCode, body: string(respBody)}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, routererrors.Internal("failed to decode chat response", err)
	}
	return &chatResp, nil
}

// ListAggregatorModels enumerates models from the remote aggregator's
// model-listing endpoint.
func (c *Client) ListAggregatorModels(ctx context.Context) (*AggregatorModelList, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, routererrors.Internal("failed to build request", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, routererrors.Classify(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, routererrors.Classify(err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, routererrors.Classify(&statusError{status: httpResp.StatusCode, body: string(respBody)})
	}

	var list AggregatorModelList
	if err := json.Unmarshal(respBody, &list); err != nil {
		return nil, routererrors.Internal("failed to decode model list", err)
	}
	return &list, nil
}

// Healthcheck probes a local endpoint's liveness with a lightweight GET.
func (c *Client) Healthcheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return routererrors.Internal("failed to build healthcheck request", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return routererrors.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return routererrors.BackendTransient("healthcheck failed", &statusError{status: resp.StatusCode})
	}
	return nil
}
