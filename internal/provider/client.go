// Package provider dispatches assembled prompts to the configured
// completion endpoint and normalizes responses into ExecutionResults.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkaran/stanza/internal/assembler"
	"github.com/mkaran/stanza/internal/persona"
)

const (
	defaultTimeout = 60 * time.Second
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// Client communicates with a single configured chat-completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a Client for the given endpoint and default model.
func NewClient(apiKey, baseURL, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
		backoff:    initialBackoff,
	}
}

// ExecutionOptions carries per-call overrides and the trace id every
// attempt is attributed to.
type ExecutionOptions struct {
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"-"`
	// Input is the end-user message sent alongside the assembled prompt.
	Input string `json:"input,omitempty"`
	// TraceID correlates logs across the store read and provider call.
	TraceID string `json:"trace_id,omitempty"`
	// Model overrides the client's default model for this call.
	Model string `json:"model,omitempty"`
}

// FinishReason is the canonical code for why generation stopped.
type FinishReason string

const (
	FinishCompleted       FinishReason = "completed"
	FinishLengthTruncated FinishReason = "length_truncated"
	FinishContentFiltered FinishReason = "content_filtered"
	FinishError           FinishReason = "error"
)

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExecutionResult is the normalized outcome of one Execute call.
type ExecutionResult struct {
	ID           string       `json:"id"`
	TraceID      string       `json:"trace_id,omitempty"`
	Text         string       `json:"text"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
	// Latency covers the successful attempt only, excluding backoff waits.
	Latency  time.Duration `json:"latency_ns"`
	Attempts int           `json:"attempts"`
	Model    string        `json:"model"`
}

// RejectedError is a non-transient provider rejection (4xx other than
// rate limit). Not retried.
type RejectedError struct {
	Status  int
	Body    string
	TraceID string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected request (HTTP %d): %s", e.Status, e.Body)
}

// UnavailableError is returned after the retry budget is exhausted on
// transient failures. Last holds the final underlying error.
type UnavailableError struct {
	Attempts int
	TraceID  string
	Last     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider unavailable after %d attempts: %v", e.Attempts, e.Last)
}

func (e *UnavailableError) Unwrap() error { return e.Last }

// transientError marks a retryable attempt failure (timeout, 5xx, 429).
type transientError struct {
	status int
	err    error
}

func (e *transientError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("transient provider failure (HTTP %d)", e.status)
}

func (e *transientError) Unwrap() error { return e.err }

// Execute sends the assembled prompt with merged generation parameters and
// returns the normalized result. Transient failures are retried with
// doubling backoff and jitter up to three attempts total; other failures
// propagate immediately. A cancelled context aborts the in-flight call and
// suppresses further retries.
func (c *Client) Execute(ctx context.Context, prompt assembler.AssembledPrompt, opts ExecutionOptions) (ExecutionResult, error) {
	params := prompt.Params.Merge(persona.GenerationParams{
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	body, err := json.Marshal(buildRequest(model, prompt.Text, opts.Input, params))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var lastErr error
	attempts := 0
	for attempt := range maxAttempts {
		attempts++
		attemptStart := time.Now()
		raw, err := c.doCompletion(ctx, body, timeout)
		if err == nil {
			res := normalize(raw, model)
			res.ID = uuid.NewString()
			res.TraceID = opts.TraceID
			res.Latency = time.Since(attemptStart)
			res.Attempts = attempts
			slog.Debug("provider call succeeded",
				"trace_id", opts.TraceID, "attempts", attempts, "finish_reason", res.FinishReason)
			return res, nil
		}

		var transient *transientError
		if !errors.As(err, &transient) {
			slog.Debug("provider call failed", "trace_id", opts.TraceID, "attempts", attempts, "error", err)
			return ExecutionResult{}, err
		}

		lastErr = err
		slog.Debug("provider call retrying", "trace_id", opts.TraceID, "attempt", attempts, "error", err)
		if attempt < maxAttempts-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			backoff += time.Duration(rand.Int64N(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return ExecutionResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return ExecutionResult{}, &UnavailableError{Attempts: attempts, TraceID: opts.TraceID, Last: lastErr}
}

// completionResponse is the subset of the provider's response we consume.
type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *Client) doCompletion(ctx context.Context, body []byte, timeout time.Duration) (completionResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return completionResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The caller's cancellation is terminal; an attempt timeout is
		// transient and eligible for retry.
		if ctx.Err() != nil {
			return completionResponse{}, ctx.Err()
		}
		return completionResponse{}, &transientError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return completionResponse{}, &transientError{status: resp.StatusCode}
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return completionResponse{}, &RejectedError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return completionResponse{}, &transientError{err: fmt.Errorf("decoding response: %w", err)}
	}
	return out, nil
}

func buildRequest(model, system, input string, params persona.GenerationParams) map[string]any {
	systemText := system
	if params.CustomInstructions != "" {
		systemText = systemText + "\n\n" + params.CustomInstructions
	}
	messages := []map[string]string{{"role": "system", "content": systemText}}
	if input != "" {
		messages = append(messages, map[string]string{"role": "user", "content": input})
	}

	req := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if params.Temperature != nil {
		req["temperature"] = *params.Temperature
	}
	if params.MaxTokens != nil {
		req["max_tokens"] = *params.MaxTokens
	}
	if params.TopP != nil {
		req["top_p"] = *params.TopP
	}
	if params.ResponseFormat != "" {
		req["response_format"] = map[string]string{"type": params.ResponseFormat}
	}
	return req
}

// normalize maps the provider's response onto the canonical result shape.
func normalize(raw completionResponse, model string) ExecutionResult {
	res := ExecutionResult{
		Usage:        raw.Usage,
		Model:        model,
		FinishReason: FinishError,
	}
	if len(raw.Choices) > 0 {
		res.Text = raw.Choices[0].Message.Content
		res.FinishReason = mapFinishReason(raw.Choices[0].FinishReason)
	}
	return res
}

// mapFinishReason folds provider-specific finish codes onto the four
// canonical values.
func mapFinishReason(s string) FinishReason {
	switch strings.ToLower(s) {
	case "stop", "end_turn", "completed", "":
		return FinishCompleted
	case "length", "max_tokens":
		return FinishLengthTruncated
	case "content_filter", "content_filtered", "safety":
		return FinishContentFiltered
	default:
		return FinishError
	}
}
