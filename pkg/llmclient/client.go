// Package llmclient builds prompts from a thread, calls the configured
// chat-completions provider, and leniently parses the resulting insight.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrLLMProtocol is returned when the provider's response cannot be
// parsed into a JSON insight object, even leniently.
var ErrLLMProtocol = errors.New("llm protocol error")

// ErrLLMTransient marks a failed call: a network/408/429/5xx failure that
// exhausted its retries, or a non-retriable 4xx returned on the first
// attempt. It is distinguished from ErrLLMProtocol so the analyzer can
// format a skip reason of the right class.
var ErrLLMTransient = errors.New("llm transient error")

const systemPrompt = `You analyze customer support conversation threads from social media.
Given a full thread (messages in order), output a JSON object with:
- "sentiment": one of "positive", "negative", "neutral", "mixed", or "unknown"
- "topics": list of short topic strings (e.g. ["billing", "delay", "refund"])
- "gaps": list of service or communication gaps (e.g. "slow response", "no ETA")
- "summary": one short sentence summarizing the conversation

Output only valid JSON, no markdown or extra text.`

// Result is the analyzer-facing outcome of a successful analysis.
type Result struct {
	LLMOutput    json.RawMessage
	Sentiment    string
	Topics       []string
	Gaps         []string
	PromptTokens int
	CompletionTokens int
	TotalTokens  int
	CostEstimate float64
}

// ModelPricing gives the per-1000-token prices used to estimate cost.
type ModelPricing struct {
	PromptPricePer1K     float64
	CompletionPricePer1K float64
}

// RetryPolicy controls the LLM client's backoff on transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	JitterFrac  float64
}

// DefaultRetryPolicy: base 500ms, factor 2, jitter ±20%, max 4 attempts.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, Factor: 2, JitterFrac: 0.2}

// Client wraps an OpenAI-compatible chat-completions transport with the
// prompt shape, retry policy, and lenient JSON extraction the analyzer
// needs.
type Client struct {
	inner   *openai.Client
	model   string
	pricing map[string]ModelPricing
	retry   RetryPolicy
	sleep   func(context.Context, time.Duration) error
	random  *rand.Rand
}

// New builds a Client for baseURL/apiKey and the given model.
func New(baseURL, apiKey, model string, pricing map[string]ModelPricing) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{
		inner:   openai.NewClientWithConfig(cfg),
		model:   model,
		pricing: pricing,
		retry:   DefaultRetryPolicy,
		sleep:   sleepCtx,
		random:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSleepFunc overrides the backoff sleep implementation, letting callers
// (mainly tests) skip real wall-clock delays between retries.
func (c *Client) SetSleepFunc(f func(context.Context, time.Duration) error) {
	c.sleep = f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Analyze builds the canonical prompt from threadText, calls the
// chat-completions endpoint with retry/backoff, and leniently parses the
// resulting insight JSON.
func (c *Client) Analyze(ctx context.Context, threadText string) (Result, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Conversation thread:\n\n" + threadText},
		},
		Temperature: 0,
	}

	var resp openai.ChatCompletionResponse
	var lastErr error

	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		var err error
		resp, err = c.inner.CreateChatCompletion(ctx, req)
		if err == nil {
			return c.parseResult(resp)
		}
		lastErr = err

		if !isRetriable(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrLLMTransient, err)
		}
		if attempt == c.retry.MaxAttempts-1 {
			break
		}
		if sleepErr := c.sleep(ctx, c.backoffDelay(attempt, err)); sleepErr != nil {
			return Result{}, sleepErr
		}
	}
	return Result{}, fmt.Errorf("%w: %v", ErrLLMTransient, lastErr)
}

// backoffDelay computes the exponential-with-jitter delay for attempt. A
// 429 whose error message is a bare integer is taken as a retry delay in
// seconds instead; the response's Retry-After header is not read.
func (c *Client) backoffDelay(attempt int, err error) time.Duration {
	if d, ok := retryAfterDelay(err); ok {
		return d
	}
	base := float64(c.retry.BaseDelay) * math.Pow(c.retry.Factor, float64(attempt))
	jitter := base * c.retry.JitterFrac * (2*c.random.Float64() - 1)
	return time.Duration(base + jitter)
}

// isRetriable classifies a go-openai error as network/408/429/5xx
// (retriable) vs any other 4xx (not retriable).
func isRetriable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
			return true
		}
		return code >= 500
	}
	// Non-API errors (context deadline, connection reset, DNS) are network
	// failures and are retriable.
	return true
}

// retryAfterDelay extracts a Retry-After duration from a rate-limit error,
// if the provider supplied one.
func retryAfterDelay(err error) (time.Duration, bool) {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	if apiErr.Message == "" {
		return 0, false
	}
	// go-openai does not expose response headers on APIError; providers
	// that report Retry-After in the body do so as a bare integer seconds
	// value in some error payloads. This is a best-effort extraction.
	trimmed := strings.TrimSpace(apiErr.Message)
	if secs, convErr := strconv.Atoi(trimmed); convErr == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// parseResult extracts the response content, leniently parses it as JSON
// (stripping code fences or scanning for the first balanced {...} region
// if the model wrapped it in prose), and computes cost from configured
// per-model rates.
func (c *Client) parseResult(resp openai.ChatCompletionResponse) (Result, error) {
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no choices in response", ErrLLMProtocol)
	}
	content := resp.Choices[0].Message.Content

	raw, err := extractJSONObject(content)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLLMProtocol, err)
	}

	var parsed struct {
		Sentiment string   `json:"sentiment"`
		Topics    []string `json:"topics"`
		Gaps      []string `json:"gaps"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLLMProtocol, err)
	}

	pricing := c.pricing[c.model]
	cost := float64(resp.Usage.PromptTokens)/1000*pricing.PromptPricePer1K +
		float64(resp.Usage.CompletionTokens)/1000*pricing.CompletionPricePer1K

	return Result{
		LLMOutput:        raw,
		Sentiment:        NormalizeSentiment(parsed.Sentiment),
		Topics:           parsed.Topics,
		Gaps:             parsed.Gaps,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostEstimate:     cost,
	}, nil
}

// NormalizeSentiment maps a provider's sentiment string to one of the
// permitted values, mapping anything unrecognized to "unknown".
func NormalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return "positive"
	case "negative":
		return "negative"
	case "neutral":
		return "neutral"
	case "mixed":
		return "mixed"
	default:
		return "unknown"
	}
}

// extractJSONObject returns content as-is if it already parses as a JSON
// object; otherwise strips a leading ```json/``` code fence, or failing
// that scans for the first balanced {...} region.
func extractJSONObject(content string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)

	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		start := 0
		if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
			start = 1
		}
		end := len(lines)
		for i := start; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == "```" {
				end = i
				break
			}
		}
		candidate := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	if region, ok := firstBalancedObject(trimmed); ok {
		return json.RawMessage(region), nil
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}

// firstBalancedObject scans s for the first balanced {...} region,
// respecting string literals so braces inside quoted text don't unbalance
// the scan.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
