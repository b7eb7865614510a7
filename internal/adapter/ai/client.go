// Package ai implements the bounded, self-correcting LLM client and the
// prompt/response machinery around it.
package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Client implements domain.AIClient against an OpenAI-compatible chat
// endpoint. A weighted semaphore gates all outbound calls; waiters queue
// in FIFO order, which is the only back-pressure the provider sees.
type Client struct {
	cfg config.Config
	hc  *http.Client
	sem *semaphore.Weighted
}

// New constructs a Client. The HTTP timeout is the per-call hard limit;
// large chunks need minutes.
func New(cfg config.Config) *Client {
	n := cfg.LLMConcurrency
	if n <= 0 {
		n = 4
	}
	timeout := cfg.LLMCallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: timeout},
		sem: semaphore.NewWeighted(n),
	}
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, cap, factor := c.cfg.GetLLMBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = cap
	expo.Multiplier = factor
	return expo
}

// ChatJSON calls the chat completions endpoint and returns the message
// content. Transport-level failures (429, 5xx, timeouts) are retried with
// exponential backoff; the semaphore is held only for the duration of one
// attempt so a timed-out call never blocks waiters through its backoff.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		slog.Error("LLM API key missing")
		return "", fmt.Errorf("%w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}

	body := map[string]any{
		"model":       c.cfg.LLMModel,
		"temperature": 0.2,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	op := func() error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		defer c.sem.Release(1)

		start := time.Now()
		// Recreate request each attempt to avoid reusing consumed bodies
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		observability.LLMRequestsTotal.WithLabelValues("chat").Inc()
		observability.LLMRequestDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			slog.Error("failed to read LLM response body", slog.Any("error", err))
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			// Retryable: let backoff handle it
			slog.Warn("llm provider rate limited", slog.Int("status", resp.StatusCode), slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client error: non-retryable
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("llm provider 4xx", slog.Int("status", resp.StatusCode), slog.String("model", c.cfg.LLMModel), slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Error("llm provider non-2xx", slog.Int("status", resp.StatusCode), slog.String("body", snippet))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			slog.Error("llm provider decode error", slog.Any("error", err))
			return err
		}
		return nil
	}

	expo := c.getBackoffConfig()
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		slog.Error("llm call failed after retries", slog.Any("error", err))
		return "", fmt.Errorf("op=ai.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty choices from llm provider")
	}
	return out.Choices[0].Message.Content, nil
}
