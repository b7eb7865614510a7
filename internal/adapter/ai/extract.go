package ai

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// defaultResponseTokens caps the completion, not the prompt; extraction
// output is small relative to the code it describes.
const defaultResponseTokens = 8192

// Extractor drives the chat, sanitise, validate, self-correct loop. The
// loop is bounded: after maxAttempts schema failures the caller gets
// domain.ErrSchemaInvalid and retry policy moves up to the queue layer.
type Extractor struct {
	client      domain.AIClient
	sanitizer   *Sanitizer
	validator   *Validator
	maxAttempts int
}

// NewExtractor builds an Extractor. maxAttempts below 1 is coerced to 1.
func NewExtractor(client domain.AIClient, maxAttempts int) (*Extractor, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Extractor{
		client:      client,
		sanitizer:   NewSanitizer(),
		validator:   v,
		maxAttempts: maxAttempts,
	}, nil
}

// Extract runs one prompt to a validated Extraction. Each schema failure
// feeds the offending response and the validator diagnostic back to the
// model; transport errors abort immediately since the client already
// retried those.
func (e *Extractor) Extract(ctx domain.Context, userPrompt string) (Extraction, error) {
	prompt := userPrompt
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		raw, err := e.client.ChatJSON(ctx, SystemPrompt, prompt, defaultResponseTokens)
		if err != nil {
			return Extraction{}, fmt.Errorf("op=ai.extract: %w", err)
		}

		cleaned := e.sanitizer.Clean(raw)
		out, err := e.validator.Validate(cleaned)
		if err == nil {
			return out, nil
		}
		lastErr = err

		slog.Warn("llm response failed schema validation",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.maxAttempts),
			slog.Any("error", err))
		if attempt < e.maxAttempts {
			observability.LLMSchemaRetriesTotal.Inc()
			prompt = BuildCorrectionPrompt(userPrompt, raw, err)
		}
	}
	return Extraction{}, fmt.Errorf("op=ai.extract: exhausted %d attempts: %w", e.maxAttempts, lastErr)
}
