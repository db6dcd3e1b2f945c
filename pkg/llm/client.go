package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	// DefaultBaseURL is the Moonshot (Kimi) OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.moonshot.ai/v1"
	DefaultModel   = "kimi-k2-0711-preview"
)

// Config selects and authenticates a provider.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Logger   *zerolog.Logger
}

// NewClient builds the client for cfg.Provider.
func NewClient(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %q", cfg.Provider)
	}
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func loggerFor(cfg Config, provider string) zerolog.Logger {
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return base.With().Str("component", "llm").Str("provider", provider).Logger()
}

type completeFunc func(ctx context.Context, req Request) (*Response, error)

// instrument wraps one provider call with a span, metrics and error
// classification.
func instrument(ctx context.Context, provider string, logger zerolog.Logger, req Request, call completeFunc) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "npcagent.llm", "llm.complete",
		attribute.String("provider", provider),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	)
	logger = tracing.LoggerFromContext(ctx, logger)

	start := time.Now()
	resp, err := call(ctx, req)
	if err != nil {
		err = wrap(provider, err)
		kind := KindOf(err)
		observability.RecordModelError(provider, string(kind))
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		tracing.EndSpan(span, err)

		logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("model", req.Model).
			Dur("duration", time.Since(start)).
			Msg("Model call failed")
		return nil, err
	}

	observability.RecordModelTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.SetAttributes(
		attribute.String("stop_reason", string(resp.StopReason)),
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.Int("tokens.input", resp.Usage.InputTokens),
		attribute.Int("tokens.output", resp.Usage.OutputTokens),
	)
	tracing.EndSpan(span, nil)

	logger.Debug().
		Str("model", req.Model).
		Str("stop_reason", string(resp.StopReason)).
		Int("tool_calls", len(resp.ToolCalls)).
		Dur("duration", time.Since(start)).
		Msg("Model call completed")
	return resp, nil
}
