package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
)

type fallbackChat struct {
	primary  ChatStreamer
	fallback ChatStreamer
}

// WithFallback returns a ChatStreamer that switches to fallback when primary
// fails to open a stream with a transient error. A nil fallback returns
// primary unchanged.
func WithFallback(primary, fallback ChatStreamer) ChatStreamer {
	if fallback == nil {
		return primary
	}
	return &fallbackChat{primary: primary, fallback: fallback}
}

func (f *fallbackChat) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	ch, err := f.primary.ChatStream(ctx, req)
	if err == nil || !joberr.Retryable(err) {
		return ch, err
	}
	slog.Warn("primary chat stream failed, trying fallback", "error", err)
	return f.fallback.ChatStream(ctx, req)
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return joberr.Wrap(kindForStatus(apiErr.StatusCode), err, "anthropic stream")
	}
	return classify("anthropic stream", err)
}
