package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider streams chat completions with a fixed model. It backs RAG
// answers when the user's primary provider cannot start a stream.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	params := anthropicParams(p.model, req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamChunk, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		accum := anthropic.Message{}
		for stream.Next() {
			evt := stream.Current()
			accum.Accumulate(evt)

			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Type == "text_delta" {
					if !send(ctx, ch, StreamChunk{Content: evt.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				send(ctx, ch, StreamChunk{
					Done:         true,
					InputTokens:  int(accum.Usage.InputTokens),
					OutputTokens: int(accum.Usage.OutputTokens),
				})
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamChunk{Error: classifyAnthropic(err), Done: true})
		}
	}()

	return ch, nil
}

// anthropicParams maps a chat request onto the Messages API, which takes the
// system prompt separately and wants turns that alternate starting with the
// user. Consecutive turns of one role are merged; leading assistant turns are
// dropped.
func anthropicParams(model string, req ChatRequest) anthropic.MessageNewParams {
	var system []string
	type turn struct {
		role string
		text []string
	}
	var turns []turn
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user", "assistant":
			if len(turns) == 0 && m.Role == "assistant" {
				continue
			}
			if n := len(turns); n > 0 && turns[n-1].role == m.Role {
				turns[n-1].text = append(turns[n-1].text, m.Content)
				continue
			}
			turns = append(turns, turn{role: m.Role, text: []string{m.Content}})
		}
	}

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == "user" {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}
