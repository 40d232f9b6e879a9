package llm

import (
	"context"
)

// Capability is the external model provider as the job handlers see it.
// Every error it returns carries a joberr.Kind.
type Capability interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Transcribe(ctx context.Context, req AudioRequest) (string, error)
	Translate(ctx context.Context, req AudioRequest) (string, error)
	Speak(ctx context.Context, req SpeechRequest) ([]byte, error)
	GenerateImage(ctx context.Context, req ImageRequest) ([][]byte, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
	EmbeddingModel() string
	EmbeddingDimension() int
}

// ChatStreamer produces a token stream for a chat request.
type ChatStreamer interface {
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// Message represents a single chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest is the input for chat completions.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// StreamChunk is a single chunk from a streaming response. The producer
// closes the channel after a chunk with Done set, or when the consumer's
// context is cancelled.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	Done         bool   `json:"done"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        error  `json:"-"`
}

// AudioRequest parameterizes a transcription or translation call.
type AudioRequest struct {
	FilePath       string
	Model          string
	Prompt         string
	Language       string
	ResponseFormat string
}

// SpeechRequest parameterizes a text-to-speech call.
type SpeechRequest struct {
	Input  string
	Model  string
	Voice  string
	Format string
	Speed  float64
}

// ImageRequest parameterizes an image generation call.
type ImageRequest struct {
	Prompt  string
	Model   string
	Size    string
	Quality string
	Style   string
	Count   int
}

// send delivers c unless the consumer has gone away.
func send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
