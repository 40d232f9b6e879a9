package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/memory"
)

// QueryVectors caches question embeddings.
type QueryVectors interface {
	Get(ctx context.Context, model, text string) ([]float32, bool, error)
	Set(ctx context.Context, model, text string, vec []float32) error
}

type Answerer struct {
	pipeline *Pipeline
	vectors  QueryVectors
	fallback llm.ChatStreamer
}

func NewAnswerer(p *Pipeline, vectors QueryVectors, fallback llm.ChatStreamer) *Answerer {
	return &Answerer{pipeline: p, vectors: vectors, fallback: fallback}
}

type AnswerRequest struct {
	UserID           uuid.UUID
	Question         string
	History          []llm.Message
	Model            string
	MaxSections      int
	MaxContextTokens int
	MaxHistoryTokens int
}

// Answer retrieves context for the question and streams the completion.
// Cancelling ctx stops the producer.
func (a *Answerer) Answer(ctx context.Context, client llm.Capability, req AnswerRequest) (<-chan llm.StreamChunk, []Section, error) {
	query, err := a.queryVector(ctx, client, req.Question)
	if err != nil {
		return nil, nil, err
	}

	sections, err := a.pipeline.FindRelevant(ctx, req.UserID, query, req.MaxSections, req.MaxContextTokens)
	if err != nil {
		return nil, nil, err
	}

	history := memory.Window(req.History, req.MaxHistoryTokens)
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Context:\n%s\nQuestion: %s", buildContext(sections), req.Question),
	})

	stream, err := llm.WithFallback(client, a.fallback).ChatStream(ctx, llm.ChatRequest{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start answer stream: %w", err)
	}
	return stream, sections, nil
}

func (a *Answerer) queryVector(ctx context.Context, client llm.Capability, question string) ([]float32, error) {
	model := client.EmbeddingModel()
	if a.vectors != nil {
		vec, ok, err := a.vectors.Get(ctx, model, question)
		if err != nil {
			slog.Warn("query embedding cache unavailable", "error", err)
		} else if ok {
			return vec, nil
		}
	}

	vecs, err := a.pipeline.Embed(ctx, client, []string{question}, nil)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if a.vectors != nil {
		if err := a.vectors.Set(ctx, model, question, vecs[0]); err != nil {
			slog.Warn("failed to cache query embedding", "error", err)
		}
	}
	return vecs[0], nil
}

const systemPrompt = `You are a helpful assistant. Answer the user's question using the provided context.
If the context doesn't contain enough information, say so. Cite sources as [Source N].`

func buildContext(sections []Section) string {
	var sb strings.Builder
	for i, s := range sections {
		fmt.Fprintf(&sb, "[Source %d] (score: %.3f, pages: %v)\n%s\n\n", i+1, s.Score, s.Chunk.Pages, s.Chunk.Content)
	}
	return sb.String()
}
