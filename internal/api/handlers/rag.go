package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/rag"
)

type Answerer interface {
	Answer(ctx context.Context, client llm.Capability, req rag.AnswerRequest) (<-chan llm.StreamChunk, []rag.Section, error)
}

type Resolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (llm.Capability, error)
}

// RAGLimits are the retrieval defaults a request may lower.
type RAGLimits struct {
	ChatModel        string
	MaxSections      int
	MaxContextTokens int
	MaxHistoryTokens int
}

type RAGHandler struct {
	answerer Answerer
	resolver Resolver
	limits   RAGLimits
}

func NewRAGHandler(answerer Answerer, resolver Resolver, limits RAGLimits) *RAGHandler {
	return &RAGHandler{answerer: answerer, resolver: resolver, limits: limits}
}

type queryRequest struct {
	Question         string        `json:"question"`
	History          []llm.Message `json:"history,omitempty"`
	Model            string        `json:"model,omitempty"`
	MaxSections      int           `json:"max_sections,omitempty"`
	MaxContextTokens int           `json:"max_context_tokens,omitempty"`
}

type sourceView struct {
	Rank       int       `json:"rank"`
	Score      float32   `json:"score"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Pages      []int     `json:"pages"`
	Tokens     int       `json:"tokens"`
}

// Query answers a question over the caller's selected documents as an
// event stream: one "sources" event, then completion chunks.
func (h *RAGHandler) Query(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		badRequest(w, "question required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	client, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stream, sections, err := h.answerer.Answer(r.Context(), client, rag.AnswerRequest{
		UserID:           userID,
		Question:         req.Question,
		History:          req.History,
		Model:            firstNonEmpty(req.Model, h.limits.ChatModel),
		MaxSections:      lower(req.MaxSections, h.limits.MaxSections),
		MaxContextTokens: lower(req.MaxContextTokens, h.limits.MaxContextTokens),
		MaxHistoryTokens: h.limits.MaxHistoryTokens,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	sseHeaders(w)
	sources := make([]sourceView, len(sections))
	for i, s := range sections {
		sources[i] = sourceView{
			Rank:       s.Rank,
			Score:      s.Score,
			DocumentID: s.Chunk.DocumentID,
			ChunkIndex: s.Chunk.ChunkIndex,
			Pages:      s.Chunk.Pages,
			Tokens:     s.Chunk.Tokens,
		}
	}
	writeEvent(w, "sources", sources)
	flusher.Flush()

	for chunk := range stream {
		if chunk.Error != nil {
			writeEvent(w, "error", map[string]string{"error": chunk.Error.Error()})
			flusher.Flush()
			return
		}
		writeEvent(w, "", chunk)
		flusher.Flush()
		if chunk.Done {
			return
		}
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, name string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// lower returns requested when it tightens limit.
func lower(requested, limit int) int {
	if requested > 0 && (limit <= 0 || requested < limit) {
		return requested
	}
	return limit
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
