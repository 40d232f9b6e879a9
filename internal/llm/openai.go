package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig selects models and pacing for an OpenAI-backed Capability.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	EmbeddingModel     string
	EmbeddingDimension int
	ChatModel          string
	RequestsPerSecond  float64
	Burst              int
}

type OpenAIProvider struct {
	client  *openai.Client
	limiter *rate.Limiter
	cfg     OpenAIConfig
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.EmbeddingDimension == 0 {
		cfg.EmbeddingDimension = 1536
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		cfg:     cfg,
	}
}

func (p *OpenAIProvider) EmbeddingModel() string  { return p.cfg.EmbeddingModel }
func (p *OpenAIProvider) EmbeddingDimension() int { return p.cfg.EmbeddingDimension }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, classify("openai embedding", err)
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, req AudioRequest) (string, error) {
	return p.audio(ctx, req, false)
}

func (p *OpenAIProvider) Translate(ctx context.Context, req AudioRequest) (string, error) {
	return p.audio(ctx, req, true)
}

func (p *OpenAIProvider) audio(ctx context.Context, req AudioRequest, translate bool) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	model := req.Model
	if model == "" {
		model = openai.Whisper1
	}
	format := openai.AudioResponseFormat(req.ResponseFormat)
	if format == "" {
		format = openai.AudioResponseFormatText
	}
	areq := openai.AudioRequest{
		Model:    model,
		FilePath: req.FilePath,
		Prompt:   req.Prompt,
		Language: req.Language,
		Format:   format,
	}

	var (
		resp openai.AudioResponse
		err  error
		op   = "openai transcription"
	)
	if translate {
		op = "openai translation"
		resp, err = p.client.CreateTranslation(ctx, areq)
	} else {
		resp, err = p.client.CreateTranscription(ctx, areq)
	}
	if err != nil {
		return "", classify(op, err)
	}

	switch format {
	case openai.AudioResponseFormatJSON:
		b, err := json.Marshal(map[string]string{"text": resp.Text})
		if err != nil {
			return "", fmt.Errorf("encode %s response: %w", op, err)
		}
		return string(b), nil
	case openai.AudioResponseFormatVerboseJSON:
		b, err := json.Marshal(resp)
		if err != nil {
			return "", fmt.Errorf("encode %s response: %w", op, err)
		}
		return string(b), nil
	}
	return resp.Text, nil
}

func (p *OpenAIProvider) Speak(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = string(openai.TTSModel1)
	}
	voice := req.Voice
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	format := req.Format
	if format == "" {
		format = string(openai.SpeechResponseFormatMp3)
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1
	}

	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          req.Input,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
		Speed:          speed,
	})
	if err != nil {
		return nil, classify("openai speech", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, classify("read speech audio", err)
	}
	return audio, nil
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, req ImageRequest) ([][]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	size := req.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              max(req.Count, 1),
		Size:           size,
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, classify("openai image", err)
	}

	images := make([][]byte, 0, len(resp.Data))
	for i, d := range resp.Data {
		img, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.ChatModel
	}
	oReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	}
	if req.Temperature > 0 {
		oReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		oReq.MaxTokens = req.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, oReq)
	if err != nil {
		return nil, classify("openai stream", err)
	}

	ch := make(chan StreamChunk, 64)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				send(ctx, ch, StreamChunk{Done: true})
				return
			}
			if err != nil {
				send(ctx, ch, StreamChunk{Error: classify("openai stream", err), Done: true})
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, ch, StreamChunk{Content: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()

	return ch, nil
}

// OpenAIFactory builds per-key providers that share base's models and pacing.
func OpenAIFactory(base OpenAIConfig) Factory {
	return func(apiKey string) Capability {
		cfg := base
		cfg.APIKey = apiKey
		return NewOpenAIProvider(cfg)
	}
}
