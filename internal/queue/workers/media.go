package workers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/audio"
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
)

// ImageStore records generated images.
type ImageStore interface {
	InsertGeneratedImage(ctx context.Context, img models.GeneratedImage) error
	DeleteImages(ctx context.Context, ids []uuid.UUID) error
}

type ImageHandler struct {
	store ImageStore
	files Files
	retry llm.RetryPolicy
}

func NewImageHandler(store ImageStore, files Files, retry llm.RetryPolicy) *ImageHandler {
	return &ImageHandler{store: store, files: files, retry: retry}
}

func (h *ImageHandler) Handle(ctx context.Context, run *Run) (string, error) {
	p := run.Payload.Image
	images, err := llm.Retry(ctx, h.retry, "generate image", func(ctx context.Context) ([][]byte, error) {
		return run.Client.GenerateImage(ctx, llm.ImageRequest{
			Prompt:  p.Prompt,
			Model:   p.Model,
			Size:    p.Size,
			Quality: p.Quality,
			Style:   p.Style,
			Count:   p.Count,
		})
	})
	if err != nil {
		return "", err
	}

	var written []uuid.UUID
	ids := make([]uuid.UUID, 0, len(images))
	for i, img := range images {
		id := uuid.New()
		written = append(written, id)
		path, err := h.files.Upload(ctx, models.EntityGeneratedImage, id.String()+".png", bytes.NewReader(img))
		if err == nil {
			jobID := run.Job.ID
			err = h.store.InsertGeneratedImage(ctx, models.GeneratedImage{
				ID:       id,
				JobID:    &jobID,
				UserID:   run.Job.UserID,
				Prompt:   p.Prompt,
				FilePath: path,
			})
		}
		if err != nil {
			cctx, cancel := cleanupContext(ctx)
			if rerr := h.remove(cctx, written); rerr != nil {
				slog.Warn("failed to remove partial images", "job_id", run.Job.ID, "error", rerr)
			}
			cancel()
			return "", err
		}
		ids = append(ids, id)
		run.Progress("stored image %d/%d", i+1, len(images))
	}

	run.OnClaimLost(func(ctx context.Context) error {
		return h.remove(ctx, ids)
	})
	return summary(map[string]any{"images": ids}), nil
}

// remove deletes the files and rows of the given images.
func (h *ImageHandler) remove(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if _, err := h.files.RemoveMatching(models.EntityGeneratedImage, id); err != nil {
			slog.Warn("failed to remove image file", "image_id", id, "error", err)
		}
	}
	return h.store.DeleteImages(ctx, ids)
}

type TTSHandler struct {
	files Files
	retry llm.RetryPolicy
}

func NewTTSHandler(files Files, retry llm.RetryPolicy) *TTSHandler {
	return &TTSHandler{files: files, retry: retry}
}

func (h *TTSHandler) Handle(ctx context.Context, run *Run) (string, error) {
	p := run.Payload.TTS
	format := p.Format
	if format == "" {
		format = "mp3"
	}

	speech, err := llm.Retry(ctx, h.retry, "speak", func(ctx context.Context) ([]byte, error) {
		return run.Client.Speak(ctx, llm.SpeechRequest{
			Input:  p.Input,
			Model:  p.Model,
			Voice:  p.Voice,
			Format: format,
			Speed:  p.Speed,
		})
	})
	if err != nil {
		return "", err
	}

	path, err := h.files.Upload(ctx, models.EntityAudioJob, run.Job.ID.String()+"."+format, bytes.NewReader(speech))
	if err != nil {
		return "", err
	}
	return summary(map[string]any{"path": path, "bytes": len(speech)}), nil
}

// Segmenter splits audio at quiet points.
type Segmenter interface {
	Segment(ctx context.Context, path string, target, radius time.Duration) ([]audio.Segment, error)
}

// AudioHandler transcribes or translates long recordings segment by segment
// and writes the reassembled transcript next to the upload.
type AudioHandler struct {
	segmenter Segmenter
	files     Files
	target    time.Duration
	radius    time.Duration
	retry     llm.RetryPolicy
}

func NewAudioHandler(segmenter Segmenter, files Files, target, radius time.Duration, retry llm.RetryPolicy) *AudioHandler {
	return &AudioHandler{segmenter: segmenter, files: files, target: target, radius: radius, retry: retry}
}

func (h *AudioHandler) Handle(ctx context.Context, run *Run) (string, error) {
	p := run.Payload.Audio
	format := p.ResponseFormat
	if format == "" {
		format = audio.FormatText
	}

	segments, err := h.segmenter.Segment(ctx, p.FilePath, h.target, h.radius)
	if err != nil {
		return "", fmt.Errorf("segment audio: %w", err)
	}
	defer audio.Cleanup(p.FilePath, segments)
	run.Progress("split audio into %d segments", len(segments))

	translate := run.Job.Type == models.JobTypeTranslation
	fragments := make([]audio.Fragment, len(segments))
	for i, seg := range segments {
		req := llm.AudioRequest{
			FilePath:       seg.Path,
			Model:          p.Model,
			Prompt:         p.Prompt,
			Language:       p.Language,
			ResponseFormat: format,
		}
		text, err := llm.Retry(ctx, h.retry, string(run.Job.Type), func(ctx context.Context) (string, error) {
			if translate {
				return run.Client.Translate(ctx, req)
			}
			return run.Client.Transcribe(ctx, req)
		})
		if err != nil {
			return "", fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		fragments[i] = audio.Fragment{Text: text, Duration: seg.Duration}
		run.Progress("processed segment %d/%d", i+1, len(segments))
	}

	doc, err := audio.Concatenate(fragments, format)
	if err != nil {
		return "", err
	}
	path, err := h.files.Upload(ctx, models.EntityAudioJob, run.Job.ID.String()+audio.Extension(format), strings.NewReader(doc))
	if err != nil {
		return "", err
	}

	return summary(map[string]any{
		"path":     path,
		"format":   format,
		"segments": len(segments),
	}), nil
}
