package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the typed parameter set of a job. Exactly one variant is
// populated and it must match Type.
type Payload struct {
	Type      JobType           `json:"type"`
	Embedding *EmbeddingPayload `json:"embedding,omitempty"`
	Image     *ImagePayload     `json:"image,omitempty"`
	TTS       *TTSPayload       `json:"tts,omitempty"`
	Audio     *AudioPayload     `json:"audio,omitempty"`
	Deletion  *DeletionPayload  `json:"deletion,omitempty"`
}

type EmbeddingPayload struct {
	FilePath  string `json:"file_path"`
	FileType  string `json:"file_type,omitempty"`
	ChunkSize int    `json:"chunk_size"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
}

type ImagePayload struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
	Count   int    `json:"count"`
}

type TTSPayload struct {
	Input  string  `json:"input"`
	Voice  string  `json:"voice"`
	Model  string  `json:"model"`
	Format string  `json:"format"`
	Speed  float64 `json:"speed"`
}

// AudioPayload parameterizes both transcription and translation jobs.
type AudioPayload struct {
	FilePath       string `json:"file_path"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt,omitempty"`
	Language       string `json:"language,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type DeletionPayload struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
}

var ErrPayloadMismatch = errors.New("payload variant does not match job type")

func NewEmbeddingPayload(p EmbeddingPayload) Payload {
	return Payload{Type: JobTypeEmbedding, Embedding: &p}
}

func NewImagePayload(p ImagePayload) Payload {
	return Payload{Type: JobTypeImage, Image: &p}
}

func NewTTSPayload(p TTSPayload) Payload {
	return Payload{Type: JobTypeTTS, TTS: &p}
}

func NewTranscriptionPayload(p AudioPayload) Payload {
	return Payload{Type: JobTypeTranscription, Audio: &p}
}

func NewTranslationPayload(p AudioPayload) Payload {
	return Payload{Type: JobTypeTranslation, Audio: &p}
}

func NewDeletionPayload(entity EntityType, id uuid.UUID) Payload {
	return Payload{Type: JobTypeDeletion, Deletion: &DeletionPayload{EntityType: entity, EntityID: id}}
}

// Validate checks that the populated variant matches Type and carries the
// fields its handler cannot run without.
func (p Payload) Validate() error {
	set := 0
	for _, populated := range []bool{p.Embedding != nil, p.Image != nil, p.TTS != nil, p.Audio != nil, p.Deletion != nil} {
		if populated {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants populated", ErrPayloadMismatch, set)
	}

	switch p.Type {
	case JobTypeEmbedding:
		if p.Embedding == nil {
			return ErrPayloadMismatch
		}
		if p.Embedding.FilePath == "" {
			return errors.New("embedding payload: file path is required")
		}
	case JobTypeImage:
		if p.Image == nil {
			return ErrPayloadMismatch
		}
		if p.Image.Prompt == "" {
			return errors.New("image payload: prompt is required")
		}
	case JobTypeTTS:
		if p.TTS == nil {
			return ErrPayloadMismatch
		}
		if p.TTS.Input == "" {
			return errors.New("tts payload: input is required")
		}
	case JobTypeTranscription, JobTypeTranslation:
		if p.Audio == nil {
			return ErrPayloadMismatch
		}
		if p.Audio.FilePath == "" {
			return errors.New("audio payload: file path is required")
		}
	case JobTypeDeletion:
		if p.Deletion == nil {
			return ErrPayloadMismatch
		}
		if !p.Deletion.EntityType.Valid() {
			return fmt.Errorf("deletion payload: unknown entity type %q", p.Deletion.EntityType)
		}
	default:
		return fmt.Errorf("unknown job type %q", p.Type)
	}
	return nil
}
