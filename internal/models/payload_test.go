package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"embedding", NewEmbeddingPayload(EmbeddingPayload{FilePath: "/tmp/a.pdf", ChunkSize: 200}), false},
		{"embedding without path", NewEmbeddingPayload(EmbeddingPayload{}), true},
		{"image", NewImagePayload(ImagePayload{Prompt: "a cat", Count: 1}), false},
		{"tts", NewTTSPayload(TTSPayload{Input: "hi"}), false},
		{"transcription", NewTranscriptionPayload(AudioPayload{FilePath: "a.mp3"}), false},
		{"translation", NewTranslationPayload(AudioPayload{FilePath: "a.mp3"}), false},
		{"deletion", NewDeletionPayload(EntityDocument, uuid.New()), false},
		{"deletion unknown entity", NewDeletionPayload("planet", uuid.New()), true},
		{"mismatched variant", Payload{Type: JobTypeImage, TTS: &TTSPayload{Input: "x"}}, true},
		{"no variant", Payload{Type: JobTypeImage}, true},
		{"two variants", Payload{Type: JobTypeImage, Image: &ImagePayload{Prompt: "x"}, TTS: &TTSPayload{Input: "x"}}, true},
		{"unknown type", Payload{Type: "video", Image: &ImagePayload{Prompt: "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, JobStatusPending.CanTransition(JobStatusProcessing))
	assert.True(t, JobStatusProcessing.CanTransition(JobStatusCompleted))
	assert.True(t, JobStatusProcessing.CanTransition(JobStatusFailed))
	assert.False(t, JobStatusCompleted.CanTransition(JobStatusPending))
	assert.False(t, JobStatusFailed.CanTransition(JobStatusProcessing))
	assert.False(t, JobStatusPending.CanTransition(JobStatusCompleted))
	assert.True(t, JobStatusCompleted.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
}
