package joberr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"tagged", New(KindCredential, "no key for user %d", 7), KindCredential},
		{"wrapped tagged", fmt.Errorf("store: %w", Wrap(KindChunkMismatch, errors.New("3 != 2"), "vectors")), KindChunkMismatch},
		{"deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), KindTimeout},
		{"deadline inside transient", Wrap(KindTransient, context.DeadlineExceeded, "call"), KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("load job: %w", New(KindNotFound, "job %s", "abc"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrCredential))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Wrap(KindTransient, errors.New("429"), "embed")))
	assert.False(t, Retryable(Wrap(KindCredential, errors.New("401"), "embed")))
	assert.False(t, Retryable(errors.New("other")))
}

func TestMessage(t *testing.T) {
	err := New(KindDimensionMismatch, "got 3 want 2")
	assert.Equal(t, "dimension_mismatch: got 3 want 2", Message(err))
	assert.Equal(t, "", Message(nil))
}
