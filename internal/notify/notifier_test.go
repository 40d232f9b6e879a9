package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	events   []models.Event
	block    chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	if p.block != nil {
		<-p.block
	}
	var ev models.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.events = append(p.events, ev)
	return nil
}

func TestNotifyDeliversToUserChannel(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNotifier(pub, 10)
	user, job := uuid.New(), uuid.New()

	n.Notify(user, models.Event{Name: models.EventJobCompleted, JobID: job, Status: models.JobStatusCompleted, Result: "ok"})
	n.Close()

	require.Len(t, pub.events, 1)
	assert.Equal(t, "events:"+user.String(), pub.channels[0])
	assert.Equal(t, user, pub.events[0].UserID)
	assert.Equal(t, job, pub.events[0].JobID)
	assert.Equal(t, "ok", pub.events[0].Result)
}

func TestNotifyNeverBlocks(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	n := NewNotifier(pub, 2)
	var drops atomic.Int32
	n.OnDrop(func() { drops.Add(1) })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			n.Notify(uuid.New(), models.Event{Name: models.EventJobProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a stalled publisher")
	}
	assert.Greater(t, drops.Load(), int32(0))

	close(pub.block)
	n.Close()
}
