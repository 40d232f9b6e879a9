// Package notify delivers job events to a per-user channel. Delivery is
// best-effort: Notify never blocks, and events are dropped when the buffer
// is full.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilbhutani/jobpipeline/internal/models"
	"github.com/redis/go-redis/v9"
)

// Publisher sends an encoded event to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Channel is the pub/sub channel carrying userID's events.
func Channel(userID uuid.UUID) string {
	return "events:" + userID.String()
}

type Notifier struct {
	pub     Publisher
	events  chan models.Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped func()
}

func NewNotifier(pub Publisher, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 1000
	}
	n := &Notifier{
		pub:    pub,
		events: make(chan models.Event, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.processLoop()
	return n
}

// OnDrop registers a callback invoked for every dropped event.
func (n *Notifier) OnDrop(fn func()) {
	n.dropped = fn
}

// Notify queues ev for userID without blocking.
func (n *Notifier) Notify(userID uuid.UUID, ev models.Event) {
	ev.UserID = userID
	select {
	case n.events <- ev:
	default:
		slog.Warn("event queue full, dropping", "event", ev.Name, "job_id", ev.JobID, "user_id", userID)
		if n.dropped != nil {
			n.dropped()
		}
	}
}

// Close stops the delivery loop after flushing what is already queued.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.stop) })
	<-n.done
}

func (n *Notifier) processLoop() {
	defer close(n.done)
	for {
		select {
		case ev := <-n.events:
			n.deliver(ev)
		case <-n.stop:
			for {
				select {
				case ev := <-n.events:
					n.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event encoding failed", "error", err, "event", ev.Name)
		return
	}
	if err := n.pub.Publish(ctx, Channel(ev.UserID), data); err != nil {
		slog.Error("event delivery failed", "error", err, "event", ev.Name, "job_id", ev.JobID)
	}
}

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Subscribe streams userID's events until ctx is cancelled.
func Subscribe(ctx context.Context, client *redis.Client, userID uuid.UUID) <-chan models.Event {
	out := make(chan models.Event, 16)
	sub := client.Subscribe(ctx, Channel(userID))

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("discarding malformed event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
