// internal/events/events.go
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/models"
)

// Notifier delivers fire-and-forget events to players. Delivery failures are
// logged by the implementation and never reach the caller.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, models.Event) {}

// ChannelPrefix is the pub/sub channel family, one channel per user.
const ChannelPrefix = "events:user:"

// Channel returns the channel of a user.
func Channel(userID int64) string {
	return ChannelPrefix + strconv.FormatInt(userID, 10)
}

// RedisPublisher fans events out over redis pub/sub so any API instance
// holding the player's websocket can forward them.
type RedisPublisher struct {
	client redis.UniversalClient
	log    logrus.FieldLogger
}

func NewRedisPublisher(client redis.UniversalClient, log logrus.FieldLogger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log.WithField("component", "events")}
}

func (p *RedisPublisher) Notify(ctx context.Context, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(err).WithField("type", ev.Type).Error("failed to marshal event")
		return
	}

	pipe := p.client.Pipeline()
	for _, id := range ev.UserIDs {
		pipe.Publish(ctx, Channel(id), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"type":  ev.Type,
			"users": ev.UserIDs,
		}).Warn("failed to publish event")
	}
}

// Subscribe opens the event stream of one user. The caller closes it.
func (p *RedisPublisher) Subscribe(ctx context.Context, userID int64) *redis.PubSub {
	return p.client.Subscribe(ctx, Channel(userID))
}

// Recorder keeps every event in memory. Tests use it to assert what was sent.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Notify(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
