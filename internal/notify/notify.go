// Package notify publishes task events so holders learn when work lands on
// their desk.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event types.
const (
	EventCreated   = "task.created"
	EventHandover  = "task.handover"
	EventCompleted = "task.completed"
	EventStatus    = "task.status"
	EventOverdue   = "task.overdue"
)

// InboxSize caps each user's inbox list.
const InboxSize = 100

// Event is one task notification.
type Event struct {
	Type   string `json:"type"`
	TaskID int64  `json:"task_id"`
	Title  string `json:"title"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Note   string `json:"note,omitempty"`
	At     string `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory. It is a test double for
// code that takes a Publisher; the daemon never uses it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsChannel is the pub/sub channel of an instance.
func EventsChannel(instance string) string {
	return fmt.Sprintf("labflow:%s:task_events", instance)
}

// InboxKey is the list holding a user's recent events.
func InboxKey(instance, user string) string {
	return fmt.Sprintf("labflow:%s:inbox:%s", instance, user)
}

// RedisPublisher publishes events on a Redis channel and keeps a capped
// inbox list per recipient. All keys are namespaced with the instance name.
type RedisPublisher struct {
	rdb      *redis.Client
	instance string
}

// NewRedisPublisher connects to Redis for the given instance.
func NewRedisPublisher(opts *redis.Options, instance string) (*RedisPublisher, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &RedisPublisher{rdb: redis.NewClient(opts), instance: instance}, nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Ping verifies Redis connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Publish sends e to the events channel and, when it has a recipient,
// pushes it onto the recipient's inbox.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if e.To != "" {
		key := InboxKey(p.instance, e.To)
		_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, InboxSize-1)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update inbox: %w", err)
		}
	}

	if err := p.rdb.Publish(ctx, EventsChannel(p.instance), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Inbox returns up to n of the user's most recent events, newest first.
func (p *RedisPublisher) Inbox(ctx context.Context, user string, n int64) ([]Event, error) {
	raw, err := p.rdb.LRange(ctx, InboxKey(p.instance, user), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var e Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Subscription delivers events from the instance channel until closed.
type Subscription struct {
	events <-chan Event
	cancel func()
	once   sync.Once
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe listens for events. Malformed messages are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := p.rdb.Subscribe(ctx, EventsChannel(p.instance))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	events := make(chan Event, 10)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				select {
				case events <- e:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: events, cancel: cancel}, nil
}
