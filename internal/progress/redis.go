package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "ws_notifications:"
const channelPattern = channelPrefix + "*"

// RedisBus carries events across processes through redis pub/sub.
// Publishers write to ws_notifications:<user-id>; a per-process
// dispatcher pattern-subscribes to ws_notifications:* and forwards each
// message to the local subscribers of the addressed user. Events for one
// user keep publish order through a single dispatcher.
type RedisBus struct {
	client *redis.Client
	local  *MemoryBus
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	bus := &RedisBus{
		client: client,
		local:  NewMemoryBus(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go bus.dispatch(ctx)
	return bus, nil
}

func (b *RedisBus) Publish(ctx context.Context, userID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+userID, payload).Err(); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(userID string) (<-chan Event, func()) {
	return b.local.Subscribe(userID)
}

// dispatch forwards redis messages to local subscribers until Close.
// If the dispatcher dies, events are lost but task state stays durable;
// subscribers reconcile from the task registry on reconnect.
func (b *RedisBus) dispatch(ctx context.Context) {
	defer close(b.done)

	pubsub := b.client.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			userID := strings.TrimPrefix(msg.Channel, channelPrefix)
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("progress: dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			if err := b.local.Publish(ctx, userID, event); err != nil {
				log.Printf("progress: local delivery failed for %s: %v", userID, err)
			}
		}
	}
}

func (b *RedisBus) Close() error {
	b.cancel()
	<-b.done
	b.local.Close()
	return b.client.Close()
}
