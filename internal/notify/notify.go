// Package notify provides the push-based wakeup layer the retry scheduler
// uses to nudge a worker's poll loop early instead of waiting out a full
// poll interval (§4.6 expansion), adapted from the teacher's
// push-notification queue layer.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Topic identifies what kind of wakeup this is, routing notifications the
// way the teacher's QueueType routed queue signals.
type Topic string

const (
	TopicRetryDue     Topic = "retry_due"
	TopicArchiveMove  Topic = "archive_move"
	TopicUpdateQueued Topic = "update_queued"
)

// Notifier complements (never replaces) polling: Notify wakes any
// subscriber early, Subscribe hands back a channel that fires on each
// notification.
type Notifier interface {
	Notify(ctx context.Context, topic Topic, key string) error
	Subscribe(ctx context.Context, topic Topic) <-chan struct{}
	Close() error
}

// ChannelNotifier is the single-process implementation: in-process channels,
// no cross-node fan-out. Suitable for a single durability daemon instance.
type ChannelNotifier struct {
	mu   sync.Mutex
	subs map[Topic][]chan struct{}
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{subs: make(map[Topic][]chan struct{})}
}

func (n *ChannelNotifier) Notify(_ context.Context, topic Topic, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[topic] = append(n.subs[topic], ch)
	n.mu.Unlock()
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[topic]
		for i, s := range subs {
			if s == ch {
				n.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()
	return ch
}

func (n *ChannelNotifier) Close() error { return nil }

const redisChannelPrefix = "durability:notify:"

// RedisNotifier fans out wakeups across every durability daemon instance
// sharing a worker's keyspace, via Redis PUBLISH/SUBSCRIBE.
type RedisNotifier struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, topic Topic, key string) error {
	channel := redisChannelPrefix + string(topic)
	if err := n.client.Publish(ctx, channel, key).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", channel, err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.mu.Unlock()

	pubsub := n.client.Subscribe(ctx, redisChannelPrefix+string(topic))
	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

var _ Notifier = (*ChannelNotifier)(nil)
var _ Notifier = (*RedisNotifier)(nil)
