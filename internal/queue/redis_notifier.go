package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisChannelPrefix = "orbit:queue:notify:"
	redisListPrefix    = "orbit:queue:signal:"
)

// RedisNotifier broadcasts queue signals over Redis PUBLISH/SUBSCRIBE so that
// every engine instance sharing a Redis job store wakes up on enqueue.
type RedisNotifier struct {
	client *redis.Client
	subs   *subscriptionSet
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, subs: newSubscriptionSet()}
}

func (n *RedisNotifier) Notify(ctx context.Context, queue string) error {
	return n.client.Publish(ctx, redisChannelPrefix+queue, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	sub, subCtx, ok := n.subs.add(ctx, queue)
	if !ok {
		return sub.ch
	}

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+queue)
	go func() {
		defer n.subs.finish(sub)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				sub.signal()
			}
		}
	}()
	return sub.ch
}

func (n *RedisNotifier) Close() error {
	n.subs.closeAll()
	return nil
}

// RedisListNotifier uses LPUSH/BRPOP: a signal is stored until one
// subscriber pops it, so signals sent while nobody listens are not lost and
// each signal wakes exactly one worker across the cluster.
type RedisListNotifier struct {
	client *redis.Client
	subs   *subscriptionSet
}

func NewRedisListNotifier(client *redis.Client) *RedisListNotifier {
	return &RedisListNotifier{client: client, subs: newSubscriptionSet()}
}

func (n *RedisListNotifier) Notify(ctx context.Context, queue string) error {
	return n.client.LPush(ctx, redisListPrefix+queue, "1").Err()
}

func (n *RedisListNotifier) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	sub, subCtx, ok := n.subs.add(ctx, queue)
	if !ok {
		return sub.ch
	}

	key := redisListPrefix + queue
	go func() {
		defer n.subs.finish(sub)
		for subCtx.Err() == nil {
			// short timeout so cancellation is observed promptly
			res, err := n.client.BRPop(subCtx, time.Second, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				select {
				case <-subCtx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			if len(res) >= 2 {
				sub.signal()
			}
		}
	}()
	return sub.ch
}

func (n *RedisListNotifier) Close() error {
	n.subs.closeAll()
	return nil
}
