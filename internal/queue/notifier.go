package queue

import (
	"context"
	"sync"
)

// Notifier wakes idle workers when a queue receives work. Workers still poll
// at Config.PollInterval, so a lost signal only costs latency.
type Notifier interface {
	// Notify signals that the named queue has runnable jobs.
	Notify(ctx context.Context, queue string) error

	// Subscribe returns a channel that receives a signal whenever the queue
	// is notified. The channel is closed when ctx ends or Close is called.
	Subscribe(ctx context.Context, queue string) <-chan struct{}

	Close() error
}

// NoopNotifier never signals; workers rely on polling alone.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (*NoopNotifier) Notify(context.Context, string) error { return nil }

func (*NoopNotifier) Subscribe(ctx context.Context, _ string) <-chan struct{} {
	ch := make(chan struct{})
	context.AfterFunc(ctx, func() { close(ch) })
	return ch
}

func (*NoopNotifier) Close() error { return nil }

// ChannelNotifier signals workers of the same process. Signals for a queue
// coalesce: a worker that has not yet consumed one sees a single wake-up.
type ChannelNotifier struct {
	subs *subscriptionSet
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{subs: newSubscriptionSet()}
}

func (n *ChannelNotifier) Notify(_ context.Context, queue string) error {
	n.subs.each(queue, (*subscription).signal)
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	sub, subCtx, ok := n.subs.add(ctx, queue)
	if !ok {
		return sub.ch
	}
	context.AfterFunc(subCtx, func() { n.subs.finish(sub) })
	return sub.ch
}

func (n *ChannelNotifier) Close() error {
	n.subs.closeAll()
	return nil
}

type subscription struct {
	queue  string
	ch     chan struct{}
	cancel context.CancelFunc
}

// signal never blocks; a pending signal absorbs the new one.
func (s *subscription) signal() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// subscriptionSet tracks live subscriptions of a notifier. Whoever calls
// finish owns closing the subscription channel, exactly once.
type subscriptionSet struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[*subscription]struct{})}
}

// add registers a subscription for queue. After closeAll it returns an
// already closed channel and ok=false.
func (s *subscriptionSet) add(ctx context.Context, queue string) (sub *subscription, subCtx context.Context, ok bool) {
	sub = &subscription{queue: queue, ch: make(chan struct{}, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub, nil, false
	}
	subCtx, sub.cancel = context.WithCancel(ctx)
	s.subs[sub] = struct{}{}
	return sub, subCtx, true
}

func (s *subscriptionSet) each(queue string, fn func(*subscription)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.queue == queue {
			fn(sub)
		}
	}
}

func (s *subscriptionSet) finish(sub *subscription) {
	s.mu.Lock()
	_, live := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.cancel()
	if live {
		close(sub.ch)
	}
}

// closeAll cancels every subscription; their owners close the channels.
func (s *subscriptionSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.cancel()
	}
}
