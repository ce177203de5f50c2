package memstore

import (
	"context"
	"log/slog"
	"path"
	"sync"

	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
)

// subscriberBuffer is the per-session inbound channel capacity. Sends to a
// full buffer are dropped rather than blocking the publisher.
const subscriberBuffer = 256

type subscriber struct {
	store *Store

	mu       sync.Mutex
	channels map[string]struct{}
	patterns map[string]struct{}
	out      chan *kv.InboundMessage
	closed   bool
}

var _ kv.Subscriber = (*subscriber)(nil)

// NewSubscriber opens a pub/sub session against this store.
func (s *Store) NewSubscriber(ctx context.Context) (kv.Subscriber, error) {
	sub := &subscriber{
		store:    s,
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		out:      make(chan *kv.InboundMessage, subscriberBuffer),
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		sub.closed = true
		close(sub.out)
		return sub, nil
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers payload to every open session subscribed to the channel
// or a matching pattern, returning the number of sessions reached.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	var reached int64
	for sub := range s.subs {
		if sub.deliver(channel, payload) {
			reached++
		}
	}
	return reached, nil
}

// deliver sends the message to the session if it matches. Returns true if
// the session counts as reached.
func (sub *subscriber) deliver(channel string, payload []byte) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}

	matchedPattern := ""
	if _, ok := sub.channels[channel]; !ok {
		found := false
		for p := range sub.patterns {
			if ok, _ := path.Match(p, channel); ok {
				matchedPattern = p
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	msg := &kv.InboundMessage{
		Channel: channel,
		Pattern: matchedPattern,
		Payload: payload,
	}
	select {
	case sub.out <- msg:
	default:
		// Buffer full: the session is lagging, drop for this message.
		slog.Warn("memstore pubsub buffer full, dropping message", "channel", channel)
	}
	return true
}

func (sub *subscriber) Subscribe(ctx context.Context, channels ...string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	return nil
}

func (sub *subscriber) PSubscribe(ctx context.Context, patterns ...string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, p := range patterns {
		sub.patterns[p] = struct{}{}
	}
	return nil
}

func (sub *subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, ch := range channels {
		delete(sub.channels, ch)
	}
	return nil
}

func (sub *subscriber) PUnsubscribe(ctx context.Context, patterns ...string) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, p := range patterns {
		delete(sub.patterns, p)
	}
	return nil
}

func (sub *subscriber) Messages() <-chan *kv.InboundMessage {
	return sub.out
}

func (sub *subscriber) Close() error {
	sub.store.subMu.Lock()
	delete(sub.store.subs, sub)
	sub.store.subMu.Unlock()
	sub.shutdown()
	return nil
}

// shutdown closes the session's channels once.
func (sub *subscriber) shutdown() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.out)
}
