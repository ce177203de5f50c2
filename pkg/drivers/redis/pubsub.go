package redis

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
)

// subscriber wraps a go-redis PubSub session and adapts its message
// stream to kv.InboundMessage.
type subscriber struct {
	ps  *redis.PubSub
	out chan *kv.InboundMessage

	closeOnce sync.Once
	done      chan struct{}
}

var _ kv.Subscriber = (*subscriber)(nil)

// NewSubscriber opens a pub/sub session. Channels and patterns are added
// with Subscribe/PSubscribe afterwards.
func (d *Driver) NewSubscriber(ctx context.Context) (kv.Subscriber, error) {
	ps := d.client.Subscribe(ctx)
	sub := &subscriber{
		ps:   ps,
		out:  make(chan *kv.InboundMessage, 256),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// pump copies inbound messages until the session closes.
func (s *subscriber) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			inbound := &kv.InboundMessage{
				Channel: msg.Channel,
				Pattern: msg.Pattern,
				Payload: []byte(msg.Payload),
			}
			select {
			case s.out <- inbound:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *subscriber) PSubscribe(ctx context.Context, patterns ...string) error {
	return s.ps.PSubscribe(ctx, patterns...)
}

func (s *subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *subscriber) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return s.ps.PUnsubscribe(ctx, patterns...)
}

func (s *subscriber) Messages() <-chan *kv.InboundMessage {
	return s.out
}

func (s *subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
