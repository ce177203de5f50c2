// Package delivery fans broadcast messages out to realtime subscribers
// under a latency budget and feeds the KV pub/sub channels consumed by
// external gateways.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
	"github.com/louspringer/inter-llm-mailbox/pkg/subscription"
)

// Config tunes broadcast fan-out.
type Config struct {
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// Validate applies defaults for unset fields.
func (c *Config) Validate() error {
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	return nil
}

// Stats are cumulative fan-out counters.
type Stats struct {
	Broadcasts    int64
	Delivered     int64
	HandlerErrors int64
	Timeouts      int64
}

// Result summarizes one broadcast.
type Result struct {
	SubscribersReached int
	HandlerErrors      int
	Timeouts           int
	PublishReceivers   int64
	Elapsed            time.Duration
}

// Broadcaster dispatches messages to local realtime subscribers in
// parallel and publishes them on the KV channels for the addressing
// mode.
type Broadcaster struct {
	config Config
	store  kv.Store
	subs   *subscription.Manager

	mu       sync.Mutex
	cached   []*subscription.Subscription
	cachedAt time.Time
	stats    Stats
}

// NewBroadcaster builds a broadcaster over the subscription manager.
func NewBroadcaster(store kv.Store, subs *subscription.Manager, cfg Config) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broadcaster{config: cfg, store: store, subs: subs}, nil
}

// candidates returns the subscription snapshot, refreshed when the
// cache has aged past its TTL.
func (b *Broadcaster) candidates() []*subscription.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.cachedAt) > b.config.CacheTTL || b.cached == nil {
		b.cached = b.subs.All()
		b.cachedAt = time.Now()
	}
	return b.cached
}

// InvalidateCache forces the next broadcast to rebuild the subscription
// snapshot.
func (b *Broadcaster) InvalidateCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = nil
}

// Broadcast fans a message out to every matching realtime subscriber
// with a registered handler, then publishes it on the KV channels for
// its addressing mode. Handler errors and per-agent timeouts are
// counted but never block other agents.
func (b *Broadcaster) Broadcast(ctx context.Context, msg *message.Message) (*Result, error) {
	start := time.Now()
	target := msg.Routing.Target
	mode := msg.Routing.Mode

	// Group matching realtime subscriptions by agent.
	byAgent := make(map[string][]*subscription.Subscription)
	for _, sub := range b.candidates() {
		if !sub.Active || sub.Options.DeliveryMode != subscription.DeliveryRealtime {
			continue
		}
		if _, ok := b.subs.Handler(sub.AgentID); !ok {
			continue
		}
		// Disconnected agents queue via the subscription manager's
		// channel path instead.
		if !b.subs.Connected(sub.AgentID) {
			continue
		}
		if sub.Matches(target, mode, msg) {
			byAgent[sub.AgentID] = append(byAgent[sub.AgentID], sub)
		}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, b.config.BroadcastTimeout)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reached  int
		errCount int
		timeouts int
	)
	for agentID, agentSubs := range byAgent {
		wg.Add(1)
		go func(agentID string, agentSubs []*subscription.Subscription) {
			defer wg.Done()
			handler, ok := b.subs.Handler(agentID)
			if !ok {
				return
			}
			if !b.subs.MarkDelivered(agentID, msg.ID) {
				return
			}
			done := make(chan error, 1)
			go func() {
				var firstErr error
				for _, sub := range agentSubs {
					if err := handler(msg, sub); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				done <- firstErr
			}()
			select {
			case err := <-done:
				mu.Lock()
				if err != nil {
					errCount++
					slog.Warn("broadcast handler error", "agent", agentID, "message_id", msg.ID, "error", err)
				} else {
					reached++
				}
				mu.Unlock()
			case <-dispatchCtx.Done():
				mu.Lock()
				timeouts++
				mu.Unlock()
				slog.Warn("broadcast handler timed out", "agent", agentID, "message_id", msg.ID)
			}
		}(agentID, agentSubs)
	}
	wg.Wait()

	receivers, err := b.publish(ctx, msg)
	if err != nil {
		slog.Warn("channel publish failed", "message_id", msg.ID, "error", err)
	}

	elapsed := time.Since(start)
	b.mu.Lock()
	b.stats.Broadcasts++
	b.stats.Delivered += int64(reached)
	b.stats.HandlerErrors += int64(errCount)
	b.stats.Timeouts += int64(timeouts)
	b.mu.Unlock()

	return &Result{
		SubscribersReached: reached,
		HandlerErrors:      errCount,
		Timeouts:           timeouts,
		PublishReceivers:   receivers,
		Elapsed:            elapsed,
	}, nil
}

// publish sends the serialized message on the channels appropriate to
// its addressing mode and returns the total pub/sub receiver count.
func (b *Broadcaster) publish(ctx context.Context, msg *message.Message) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}

	var channels []string
	switch msg.Routing.Mode {
	case message.ModeDirect:
		channels = []string{kv.MailboxChannel(msg.Routing.Target)}
	case message.ModeTopic:
		channels = []string{kv.TopicChannel(msg.Routing.Target)}
	case message.ModeBroadcast:
		// The literal "mailbox:*" channel reaches pattern subscribers
		// of every mailbox.
		channels = []string{kv.BroadcastChannel, "mailbox:*"}
	default:
		return 0, fmt.Errorf("unroutable addressing mode %q", msg.Routing.Mode)
	}

	var total int64
	for _, channel := range channels {
		n, err := b.store.Publish(ctx, channel, payload)
		if err != nil {
			return total, fmt.Errorf("publish on %s: %w", channel, err)
		}
		total += n
	}
	return total, nil
}

// Stats returns a snapshot of the cumulative counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Health implements health.Reporter.
func (b *Broadcaster) Health(ctx context.Context) (*health.Status, error) {
	stats := b.Stats()
	return health.Healthy("broadcaster ready", map[string]string{
		"broadcasts":     strconv.FormatInt(stats.Broadcasts, 10),
		"delivered":      strconv.FormatInt(stats.Delivered, 10),
		"handler_errors": strconv.FormatInt(stats.HandlerErrors, 10),
		"timeouts":       strconv.FormatInt(stats.Timeouts, 10),
	}), nil
}
