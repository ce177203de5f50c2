// Package mailboxcore wires the mailbox components into one service and
// exposes the public operation surface.
package mailboxcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/internal/metrics"
	"github.com/louspringer/inter-llm-mailbox/pkg/delivery"
	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
	"github.com/louspringer/inter-llm-mailbox/pkg/resilience"
	"github.com/louspringer/inter-llm-mailbox/pkg/router"
	"github.com/louspringer/inter-llm-mailbox/pkg/storage"
	"github.com/louspringer/inter-llm-mailbox/pkg/subscription"
	"github.com/louspringer/inter-llm-mailbox/pkg/topics"
)

// Config aggregates the per-component configuration.
type Config struct {
	MetricsNamespace string        `yaml:"metrics_namespace"`
	StatsInterval    time.Duration `yaml:"stats_interval"`

	Resilience   resilience.ManagerConfig `yaml:"resilience"`
	Offline      storage.OfflineConfig    `yaml:"offline"`
	Subscription subscription.Config      `yaml:"subscription"`
	Topics       topics.Config            `yaml:"topics"`
	Delivery     delivery.Config          `yaml:"delivery"`
	Router       router.Config            `yaml:"router"`
	Realtime     router.EnhancedConfig    `yaml:"realtime"`
}

// Validate applies defaults for unset fields.
func (c *Config) Validate() error {
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "mailbox"
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 60 * time.Second
	}
	return nil
}

// Core composes the drivers, resilience layer, storage, topic registry,
// subscription manager, broadcaster and router into one service.
type Core struct {
	config  Config
	driver  kv.Driver
	metrics *metrics.Collector

	resilience  *resilience.Manager
	mailboxes   *storage.MailboxStore
	offline     *storage.OfflineHandler
	subs        *subscription.Manager
	topics      *topics.Manager
	broadcaster *delivery.Broadcaster
	router      *router.Router
	realtime    *router.EnhancedRouter

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lastRetries  int64
	lastRealtime router.EnhancedStats
}

// New builds the full component graph over the given driver. Nothing
// runs until Start.
func New(driver kv.Driver, cfg Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resMgr, err := resilience.NewManager(cfg.Resilience)
	if err != nil {
		return nil, fmt.Errorf("resilience: %w", err)
	}
	offline, err := storage.NewOfflineHandler(driver, cfg.Offline)
	if err != nil {
		return nil, fmt.Errorf("offline handler: %w", err)
	}
	subs, err := subscription.NewManager(driver, cfg.Subscription)
	if err != nil {
		return nil, fmt.Errorf("subscription manager: %w", err)
	}
	topicMgr, err := topics.NewManager(driver, subs, cfg.Topics)
	if err != nil {
		return nil, fmt.Errorf("topic manager: %w", err)
	}
	mailboxes := storage.NewMailboxStore(driver)
	rt, err := router.New(driver, mailboxes, topicMgr, cfg.Router)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	broadcaster, err := delivery.NewBroadcaster(driver, subs, cfg.Delivery)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}
	realtime, err := router.NewEnhanced(rt, broadcaster, cfg.Realtime)
	if err != nil {
		return nil, fmt.Errorf("realtime router: %w", err)
	}

	c := &Core{
		config:      cfg,
		driver:      driver,
		metrics:     metrics.New(cfg.MetricsNamespace),
		resilience:  resMgr,
		mailboxes:   mailboxes,
		offline:     offline,
		subs:        subs,
		topics:      topicMgr,
		broadcaster: broadcaster,
		router:      rt,
		realtime:    realtime,
	}

	// Locally queued messages re-enter the full pipeline on drain.
	resMgr.SetSender(func(ctx context.Context, msg *message.Message) error {
		_, err := c.realtime.Route(ctx, msg)
		return err
	})
	return c, nil
}

// Start brings up every component and the stats loop. Subscriptions and
// topics restore persisted state before the router begins retrying.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := c.subs.Start(ctx); err != nil {
		return fmt.Errorf("start subscriptions: %w", err)
	}
	if err := c.topics.Start(ctx); err != nil {
		return fmt.Errorf("start topics: %w", err)
	}
	if err := c.offline.Start(ctx); err != nil {
		return fmt.Errorf("start offline handler: %w", err)
	}
	if err := c.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := c.resilience.Start(ctx); err != nil {
		return fmt.Errorf("start resilience: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.statsLoop(loopCtx)

	slog.Info("mailbox core started")
	return nil
}

// Stop shuts components down in reverse start order.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()

	var firstErr error
	stop := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			slog.Warn("component stop failed", "component", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	stop("resilience", c.resilience.Stop)
	stop("router", c.router.Stop)
	stop("offline", c.offline.Stop)
	stop("topics", c.topics.Stop)
	stop("subscriptions", c.subs.Stop)

	slog.Info("mailbox core stopped")
	return firstErr
}

// RouteMessage validates and routes a message through the resilience
// layer. When the backing store is unavailable the message is queued
// locally and QUEUED is returned.
func (c *Core) RouteMessage(ctx context.Context, msg *message.Message) (router.RoutingResult, error) {
	start := time.Now()
	if err := msg.Validate(); err != nil {
		c.metrics.RecordValidationFailure()
		c.metrics.RecordRoute(msg.Routing.Mode.String(), router.ResultRejected.String(), time.Since(start))
		return router.ResultRejected, err
	}

	var (
		result   router.RoutingResult
		routeErr error
		fallback bool
	)
	err := c.resilience.Execute(ctx, "route_message",
		func(ctx context.Context) error {
			result, routeErr = c.realtime.Route(ctx, msg)
			if result == router.ResultRejected {
				// Expiry is not a backend failure; don't trip the breaker.
				return nil
			}
			return routeErr
		},
		func(ctx context.Context) error {
			c.resilience.EnqueueLocal(msg)
			result = router.ResultQueued
			routeErr = nil
			fallback = true
			return nil
		})
	if err != nil {
		result = router.ResultFailed
		routeErr = err
	}

	// A QUEUED direct route means the message is persisted but nobody
	// received it live; record it in the recipients' offline queues so
	// reconnecting agents can catch up. The local-fallback path skips
	// this: the backing store is unavailable, and the message re-enters
	// routing in full when the queue drains.
	if result == router.ResultQueued && !fallback && msg.Routing.Mode == message.ModeDirect {
		c.queueOffline(ctx, msg)
	}

	c.metrics.RecordRoute(msg.Routing.Mode.String(), result.String(), time.Since(start))
	return result, routeErr
}

// queueOffline files a routed message into the durable offline queue of
// every known recipient of the target mailbox that cannot receive it
// right now. Recipients are the agents with a matching subscription
// plus the mailbox's registered subscribers.
func (c *Core) queueOffline(ctx context.Context, msg *message.Message) {
	target := msg.Routing.Target
	recipients := make(map[string]struct{})
	for _, sub := range c.subs.All() {
		if sub.Active && sub.Matches(target, message.ModeDirect, msg) {
			recipients[sub.AgentID] = struct{}{}
		}
	}
	if meta, err := c.mailboxes.GetMailbox(ctx, target); err == nil {
		for _, agent := range meta.Subscribers {
			recipients[agent] = struct{}{}
		}
	}

	ttl := time.Duration(msg.Routing.TTLSeconds) * time.Second
	for agent := range recipients {
		if _, ok := c.subs.Handler(agent); ok && c.subs.Connected(agent) {
			continue
		}
		if err := c.offline.QueueForOffline(ctx, msg, agent, target, ttl); err != nil {
			slog.Warn("offline enqueue failed", "agent", agent, "message_id", msg.ID, "error", err)
		}
	}
}

// ValidateMessage checks a message against the structural rules without
// routing it.
func (c *Core) ValidateMessage(msg *message.Message) error {
	return msg.Validate()
}

// RegisterHandler installs the realtime handler for an agent, flushes
// its outbox and drains its durable offline queue.
func (c *Core) RegisterHandler(ctx context.Context, agentID string, h subscription.Handler) {
	c.subs.RegisterHandler(agentID, h)
	c.drainOffline(ctx, agentID)
}

// UnregisterHandler removes an agent's handler; subsequent deliveries
// queue to the agent's outbox.
func (c *Core) UnregisterHandler(agentID string) {
	c.subs.UnregisterHandler(agentID)
}

// CreateSubscription registers a subscription for an agent. Identical
// (agent, target, pattern) requests return the existing subscription.
func (c *Core) CreateSubscription(ctx context.Context, agentID, target, pattern string, opts subscription.Options) (*subscription.Subscription, error) {
	sub, err := c.subs.Create(ctx, agentID, target, pattern, opts)
	if err != nil {
		return nil, err
	}
	c.broadcaster.InvalidateCache()
	return sub, nil
}

// RemoveSubscription deletes a subscription by id.
func (c *Core) RemoveSubscription(ctx context.Context, subID string) (bool, error) {
	removed, err := c.subs.Remove(ctx, subID)
	if removed {
		c.broadcaster.InvalidateCache()
	}
	return removed, err
}

// GetActiveSubscriptions lists an agent's active subscriptions.
func (c *Core) GetActiveSubscriptions(agentID string) []*subscription.Subscription {
	return c.subs.ActiveForAgent(agentID)
}

// CreateMailbox creates a mailbox owned by creator.
func (c *Core) CreateMailbox(ctx context.Context, name, creator string, opts storage.MailboxOptions) (*storage.MailboxMetadata, error) {
	return c.mailboxes.CreateMailbox(ctx, name, creator, opts)
}

// GetMailbox loads mailbox metadata.
func (c *Core) GetMailbox(ctx context.Context, name string) (*storage.MailboxMetadata, error) {
	return c.mailboxes.GetMailbox(ctx, name)
}

// DeleteMailbox soft-deletes a mailbox, or removes its keys entirely
// when hard is set.
func (c *Core) DeleteMailbox(ctx context.Context, name string, hard bool) error {
	return c.mailboxes.DeleteMailbox(ctx, name, hard)
}

// AddMailboxSubscriber records an agent's interest in a mailbox.
// Registered subscribers receive offline queue entries for messages
// routed while they have no live handler.
func (c *Core) AddMailboxSubscriber(ctx context.Context, mailbox, agentID string) error {
	return c.mailboxes.AddSubscriber(ctx, mailbox, agentID)
}

// RemoveMailboxSubscriber drops an agent from a mailbox's subscriber
// registry.
func (c *Core) RemoveMailboxSubscriber(ctx context.Context, mailbox, agentID string) error {
	return c.mailboxes.RemoveSubscriber(ctx, mailbox, agentID)
}

// GetMessages returns a page of a mailbox's messages.
func (c *Core) GetMessages(ctx context.Context, mailbox string, offset, limit int64, filter *message.Filter, reverse bool) (*storage.MessagePage, error) {
	return c.mailboxes.GetMessages(ctx, mailbox, offset, limit, filter, reverse)
}

// GetMessage loads a single message from a mailbox.
func (c *Core) GetMessage(ctx context.Context, mailbox, messageID string) (*message.Message, error) {
	return c.mailboxes.GetMessage(ctx, mailbox, messageID)
}

// DeleteMessage removes a message from a mailbox.
func (c *Core) DeleteMessage(ctx context.Context, mailbox, messageID string) (bool, error) {
	return c.mailboxes.DeleteMessage(ctx, mailbox, messageID)
}

// MarkMessageRead records a per-agent read marker. Idempotent.
func (c *Core) MarkMessageRead(ctx context.Context, mailbox, messageID, agentID string) (bool, error) {
	return c.mailboxes.MarkMessageRead(ctx, mailbox, messageID, agentID)
}

// IsMessageRead reports whether an agent has read a message.
func (c *Core) IsMessageRead(ctx context.Context, mailbox, messageID, agentID string) (bool, error) {
	return c.mailboxes.IsMessageRead(ctx, mailbox, messageID, agentID)
}

// GetUnreadCount counts a mailbox's messages the agent has not read.
func (c *Core) GetUnreadCount(ctx context.Context, mailbox, agentID string) (int64, error) {
	return c.mailboxes.GetUnreadCount(ctx, mailbox, agentID)
}

// CreateTopic registers a topic, materializing missing parents.
func (c *Core) CreateTopic(ctx context.Context, cfg topics.TopicConfig) (*topics.Topic, error) {
	return c.topics.Create(ctx, cfg)
}

// SubscribeToTopic subscribes an agent to a topic, optionally covering
// child topics.
func (c *Core) SubscribeToTopic(ctx context.Context, agentID, name string, opts subscription.Options, includeChildren bool) (*subscription.Subscription, error) {
	sub, err := c.topics.Subscribe(ctx, agentID, name, opts, includeChildren)
	if err != nil {
		return nil, err
	}
	c.broadcaster.InvalidateCache()
	return sub, nil
}

// PublishToTopic publishes a message to a topic and returns the number
// of subscribers reached.
func (c *Core) PublishToTopic(ctx context.Context, name string, msg *message.Message) (int, error) {
	if err := msg.Validate(); err != nil {
		c.metrics.RecordValidationFailure()
		return 0, err
	}
	return c.topics.Publish(ctx, name, msg)
}

// ListTopics returns every known topic.
func (c *Core) ListTopics() []*topics.Topic {
	return c.topics.List()
}

// HandleDeliveryConfirmation records a delivery attempt for a
// confirmation-required message.
func (c *Core) HandleDeliveryConfirmation(ctx context.Context, messageID string, status router.DeliveryStatus, target, errMsg string, latency time.Duration) {
	c.router.HandleDeliveryConfirmation(ctx, messageID, status, target, errMsg, latency)
}

// GetDeliveryStatus returns the confirmation for a message, or nil when
// none was tracked.
func (c *Core) GetDeliveryStatus(ctx context.Context, messageID string) (*router.DeliveryConfirmation, error) {
	return c.router.GetDeliveryStatus(ctx, messageID)
}

// Pull drains up to max queued messages for a polling or batch
// subscriber, oldest first.
func (c *Core) Pull(agentID string, max int) []*message.Message {
	return c.subs.Pull(agentID, max)
}

// HandleConnectionLoss marks an agent disconnected; realtime deliveries
// queue until the connection is restored.
func (c *Core) HandleConnectionLoss(agentID string) {
	c.subs.HandleConnectionLoss(agentID)
}

// HandleConnectionRestored marks the agent connected, flushes its
// outbox and drains its durable offline queue.
func (c *Core) HandleConnectionRestored(ctx context.Context, agentID string) {
	c.subs.HandleConnectionRestored(agentID)
	c.drainOffline(ctx, agentID)
}

// drainOffline replays an agent's durable offline queue through its
// realtime handler, oldest first. Entries already seen through the
// outbox are removed without a second delivery.
func (c *Core) drainOffline(ctx context.Context, agentID string) {
	handler, ok := c.subs.Handler(agentID)
	if !ok || !c.subs.Connected(agentID) {
		return
	}

	const page = 50
	var entries []*storage.OfflineMessage
	for offset := int64(0); ; offset += page {
		batch, err := c.offline.GetQueued(ctx, agentID, page, offset, nil)
		if err != nil {
			slog.Warn("offline drain failed", "agent", agentID, "error", err)
			return
		}
		entries = append(entries, batch...)
		if len(batch) < page {
			break
		}
	}

	var done []string
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Status != storage.OfflineQueued {
			done = append(done, entry.Message.ID)
			continue
		}
		if c.subs.MarkDelivered(agentID, entry.Message.ID) {
			sub := c.firstMatchingSub(agentID, entry.MailboxName)
			if err := handler(entry.Message, sub); err != nil {
				slog.Warn("offline delivery failed",
					"agent", agentID, "message_id", entry.Message.ID, "error", err)
				continue
			}
		}
		if err := c.offline.MarkDelivered(ctx, entry.Message.ID, agentID); err != nil {
			slog.Warn("offline status update failed",
				"agent", agentID, "message_id", entry.Message.ID, "error", err)
			continue
		}
		done = append(done, entry.Message.ID)
	}
	if len(done) == 0 {
		return
	}
	if _, err := c.offline.RemoveDelivered(ctx, agentID, done...); err != nil {
		slog.Warn("offline queue cleanup failed", "agent", agentID, "error", err)
	}
	slog.Info("offline queue drained", "agent", agentID, "delivered", len(done))
}

func (c *Core) firstMatchingSub(agentID, mailbox string) *subscription.Subscription {
	for _, sub := range c.subs.ActiveForAgent(agentID) {
		if sub.Matches(mailbox, message.ModeDirect, nil) {
			return sub
		}
	}
	return nil
}

// Offline exposes the offline message handler for queue inspection and
// read-state queries.
func (c *Core) Offline() *storage.OfflineHandler {
	return c.offline
}

// Metrics exposes the Prometheus collector for HTTP handler setup.
func (c *Core) Metrics() *metrics.Collector {
	return c.metrics
}

// RealtimeStats returns the routing overlay counters.
func (c *Core) RealtimeStats() router.EnhancedStats {
	return c.realtime.Stats()
}

// Components returns per-component health, keyed by component name.
func (c *Core) Components(ctx context.Context) map[string]*health.Status {
	reporters := map[string]health.Reporter{
		"resilience":    c.resilience,
		"storage":       c.mailboxes,
		"subscriptions": c.subs,
		"topics":        c.topics,
		"delivery":      c.broadcaster,
		"router":        c.router,
	}
	out := make(map[string]*health.Status, len(reporters))
	for name, r := range reporters {
		status, err := r.Health(ctx)
		if err != nil {
			status = health.Unhealthy(err.Error(), nil)
		}
		out[name] = status
	}
	return out
}

// Health implements health.Reporter: the aggregate state is the worst
// component state.
func (c *Core) Health(ctx context.Context) (*health.Status, error) {
	components := c.Components(ctx)
	worst := health.StateHealthy
	details := make(map[string]string, len(components))
	for name, status := range components {
		details[name] = status.State.String()
		if status.State > worst {
			worst = status.State
		}
	}
	switch worst {
	case health.StateHealthy:
		return health.Healthy("all components healthy", details), nil
	case health.StateDegraded:
		return health.Degraded("one or more components degraded", details), nil
	default:
		return health.Unhealthy("one or more components unhealthy", details), nil
	}
}

func (c *Core) statsLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectStats(ctx)
		}
	}
}

// collectStats publishes gauges and counter deltas gathered from the
// components, and logs a one-line summary.
func (c *Core) collectStats(ctx context.Context) {
	switch c.resilience.Breaker().State() {
	case resilience.CircuitClosed:
		c.metrics.SetBreakerState(0)
	case resilience.CircuitHalfOpen:
		c.metrics.SetBreakerState(1)
	case resilience.CircuitOpen:
		c.metrics.SetBreakerState(2)
	}
	c.metrics.SetLocalQueueDepth(c.resilience.QueueLen())
	c.metrics.SetPendingConfirmations(c.router.PendingCount())

	retries := c.router.RetriesTotal()
	rt := c.realtime.Stats()
	c.mu.Lock()
	if d := retries - c.lastRetries; d > 0 {
		c.metrics.AddRetries(d)
	}
	delivered := rt.RealtimeDelivered - c.lastRealtime.RealtimeDelivered
	failures := rt.RealtimeFailures - c.lastRealtime.RealtimeFailures
	if delivered > 0 || failures > 0 {
		avg := time.Duration(rt.AvgBroadcastMS * float64(time.Millisecond))
		c.metrics.RecordBroadcast(int(delivered), int(failures), avg)
	}
	c.lastRetries = retries
	c.lastRealtime = rt
	c.mu.Unlock()

	mailboxes, err := c.mailboxes.ListMailboxes(ctx)
	if err != nil {
		slog.Warn("stats: list mailboxes failed", "error", err)
		return
	}
	topicCount := len(c.topics.List())
	subCount := len(c.subs.All())
	c.metrics.SetResourceCounts(len(mailboxes), topicCount, subCount)

	slog.Info("service stats",
		"mailboxes", len(mailboxes),
		"topics", topicCount,
		"subscriptions", subCount,
		"queued_local", c.resilience.QueueLen(),
		"routing", rt.String())
}
