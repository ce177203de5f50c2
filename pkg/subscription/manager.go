package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// Config tunes the manager's background maintenance.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	InactiveAfter     time.Duration `yaml:"inactive_after"`
	OfflineTimeout    time.Duration `yaml:"offline_timeout"`
	BatchFlushTick    time.Duration `yaml:"batch_flush_tick"`
}

// Validate applies defaults for unset fields.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 24 * time.Hour
	}
	if c.OfflineTimeout <= 0 {
		c.OfflineTimeout = time.Hour
	}
	if c.BatchFlushTick <= 0 {
		c.BatchFlushTick = time.Second
	}
	return nil
}

// pendingDelivery is one outbox entry awaiting batch emission or pull.
type pendingDelivery struct {
	msg *message.Message
	sub *Subscription
}

// seenLimit bounds the per-agent window of recently delivered message
// IDs used to suppress duplicate deliveries across channels.
const seenLimit = 1024

// connection is the in-memory liveness record plus outbox for an agent.
type connection struct {
	state      ConnectionState
	pending    []*pendingDelivery
	batchSince time.Time
	seen       map[string]bool
	seenOrder  []string
}

// markSeen records a delivery and reports whether it is the first for
// this agent and message.
func (c *connection) markSeen(msgID string) bool {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[msgID] {
		return false
	}
	if len(c.seenOrder) >= seenLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	c.seen[msgID] = true
	c.seenOrder = append(c.seenOrder, msgID)
	return true
}

// Manager owns the subscription indices, connection state and per-agent
// outboxes, and bridges KV pub/sub into registered handlers.
type Manager struct {
	config Config
	driver kv.Driver

	mu           sync.RWMutex
	subsByID     map[string]*Subscription
	subsByAgent  map[string]map[string]*Subscription
	subsByTarget map[string]map[string]*Subscription
	conns        map[string]*connection
	handlers     map[string]Handler

	channelRefs map[string]int
	patternRefs map[string]int

	kvsub   kv.Subscriber
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	handlerErrors map[string]int64
}

// NewManager builds a manager on the given KV driver.
func NewManager(driver kv.Driver, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		config:        cfg,
		driver:        driver,
		subsByID:      make(map[string]*Subscription),
		subsByAgent:   make(map[string]map[string]*Subscription),
		subsByTarget:  make(map[string]map[string]*Subscription),
		conns:         make(map[string]*connection),
		handlers:      make(map[string]Handler),
		channelRefs:   make(map[string]int),
		patternRefs:   make(map[string]int),
		handlerErrors: make(map[string]int64),
	}, nil
}

// Start restores persisted subscriptions, opens the KV subscriber and
// launches the maintenance loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("subscription manager already running")
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	kvsub, err := m.driver.NewSubscriber(ctx)
	if err != nil {
		return fmt.Errorf("open kv subscriber: %w", err)
	}
	m.mu.Lock()
	m.kvsub = kvsub
	m.mu.Unlock()

	if err := m.restorePersisted(ctx); err != nil {
		slog.Warn("failed to restore persisted subscriptions", "error", err)
	}

	m.wg.Add(4)
	go m.pumpLoop(loopCtx)
	go m.heartbeatLoop(loopCtx)
	go m.cleanupLoop(loopCtx)
	go m.batchLoop(loopCtx)
	return nil
}

// Stop cancels loops and closes the KV subscriber.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	kvsub := m.kvsub
	m.kvsub = nil
	m.mu.Unlock()

	if kvsub != nil {
		if err := kvsub.Close(); err != nil {
			slog.Warn("failed to close kv subscriber", "error", err)
		}
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) restorePersisted(ctx context.Context) error {
	keys, err := m.driver.Keys(ctx, "subscription:*")
	if err != nil {
		return err
	}
	restored := 0
	for _, key := range keys {
		fields, err := m.driver.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		sub, err := subscriptionFromFields(fields)
		if err != nil {
			slog.Warn("skipping corrupt persisted subscription", "key", key, "error", err)
			continue
		}
		m.mu.Lock()
		if _, exists := m.subsByID[sub.ID]; !exists {
			m.indexLocked(sub)
			restored++
		}
		m.mu.Unlock()
		if err := m.registerChannels(ctx, sub); err != nil {
			slog.Warn("failed to re-register subscription channel", "subscription", sub.ID, "error", err)
		}
	}
	if restored > 0 {
		slog.Info("restored persisted subscriptions", "count", restored)
	}
	return nil
}

// Create registers a new subscription for an agent. The same
// agent+target+pattern combination returns the existing subscription.
func (m *Manager) Create(ctx context.Context, agentID, target, pattern string, opts Options) (*Subscription, error) {
	opts.applyDefaults()

	m.mu.Lock()
	for _, existing := range m.subsByAgent[agentID] {
		if existing.Target == target && existing.Pattern == pattern {
			m.mu.Unlock()
			return existing, nil
		}
	}
	m.mu.Unlock()

	sub, err := newSubscription(agentID, target, pattern, opts)
	if err != nil {
		return nil, err
	}

	if err := m.registerChannels(ctx, sub); err != nil {
		return nil, err
	}

	fields, err := sub.toFields()
	if err != nil {
		return nil, fmt.Errorf("encode subscription %s: %w", sub.ID, err)
	}
	if err := m.driver.HSet(ctx, kv.SubscriptionKey(sub.ID), fields); err != nil {
		return nil, fmt.Errorf("persist subscription %s: %w", sub.ID, err)
	}

	m.mu.Lock()
	// An identical create may have landed while the channel and record
	// were being set up; the first one indexed wins.
	for _, existing := range m.subsByAgent[agentID] {
		if existing.Target == target && existing.Pattern == pattern {
			m.mu.Unlock()
			if err := m.releaseChannels(ctx, sub); err != nil {
				slog.Warn("failed to release duplicate subscription channel", "subscription", sub.ID, "error", err)
			}
			if _, err := m.driver.Del(ctx, kv.SubscriptionKey(sub.ID)); err != nil {
				slog.Warn("failed to delete duplicate subscription record", "subscription", sub.ID, "error", err)
			}
			return existing, nil
		}
	}
	m.indexLocked(sub)
	m.ensureConnLocked(agentID)
	m.mu.Unlock()

	slog.Info("subscription created",
		"subscription", sub.ID,
		"agent", agentID,
		"target", target,
		"pattern", pattern,
		"mode", string(opts.DeliveryMode))
	return sub, nil
}

// Remove deletes a subscription and its persisted record. Returns false
// if the ID was unknown.
func (m *Manager) Remove(ctx context.Context, subID string) (bool, error) {
	m.mu.Lock()
	sub, ok := m.subsByID[subID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	m.deindexLocked(sub)
	m.mu.Unlock()

	if err := m.releaseChannels(ctx, sub); err != nil {
		slog.Warn("failed to release subscription channel", "subscription", subID, "error", err)
	}
	if _, err := m.driver.Del(ctx, kv.SubscriptionKey(subID)); err != nil {
		return true, fmt.Errorf("delete subscription %s: %w", subID, err)
	}
	slog.Info("subscription removed", "subscription", subID, "agent", sub.AgentID)
	return true, nil
}

// Get returns a subscription by ID.
func (m *Manager) Get(subID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subsByID[subID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subID, ErrSubscriptionNotFound)
	}
	return sub, nil
}

// ActiveForAgent lists an agent's active subscriptions.
func (m *Manager) ActiveForAgent(agentID string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := make([]*Subscription, 0, len(m.subsByAgent[agentID]))
	for _, sub := range m.subsByAgent[agentID] {
		if sub.Active {
			subs = append(subs, sub)
		}
	}
	return subs
}

// All returns every known subscription.
func (m *Manager) All() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := make([]*Subscription, 0, len(m.subsByID))
	for _, sub := range m.subsByID {
		subs = append(subs, sub)
	}
	return subs
}

// RegisterHandler installs an agent's message handler and marks the
// agent connected, flushing any queued outbox.
func (m *Manager) RegisterHandler(agentID string, h Handler) {
	m.mu.Lock()
	m.handlers[agentID] = h
	m.ensureConnLocked(agentID)
	m.mu.Unlock()
	m.HandleConnectionRestored(agentID)
}

// UnregisterHandler removes an agent's handler and marks it
// disconnected.
func (m *Manager) UnregisterHandler(agentID string) {
	m.mu.Lock()
	delete(m.handlers, agentID)
	m.mu.Unlock()
	m.HandleConnectionLoss(agentID)
}

// MarkDelivered records an out-of-band delivery (for example the
// realtime broadcaster's direct dispatch) so later channel arrivals of
// the same message are not delivered twice. Returns false when the
// agent already received the message.
func (m *Manager) MarkDelivered(agentID, msgID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnLocked(agentID).markSeen(msgID)
}

// Connected reports whether an agent's connection is live. Agents with
// no connection record yet count as connected.
func (m *Manager) Connected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[agentID]
	return !ok || conn.state.Connected
}

// Handler returns an agent's registered handler.
func (m *Manager) Handler(agentID string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[agentID]
	return h, ok
}

// Touch refreshes an agent's liveness timestamp.
func (m *Manager) Touch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.ensureConnLocked(agentID)
	conn.state.LastSeen = time.Now().UTC()
}

// HandleConnectionLoss marks the agent disconnected. Subscriptions stay
// registered; realtime deliveries queue to the outbox until the
// connection is restored.
func (m *Manager) HandleConnectionLoss(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.ensureConnLocked(agentID)
	if !conn.state.Connected {
		return
	}
	conn.state.Connected = false
	slog.Info("agent connection lost", "agent", agentID)
}

// HandleConnectionRestored reactivates the agent's subscriptions and
// flushes the outbox to its handler.
func (m *Manager) HandleConnectionRestored(agentID string) {
	m.mu.Lock()
	conn := m.ensureConnLocked(agentID)
	wasConnected := conn.state.Connected
	conn.state.Connected = true
	conn.state.LastSeen = time.Now().UTC()
	if !wasConnected {
		conn.state.ReconnectCount++
	}
	for _, sub := range m.subsByAgent[agentID] {
		sub.Active = true
	}
	handler := m.handlers[agentID]
	var flush []*pendingDelivery
	if handler != nil {
		flush = conn.pending
		conn.pending = nil
	}
	m.mu.Unlock()

	for _, entry := range flush {
		m.invokeHandler(agentID, handler, entry.msg, entry.sub)
	}
	if len(flush) > 0 {
		slog.Info("flushed outbox on reconnect", "agent", agentID, "count", len(flush))
	}
}

// Deliver dispatches a message to every matching subscription and
// returns the number of subscriptions that accepted it.
func (m *Manager) Deliver(ctx context.Context, msg *message.Message, target string, mode message.AddressingMode) (int, error) {
	m.mu.Lock()
	matched := make([]*Subscription, 0, 4)
	skipped := make(map[string]bool)
	for _, sub := range m.subsByID {
		if !sub.Active || !sub.Matches(target, mode, msg) {
			continue
		}
		// The same message can arrive on several channels (broadcast
		// plus pattern); deliver to each agent once.
		if _, checked := skipped[sub.AgentID]; !checked {
			skipped[sub.AgentID] = !m.ensureConnLocked(sub.AgentID).markSeen(msg.ID)
		}
		if skipped[sub.AgentID] {
			continue
		}
		matched = append(matched, sub)
	}
	m.mu.Unlock()

	delivered := 0
	now := time.Now().UTC()
	for _, sub := range matched {
		m.mu.Lock()
		sub.MessageCount++
		sub.LastActivity = now
		m.mu.Unlock()

		switch sub.Options.DeliveryMode {
		case DeliveryRealtime:
			if m.dispatchRealtime(msg, sub) {
				delivered++
			}
		case DeliveryBatch, DeliveryPolling:
			m.enqueue(msg, sub)
			delivered++
		}
	}
	return delivered, nil
}

func (m *Manager) dispatchRealtime(msg *message.Message, sub *Subscription) bool {
	m.mu.RLock()
	handler := m.handlers[sub.AgentID]
	conn := m.conns[sub.AgentID]
	connected := conn != nil && conn.state.Connected
	m.mu.RUnlock()

	if handler == nil || !connected {
		m.enqueue(msg, sub)
		return true
	}
	return m.invokeHandler(sub.AgentID, handler, msg, sub)
}

func (m *Manager) invokeHandler(agentID string, handler Handler, msg *message.Message, sub *Subscription) bool {
	if err := handler(msg, sub); err != nil {
		m.mu.Lock()
		m.handlerErrors[agentID]++
		m.mu.Unlock()
		slog.Warn("handler error", "agent", agentID, "message_id", msg.ID, "error", err)
		return false
	}
	return true
}

// enqueue appends to the agent's outbox, dropping the oldest entry when
// the subscription's queue bound is reached.
func (m *Manager) enqueue(msg *message.Message, sub *Subscription) {
	m.mu.Lock()
	conn := m.ensureConnLocked(sub.AgentID)
	if len(conn.pending) >= sub.Options.MaxQueueSize {
		conn.pending = conn.pending[1:]
		slog.Warn("outbox full, dropping oldest", "agent", sub.AgentID)
	}
	if len(conn.pending) == 0 {
		conn.batchSince = time.Now().UTC()
	}
	conn.pending = append(conn.pending, &pendingDelivery{msg: msg, sub: sub})

	var flush []*pendingDelivery
	var handler Handler
	if sub.Options.DeliveryMode == DeliveryBatch && m.batchReadyLocked(conn, sub) {
		handler = m.handlers[sub.AgentID]
		if handler != nil {
			flush = m.takeBatchLocked(conn)
		}
	}
	m.mu.Unlock()

	for _, entry := range flush {
		m.invokeHandler(sub.AgentID, handler, entry.msg, entry.sub)
	}
}

func (m *Manager) batchReadyLocked(conn *connection, sub *Subscription) bool {
	count := 0
	for _, entry := range conn.pending {
		if entry.sub.Options.DeliveryMode == DeliveryBatch {
			count++
		}
	}
	return count >= sub.Options.BatchSize
}

// takeBatchLocked removes and returns the batch-mode entries.
func (m *Manager) takeBatchLocked(conn *connection) []*pendingDelivery {
	var batch, rest []*pendingDelivery
	for _, entry := range conn.pending {
		if entry.sub.Options.DeliveryMode == DeliveryBatch {
			batch = append(batch, entry)
		} else {
			rest = append(rest, entry)
		}
	}
	conn.pending = rest
	return batch
}

// Pull removes and returns up to max queued messages for an agent,
// oldest first. Used by polling-mode consumers.
func (m *Manager) Pull(agentID string, max int) []*message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.ensureConnLocked(agentID)
	conn.state.LastSeen = time.Now().UTC()
	if max <= 0 || max > len(conn.pending) {
		max = len(conn.pending)
	}
	msgs := make([]*message.Message, 0, max)
	for _, entry := range conn.pending[:max] {
		msgs = append(msgs, entry.msg)
	}
	conn.pending = conn.pending[max:]
	return msgs
}

// QueuedCount returns the agent's outbox depth.
func (m *Manager) QueuedCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[agentID]
	if !ok {
		return 0
	}
	return len(conn.pending)
}

// Connection returns a snapshot of an agent's connection state.
func (m *Manager) Connection(agentID string) (ConnectionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[agentID]
	if !ok {
		return ConnectionState{}, false
	}
	state := conn.state
	state.Outbox = make([]*message.Message, 0, len(conn.pending))
	for _, entry := range conn.pending {
		state.Outbox = append(state.Outbox, entry.msg)
	}
	return state, true
}

func (m *Manager) ensureConnLocked(agentID string) *connection {
	conn, ok := m.conns[agentID]
	if !ok {
		conn = &connection{state: ConnectionState{
			AgentID:   agentID,
			Connected: true,
			LastSeen:  time.Now().UTC(),
		}}
		m.conns[agentID] = conn
	}
	return conn
}

func (m *Manager) indexLocked(sub *Subscription) {
	m.subsByID[sub.ID] = sub
	if m.subsByAgent[sub.AgentID] == nil {
		m.subsByAgent[sub.AgentID] = make(map[string]*Subscription)
	}
	m.subsByAgent[sub.AgentID][sub.ID] = sub
	key := sub.Target
	if sub.Pattern != "" {
		key = sub.Pattern
	}
	if m.subsByTarget[key] == nil {
		m.subsByTarget[key] = make(map[string]*Subscription)
	}
	m.subsByTarget[key][sub.ID] = sub
}

func (m *Manager) deindexLocked(sub *Subscription) {
	delete(m.subsByID, sub.ID)
	delete(m.subsByAgent[sub.AgentID], sub.ID)
	key := sub.Target
	if sub.Pattern != "" {
		key = sub.Pattern
	}
	delete(m.subsByTarget[key], sub.ID)
}

// registerChannels subscribes the KV subscriber to the channel or
// pattern backing a subscription, refcounted across subscriptions.
func (m *Manager) registerChannels(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	kvsub := m.kvsub
	m.mu.Unlock()
	if kvsub == nil {
		return nil // not started yet; restorePersisted re-registers
	}
	if sub.Pattern != "" {
		m.mu.Lock()
		m.patternRefs[sub.Pattern]++
		first := m.patternRefs[sub.Pattern] == 1
		m.mu.Unlock()
		if first {
			return kvsub.PSubscribe(ctx, sub.Pattern)
		}
		return nil
	}
	channel := kv.MailboxChannel(sub.Target)
	m.mu.Lock()
	m.channelRefs[channel]++
	first := m.channelRefs[channel] == 1
	m.mu.Unlock()
	if first {
		return kvsub.Subscribe(ctx, channel)
	}
	return nil
}

func (m *Manager) releaseChannels(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	kvsub := m.kvsub
	m.mu.Unlock()
	if kvsub == nil {
		return nil
	}
	if sub.Pattern != "" {
		m.mu.Lock()
		m.patternRefs[sub.Pattern]--
		last := m.patternRefs[sub.Pattern] <= 0
		if last {
			delete(m.patternRefs, sub.Pattern)
		}
		m.mu.Unlock()
		if last {
			return kvsub.PUnsubscribe(ctx, sub.Pattern)
		}
		return nil
	}
	channel := kv.MailboxChannel(sub.Target)
	m.mu.Lock()
	m.channelRefs[channel]--
	last := m.channelRefs[channel] <= 0
	if last {
		delete(m.channelRefs, channel)
	}
	m.mu.Unlock()
	if last {
		return kvsub.Unsubscribe(ctx, channel)
	}
	return nil
}

// pumpLoop forwards inbound KV pub/sub messages to local dispatch.
func (m *Manager) pumpLoop(ctx context.Context) {
	defer m.wg.Done()
	m.mu.RLock()
	kvsub := m.kvsub
	m.mu.RUnlock()
	if kvsub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-kvsub.Messages():
			if !ok {
				return
			}
			m.handleInbound(ctx, inbound)
		}
	}
}

func (m *Manager) handleInbound(ctx context.Context, inbound *kv.InboundMessage) {
	var msg message.Message
	if err := json.Unmarshal(inbound.Payload, &msg); err != nil {
		slog.Warn("dropping undecodable inbound message", "channel", inbound.Channel, "error", err)
		return
	}
	target, mode := channelTarget(inbound.Channel)
	if _, err := m.Deliver(ctx, &msg, target, mode); err != nil {
		slog.Warn("inbound dispatch failed", "channel", inbound.Channel, "error", err)
	}
}

// channelTarget maps a pub/sub channel name back to a dispatch target.
func channelTarget(channel string) (string, message.AddressingMode) {
	switch {
	case channel == kv.BroadcastChannel:
		return channel, message.ModeBroadcast
	case strings.HasPrefix(channel, "mailbox:"):
		return strings.TrimPrefix(channel, "mailbox:"), message.ModeDirect
	case strings.HasPrefix(channel, "topic:"):
		return strings.TrimPrefix(channel, "topic:"), message.ModeTopic
	default:
		return channel, message.ModeDirect
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.markStaleConnections()
		}
	}
}

// markStaleConnections flags agents silent for two heartbeat intervals
// as lost.
func (m *Manager) markStaleConnections() {
	cutoff := time.Now().UTC().Add(-2 * m.config.HeartbeatInterval)
	m.mu.RLock()
	var stale []string
	for agentID, conn := range m.conns {
		if conn.state.Connected && conn.state.LastSeen.Before(cutoff) {
			stale = append(stale, agentID)
		}
	}
	m.mu.RUnlock()
	for _, agentID := range stale {
		m.HandleConnectionLoss(agentID)
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupOnce(ctx)
		}
	}
}

// cleanupOnce drops subscriptions of agents offline and idle past
// InactiveAfter, and clears outboxes of agents offline past the
// timeout.
func (m *Manager) cleanupOnce(ctx context.Context) {
	now := time.Now().UTC()
	m.mu.Lock()
	var expired []*Subscription
	for _, sub := range m.subsByID {
		conn, ok := m.conns[sub.AgentID]
		offline := ok && !conn.state.Connected
		if offline && now.Sub(sub.LastActivity) > m.config.InactiveAfter {
			expired = append(expired, sub)
		}
	}
	cleared := 0
	for _, conn := range m.conns {
		if !conn.state.Connected && now.Sub(conn.state.LastSeen) > m.config.OfflineTimeout && len(conn.pending) > 0 {
			cleared += len(conn.pending)
			conn.pending = nil
		}
	}
	m.mu.Unlock()

	for _, sub := range expired {
		if _, err := m.Remove(ctx, sub.ID); err != nil {
			slog.Warn("failed to remove expired subscription", "subscription", sub.ID, "error", err)
		}
	}
	if len(expired) > 0 || cleared > 0 {
		slog.Info("subscription cleanup", "removed", len(expired), "outbox_cleared", cleared)
	}
}

// batchLoop emits pending batches whose timeout has elapsed.
func (m *Manager) batchLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.BatchFlushTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushDueBatches()
		}
	}
}

func (m *Manager) flushDueBatches() {
	now := time.Now().UTC()
	type flushTarget struct {
		agentID string
		handler Handler
		entries []*pendingDelivery
	}
	var targets []flushTarget

	m.mu.Lock()
	for agentID, conn := range m.conns {
		handler := m.handlers[agentID]
		if handler == nil || len(conn.pending) == 0 {
			continue
		}
		due := false
		for _, entry := range conn.pending {
			if entry.sub.Options.DeliveryMode == DeliveryBatch &&
				now.Sub(conn.batchSince) >= entry.sub.Options.BatchTimeout {
				due = true
				break
			}
		}
		if !due {
			continue
		}
		entries := m.takeBatchLocked(conn)
		if len(entries) > 0 {
			targets = append(targets, flushTarget{agentID: agentID, handler: handler, entries: entries})
		}
	}
	m.mu.Unlock()

	for _, target := range targets {
		for _, entry := range target.entries {
			m.invokeHandler(target.agentID, target.handler, entry.msg, entry.sub)
		}
	}
}

// Health implements health.Reporter.
func (m *Manager) Health(ctx context.Context) (*health.Status, error) {
	m.mu.RLock()
	subs := len(m.subsByID)
	conns := 0
	for _, conn := range m.conns {
		if conn.state.Connected {
			conns++
		}
	}
	running := m.running
	m.mu.RUnlock()

	details := map[string]string{
		"subscriptions":    strconv.Itoa(subs),
		"connected_agents": strconv.Itoa(conns),
	}
	if !running {
		return health.Degraded("subscription manager not started", details), nil
	}
	return health.Healthy("subscription manager running", details), nil
}
