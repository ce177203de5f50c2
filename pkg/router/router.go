// Package router validates, enriches and dispatches messages by
// addressing mode, and tracks delivery confirmations with retries.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
	"github.com/louspringer/inter-llm-mailbox/pkg/storage"
	"github.com/louspringer/inter-llm-mailbox/pkg/topics"
)

// Version stamps routed messages for downstream debugging.
const Version = "1.0"

// Config tunes retry and confirmation housekeeping.
type Config struct {
	MaxRetryAttempts   int                 `yaml:"max_retry_attempts"`
	RetryPolicy        message.RetryPolicy `yaml:"retry_policy"`
	RetryCheckInterval time.Duration       `yaml:"retry_check_interval"`
	CleanupInterval    time.Duration       `yaml:"cleanup_interval"`
	ConfirmationTTL    time.Duration       `yaml:"confirmation_ttl"`
}

// Validate applies defaults for unset fields.
func (c *Config) Validate() error {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryPolicy.BaseDelaySec <= 0 {
		c.RetryPolicy = message.DefaultRetryPolicy()
	}
	if c.RetryCheckInterval <= 0 {
		c.RetryCheckInterval = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 300 * time.Second
	}
	if c.ConfirmationTTL <= 0 {
		c.ConfirmationTTL = time.Hour
	}
	return nil
}

// pending couples an in-flight confirmation with the enriched message
// so the retry loop can re-route it.
type pending struct {
	confirmation *DeliveryConfirmation
	msg          *message.Message
}

// Router is the message dispatch pipeline.
type Router struct {
	config    Config
	store     kv.Store
	mailboxes *storage.MailboxStore
	topics    *topics.Manager

	mu       sync.Mutex
	pendings map[string]*pending
	retries  int64

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a router over storage and the topic registry.
func New(store kv.Store, mailboxes *storage.MailboxStore, topicMgr *topics.Manager, cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		config:    cfg,
		store:     store,
		mailboxes: mailboxes,
		topics:    topicMgr,
		pendings:  make(map[string]*pending),
	}, nil
}

// Route runs the full pipeline: validate, enrich, expiry check and
// dispatch by addressing mode.
func (r *Router) Route(ctx context.Context, msg *message.Message) (RoutingResult, error) {
	if err := msg.Validate(); err != nil {
		return ResultRejected, err
	}
	enriched := r.enrich(msg)
	return r.dispatch(ctx, enriched, true)
}

// enrich stamps a clone with system metadata. Validation happens before
// enrichment; re-validating an enriched clone would trip the reserved
// metadata prefix check.
func (r *Router) enrich(msg *message.Message) *message.Message {
	clone := msg.Clone()
	clone.SetMetadata("_system_routed_at", time.Now().UTC().Format(time.RFC3339Nano))
	clone.SetMetadata("_system_router_version", Version)
	clone.SetMetadata("_system_routing_mode", clone.Routing.Mode.String())
	if clone.Routing.Priority == message.PriorityUrgent {
		clone.SetMetadata("_system_urgent", true)
	}
	return clone
}

// dispatch routes an already-enriched message. The retry loop re-enters
// here with fresh=false so confirmations are updated instead of
// recreated.
func (r *Router) dispatch(ctx context.Context, msg *message.Message, fresh bool) (RoutingResult, error) {
	start := time.Now()

	if msg.Expired(time.Now().UTC()) {
		r.expireConfirmation(ctx, msg)
		return ResultRejected, fmt.Errorf("message %s expired before dispatch", msg.ID)
	}

	if fresh && msg.Delivery.ConfirmationRequired {
		if err := r.trackPending(ctx, msg); err != nil {
			slog.Warn("failed to track delivery confirmation", "message_id", msg.ID, "error", err)
		}
	}

	var (
		result RoutingResult
		err    error
	)
	switch msg.Routing.Mode {
	case message.ModeDirect:
		result, err = r.routeDirect(ctx, msg)
	case message.ModeBroadcast:
		result, err = r.routeBroadcast(ctx, msg)
	case message.ModeTopic:
		result, err = r.routeTopic(ctx, msg)
	default:
		return ResultRejected, fmt.Errorf("unroutable addressing mode %q", msg.Routing.Mode)
	}

	if msg.Delivery.ConfirmationRequired {
		latency := time.Since(start)
		switch {
		case err != nil || result == ResultFailed:
			errMsg := "dispatch failed"
			if err != nil {
				errMsg = err.Error()
			}
			r.HandleDeliveryConfirmation(ctx, msg.ID, DeliveryFailed, msg.Routing.Target, errMsg, latency)
		case result == ResultSuccess:
			r.HandleDeliveryConfirmation(ctx, msg.ID, DeliveryDelivered, msg.Routing.Target, "", latency)
		}
		// QUEUED leaves the confirmation PENDING.
	}
	return result, err
}

func (r *Router) routeDirect(ctx context.Context, msg *message.Message) (RoutingResult, error) {
	if msg.Delivery.Persistence {
		if err := r.mailboxes.StoreMessage(ctx, msg.Routing.Target, msg); err != nil {
			return ResultFailed, fmt.Errorf("persist to %s: %w", msg.Routing.Target, err)
		}
	}
	receivers, err := r.publish(ctx, kv.MailboxChannel(msg.Routing.Target), msg)
	if err != nil {
		return ResultFailed, err
	}
	if receivers > 0 {
		return ResultSuccess, nil
	}
	return ResultQueued, nil
}

// routeBroadcast fans out to every known mailbox. Individual mailbox
// failures are logged and skipped.
func (r *Router) routeBroadcast(ctx context.Context, msg *message.Message) (RoutingResult, error) {
	names, err := r.mailboxes.ListMailboxes(ctx)
	if err != nil {
		return ResultFailed, fmt.Errorf("enumerate mailboxes: %w", err)
	}

	var receivers int64
	for _, name := range names {
		if msg.Delivery.Persistence {
			if err := r.mailboxes.StoreMessage(ctx, name, msg); err != nil {
				slog.Warn("broadcast persist failed", "mailbox", name, "message_id", msg.ID, "error", err)
				continue
			}
		}
		n, err := r.publish(ctx, kv.MailboxChannel(name), msg)
		if err != nil {
			slog.Warn("broadcast publish failed", "mailbox", name, "message_id", msg.ID, "error", err)
			continue
		}
		receivers += n
	}
	n, err := r.publish(ctx, kv.BroadcastChannel, msg)
	if err != nil {
		slog.Warn("broadcast channel publish failed", "message_id", msg.ID, "error", err)
	} else {
		receivers += n
	}

	if receivers > 0 {
		return ResultSuccess, nil
	}
	return ResultQueued, nil
}

func (r *Router) routeTopic(ctx context.Context, msg *message.Message) (RoutingResult, error) {
	reached, err := r.topics.Publish(ctx, msg.Routing.Target, msg)
	if err != nil {
		return ResultFailed, fmt.Errorf("publish to topic %s: %w", msg.Routing.Target, err)
	}
	if reached > 0 {
		return ResultSuccess, nil
	}
	return ResultQueued, nil
}

func (r *Router) publish(ctx context.Context, channel string, msg *message.Message) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}
	n, err := r.store.Publish(ctx, channel, payload)
	if err != nil {
		return 0, fmt.Errorf("publish on %s: %w", channel, err)
	}
	return n, nil
}

// trackPending creates the PENDING confirmation and the durable copy of
// the message used to rebuild in-flight state after a restart.
func (r *Router) trackPending(ctx context.Context, msg *message.Message) error {
	c := newConfirmation(msg.ID, msg.Routing.Target)

	r.mu.Lock()
	r.pendings[msg.ID] = &pending{confirmation: c, msg: msg}
	r.mu.Unlock()

	if err := r.persistConfirmation(ctx, c); err != nil {
		return err
	}
	fields, err := msg.ToFields()
	if err != nil {
		return fmt.Errorf("encode durable copy %s: %w", msg.ID, err)
	}
	if err := r.store.HSet(ctx, kv.MessageKey(msg.ID), fields); err != nil {
		return fmt.Errorf("persist durable copy %s: %w", msg.ID, err)
	}
	return r.store.Expire(ctx, kv.MessageKey(msg.ID), r.config.ConfirmationTTL)
}

func (r *Router) persistConfirmation(ctx context.Context, c *DeliveryConfirmation) error {
	fields, err := c.toFields()
	if err != nil {
		return fmt.Errorf("encode confirmation %s: %w", c.MessageID, err)
	}
	if err := r.store.HSet(ctx, kv.DeliveryConfirmationKey(c.MessageID), fields); err != nil {
		return fmt.Errorf("persist confirmation %s: %w", c.MessageID, err)
	}
	return r.store.Expire(ctx, kv.DeliveryConfirmationKey(c.MessageID), r.config.ConfirmationTTL)
}

// HandleDeliveryConfirmation updates a tracked confirmation. A FAILED
// status below the retry limit schedules a backoff retry; terminal
// statuses clear the pending record. The delivery lock is held across
// the mutation; persistence runs on a snapshot after release.
func (r *Router) HandleDeliveryConfirmation(ctx context.Context, messageID string, status DeliveryStatus, target, errMsg string, latency time.Duration) {
	r.mu.Lock()
	entry, ok := r.pendings[messageID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c := entry.confirmation
	c.recordAttempt(status, target, errMsg, latency)

	var (
		retryAt  *time.Time
		terminal bool
	)
	switch status {
	case DeliveryFailed:
		if len(c.Attempts) < r.config.MaxRetryAttempts {
			next := time.Now().UTC().Add(r.retryDelay(len(c.Attempts)))
			c.NextRetryAt = &next
			retryAt = &next
		} else {
			c.NextRetryAt = nil
			delete(r.pendings, messageID)
			terminal = true
		}
	case DeliveryDelivered, DeliveryExpired:
		c.NextRetryAt = nil
		delete(r.pendings, messageID)
	}
	snapshot := c.clone()
	r.mu.Unlock()

	switch {
	case retryAt != nil:
		slog.Info("delivery failed, retry scheduled",
			"message_id", messageID,
			"attempts", snapshot.attemptCount(),
			"next_retry_at", retryAt.Format(time.RFC3339))
	case terminal:
		slog.Warn("delivery failed terminally", "message_id", messageID, "attempts", snapshot.attemptCount())
	}

	if err := r.persistConfirmation(ctx, snapshot); err != nil {
		slog.Warn("failed to persist confirmation", "message_id", messageID, "error", err)
	}
}

// retryDelay computes min(base*exp^k, max) with jitter in [0.1, 0.3) of
// the delay when enabled.
func (r *Router) retryDelay(attempt int) time.Duration {
	p := r.config.RetryPolicy
	base := float64(p.BaseDelaySec)
	delay := base * math.Pow(p.Exponent, float64(attempt-1))
	if max := float64(p.MaxDelaySec); delay > max {
		delay = max
	}
	if p.Jitter {
		delay += (0.1 + 0.2*rand.Float64()) * delay
	}
	return time.Duration(delay * float64(time.Second))
}

// GetDeliveryStatus loads a confirmation, preferring in-memory state
// over the persisted record. Callers get a copy, never the tracked
// record.
func (r *Router) GetDeliveryStatus(ctx context.Context, messageID string) (*DeliveryConfirmation, error) {
	r.mu.Lock()
	if entry, ok := r.pendings[messageID]; ok {
		c := entry.confirmation.clone()
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	fields, err := r.store.HGetAll(ctx, kv.DeliveryConfirmationKey(messageID))
	if err != nil {
		return nil, fmt.Errorf("load confirmation %s: %w", messageID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return confirmationFromFields(fields)
}

func (r *Router) expireConfirmation(ctx context.Context, msg *message.Message) {
	if !msg.Delivery.ConfirmationRequired {
		return
	}
	r.mu.Lock()
	if _, ok := r.pendings[msg.ID]; !ok {
		r.pendings[msg.ID] = &pending{confirmation: newConfirmation(msg.ID, msg.Routing.Target), msg: msg}
	}
	r.mu.Unlock()
	r.HandleDeliveryConfirmation(ctx, msg.ID, DeliveryExpired, msg.Routing.Target, "ttl exceeded", 0)
}

// Start rebuilds pending deliveries from the KV store and launches the
// retry and cleanup loops.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("router already running")
	}
	r.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.rebuildPending(ctx); err != nil {
		slog.Warn("failed to rebuild pending deliveries", "error", err)
	}

	r.wg.Add(2)
	go r.retryLoop(loopCtx)
	go r.cleanupLoop(loopCtx)
	return nil
}

// Stop cancels the loops and writes pending confirmations back with
// their TTL.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	confirmations := make([]*DeliveryConfirmation, 0, len(r.pendings))
	for _, entry := range r.pendings {
		confirmations = append(confirmations, entry.confirmation.clone())
	}
	r.mu.Unlock()

	r.wg.Wait()
	for _, c := range confirmations {
		if err := r.persistConfirmation(ctx, c); err != nil {
			slog.Warn("failed to flush pending confirmation", "message_id", c.MessageID, "error", err)
		}
	}
	return nil
}

func (r *Router) rebuildPending(ctx context.Context) error {
	keys, err := r.store.Keys(ctx, "delivery_confirmation:*")
	if err != nil {
		return err
	}
	rebuilt := 0
	for _, key := range keys {
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		c, err := confirmationFromFields(fields)
		if err != nil {
			slog.Warn("skipping corrupt confirmation", "key", key, "error", err)
			continue
		}
		if c.Status.terminal() {
			continue
		}
		msgFields, err := r.store.HGetAll(ctx, kv.MessageKey(c.MessageID))
		if err != nil || len(msgFields) == 0 {
			continue
		}
		msg, err := message.FromFields(msgFields)
		if err != nil {
			slog.Warn("skipping corrupt durable copy", "message_id", c.MessageID, "error", err)
			continue
		}
		r.mu.Lock()
		if _, exists := r.pendings[c.MessageID]; !exists {
			r.pendings[c.MessageID] = &pending{confirmation: c, msg: msg}
			rebuilt++
		}
		r.mu.Unlock()
	}
	if rebuilt > 0 {
		slog.Info("rebuilt pending deliveries", "count", rebuilt)
	}
	return nil
}

func (r *Router) retryLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.RetryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RetryDue(ctx)
		}
	}
}

// RetryDue re-routes every pending delivery whose retry time has come.
// Confirmation state is read and cleared under the delivery lock; only
// the dispatch itself runs outside it.
func (r *Router) RetryDue(ctx context.Context) int {
	now := time.Now().UTC()
	type retryable struct {
		msg      *message.Message
		attempts string
	}
	r.mu.Lock()
	var due []retryable
	for _, entry := range r.pendings {
		c := entry.confirmation
		if c.Status == DeliveryFailed && c.NextRetryAt != nil && !c.NextRetryAt.After(now) {
			c.NextRetryAt = nil
			due = append(due, retryable{msg: entry.msg, attempts: c.attemptCount()})
		}
	}
	r.retries += int64(len(due))
	r.mu.Unlock()

	for _, d := range due {
		slog.Info("retrying delivery", "message_id", d.msg.ID, "attempts", d.attempts)
		// Enriched messages skip re-validation: the system metadata
		// added at first routing would fail the reserved-prefix check.
		if _, err := r.dispatch(ctx, d.msg, false); err != nil {
			slog.Warn("retry dispatch failed", "message_id", d.msg.ID, "error", err)
		}
	}
	return len(due)
}

// RetriesTotal returns the number of retry dispatches since start.
func (r *Router) RetriesTotal() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries
}

func (r *Router) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.CleanupConfirmations(ctx); err != nil {
				slog.Warn("confirmation cleanup failed", "error", err)
			}
		}
	}
}

// CleanupConfirmations removes terminal confirmations older than the
// configured TTL.
func (r *Router) CleanupConfirmations(ctx context.Context) error {
	keys, err := r.store.Keys(ctx, "delivery_confirmation:*")
	if err != nil {
		return fmt.Errorf("scan confirmations: %w", err)
	}
	cutoff := time.Now().UTC().Add(-r.config.ConfirmationTTL)
	removed := 0
	for _, key := range keys {
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		c, err := confirmationFromFields(fields)
		if err != nil {
			continue
		}
		terminal := c.Status.terminal() ||
			(c.Status == DeliveryFailed && c.NextRetryAt == nil)
		if terminal && c.UpdatedAt.Before(cutoff) {
			if _, err := r.store.Del(ctx, key, kv.MessageKey(c.MessageID)); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("cleaned up terminal confirmations", "count", removed)
	}
	return nil
}

// PendingCount returns the number of in-flight confirmations.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendings)
}

// Health implements health.Reporter.
func (r *Router) Health(ctx context.Context) (*health.Status, error) {
	r.mu.Lock()
	running := r.running
	pendings := len(r.pendings)
	r.mu.Unlock()
	details := map[string]string{"pending_deliveries": strconv.Itoa(pendings)}
	if !running {
		return health.Degraded("router not started", details), nil
	}
	return health.Healthy("router running", details), nil
}
