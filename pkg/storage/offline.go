package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// OfflineStatus is the lifecycle state of an offline queue entry.
type OfflineStatus string

const (
	OfflineQueued    OfflineStatus = "QUEUED"
	OfflineDelivered OfflineStatus = "DELIVERED"
	OfflineRead      OfflineStatus = "READ"
	OfflineExpired   OfflineStatus = "EXPIRED"
)

// OfflineMessage is a message held for a disconnected agent.
type OfflineMessage struct {
	Message          *message.Message `json:"message"`
	QueuedAt         time.Time        `json:"queued_at"`
	TargetAgent      string           `json:"target_agent"`
	MailboxName      string           `json:"mailbox_name"`
	Status           OfflineStatus    `json:"status"`
	DeliveryAttempts int              `json:"delivery_attempts"`
	LastAttempt      *time.Time       `json:"last_attempt,omitempty"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
}

// ReadStatus records that an agent read a message.
type ReadStatus struct {
	MessageID   string    `json:"message_id"`
	AgentID     string    `json:"agent_id"`
	ReadAt      time.Time `json:"read_at"`
	MailboxName string    `json:"mailbox_name"`
}

// OfflineConfig configures the offline message handler.
type OfflineConfig struct {
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	MaxQueuePerAgent int64         `yaml:"max_queue_per_agent"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	ReadStatusMaxAge time.Duration `yaml:"read_status_max_age"`
}

// Validate applies defaults for unset fields.
func (c *OfflineConfig) Validate() error {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 7 * 24 * time.Hour
	}
	if c.MaxQueuePerAgent <= 0 {
		c.MaxQueuePerAgent = 1000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.ReadStatusMaxAge <= 0 {
		c.ReadStatusMaxAge = 30 * 24 * time.Hour
	}
	return nil
}

// OfflineHandler queues messages for disconnected agents and maintains
// the read-state indices.
type OfflineHandler struct {
	config OfflineConfig
	store  kv.Store

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOfflineHandler builds the handler on the given KV driver.
func NewOfflineHandler(store kv.Store, cfg OfflineConfig) (*OfflineHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OfflineHandler{config: cfg, store: store}, nil
}

// QueueForOffline adds a message to an agent's offline queue. When the
// queue is full the oldest entry is dropped. A zero ttl uses the
// configured default.
func (h *OfflineHandler) QueueForOffline(ctx context.Context, msg *message.Message, agentID, mailbox string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = h.config.DefaultTTL
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	entry := &OfflineMessage{
		Message:     msg,
		QueuedAt:    now,
		TargetAgent: agentID,
		MailboxName: mailbox,
		Status:      OfflineQueued,
		ExpiresAt:   &expires,
	}
	fields, err := offlineToFields(entry)
	if err != nil {
		return fmt.Errorf("encode offline message %s: %w", msg.ID, err)
	}

	queueKey := kv.OfflineQueueKey(agentID)
	size, err := h.store.ZCard(ctx, queueKey)
	if err != nil {
		return fmt.Errorf("size offline queue for %s: %w", agentID, err)
	}
	if size >= h.config.MaxQueuePerAgent {
		oldest, err := h.store.ZRange(ctx, queueKey, 0, 0)
		if err == nil && len(oldest) == 1 {
			h.dropEntry(ctx, agentID, oldest[0])
			slog.Warn("offline queue full, dropped oldest", "agent", agentID, "message_id", oldest[0])
		}
	}

	msgKey := kv.OfflineMessageKey(msg.ID, agentID)
	if err := h.store.HSet(ctx, msgKey, fields); err != nil {
		return fmt.Errorf("store offline message %s: %w", msg.ID, err)
	}
	if err := h.store.Expire(ctx, msgKey, ttl); err != nil {
		return fmt.Errorf("expire offline message %s: %w", msg.ID, err)
	}
	// Sub-second score precision keeps bursts of enqueues ordered.
	score := float64(now.UnixNano()) / float64(time.Second)
	if err := h.store.ZAdd(ctx, queueKey, kv.ZMember{Score: score, Member: msg.ID}); err != nil {
		return fmt.Errorf("enqueue offline message %s: %w", msg.ID, err)
	}
	return nil
}

// GetQueued returns an agent's queued messages newest-first. Orphaned
// IDs whose hash has expired are pruned in passing.
func (h *OfflineHandler) GetQueued(ctx context.Context, agentID string, limit, offset int64, filter *message.Filter) ([]*OfflineMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := h.store.ZRevRange(ctx, kv.OfflineQueueKey(agentID), offset, offset+limit-1)
	if err != nil {
		return nil, fmt.Errorf("range offline queue for %s: %w", agentID, err)
	}

	entries := make([]*OfflineMessage, 0, len(ids))
	for _, id := range ids {
		fields, err := h.store.HGetAll(ctx, kv.OfflineMessageKey(id, agentID))
		if err != nil {
			return nil, fmt.Errorf("load offline message %s: %w", id, err)
		}
		if len(fields) == 0 {
			h.dropEntry(ctx, agentID, id)
			continue
		}
		entry, err := offlineFromFields(fields)
		if err != nil {
			slog.Warn("skipping corrupt offline message", "agent", agentID, "message_id", id, "error", err)
			continue
		}
		if filter != nil && !filter.Matches(entry.Message) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MarkDelivered transitions an offline entry to DELIVERED and records
// the attempt.
func (h *OfflineHandler) MarkDelivered(ctx context.Context, messageID, agentID string) error {
	key := kv.OfflineMessageKey(messageID, agentID)
	fields, err := h.store.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("load offline message %s: %w", messageID, err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("offline message %s for %s: %w", messageID, agentID, ErrMessageNotFound)
	}
	entry, err := offlineFromFields(fields)
	if err != nil {
		return fmt.Errorf("decode offline message %s: %w", messageID, err)
	}
	now := time.Now().UTC()
	entry.Status = OfflineDelivered
	entry.DeliveryAttempts++
	entry.LastAttempt = &now

	updated, err := offlineToFields(entry)
	if err != nil {
		return fmt.Errorf("encode offline message %s: %w", messageID, err)
	}
	return h.store.HSet(ctx, key, updated)
}

// RemoveDelivered drops specific messages (or, with no IDs, every
// delivered entry) from an agent's queue. Returns how many were removed.
func (h *OfflineHandler) RemoveDelivered(ctx context.Context, agentID string, messageIDs ...string) (int, error) {
	if len(messageIDs) == 0 {
		all, err := h.store.ZRange(ctx, kv.OfflineQueueKey(agentID), 0, -1)
		if err != nil {
			return 0, fmt.Errorf("range offline queue for %s: %w", agentID, err)
		}
		for _, id := range all {
			status, ok, err := h.store.HGet(ctx, kv.OfflineMessageKey(id, agentID), "status")
			if err == nil && ok && OfflineStatus(status) == OfflineDelivered {
				messageIDs = append(messageIDs, id)
			}
		}
	}
	removed := 0
	for _, id := range messageIDs {
		h.dropEntry(ctx, agentID, id)
		removed++
	}
	return removed, nil
}

func (h *OfflineHandler) dropEntry(ctx context.Context, agentID, messageID string) {
	if err := h.store.ZRem(ctx, kv.OfflineQueueKey(agentID), messageID); err != nil {
		slog.Warn("failed to drop offline queue entry", "agent", agentID, "message_id", messageID, "error", err)
	}
	if _, err := h.store.Del(ctx, kv.OfflineMessageKey(messageID, agentID)); err != nil {
		slog.Warn("failed to drop offline message body", "agent", agentID, "message_id", messageID, "error", err)
	}
}

// MarkRead writes a read-status record plus the two index sets used for
// constant-time lookups.
func (h *OfflineHandler) MarkRead(ctx context.Context, messageID, agentID, mailbox string) error {
	now := time.Now().UTC()
	fields := map[string]string{
		"message_id":   messageID,
		"agent_id":     agentID,
		"read_at":      now.Format(time.RFC3339Nano),
		"mailbox_name": mailbox,
	}
	if err := h.store.HSet(ctx, kv.ReadStatusKey(agentID, mailbox, messageID), fields); err != nil {
		return fmt.Errorf("write read status %s: %w", messageID, err)
	}
	if err := h.store.SAdd(ctx, kv.AgentReadIndexKey(agentID), messageID); err != nil {
		return fmt.Errorf("index read status for %s: %w", agentID, err)
	}
	if err := h.store.SAdd(ctx, kv.MessageReadersKey(messageID), agentID); err != nil {
		return fmt.Errorf("index readers of %s: %w", messageID, err)
	}
	return nil
}

// IsRead reports whether an agent has a read-index entry for a message.
func (h *OfflineHandler) IsRead(ctx context.Context, messageID, agentID string) (bool, error) {
	return h.store.SIsMember(ctx, kv.AgentReadIndexKey(agentID), messageID)
}

// Readers lists the agents that have read a message.
func (h *OfflineHandler) Readers(ctx context.Context, messageID string) ([]string, error) {
	return h.store.SMembers(ctx, kv.MessageReadersKey(messageID))
}

// ByTimeRange returns mailbox messages with timestamps in [start, end],
// oldest first.
func (h *OfflineHandler) ByTimeRange(ctx context.Context, mailbox string, start, end time.Time, limit int64) ([]*message.Message, error) {
	ids, err := h.store.ZRangeByScore(ctx, kv.MailboxMessagesKey(mailbox), float64(start.Unix()), float64(end.Unix()))
	if err != nil {
		return nil, fmt.Errorf("time range %s: %w", mailbox, err)
	}
	if limit > 0 && int64(len(ids)) > limit {
		ids = ids[:limit]
	}
	return h.hydrateMailbox(ctx, mailbox, ids)
}

// ByIDRange returns mailbox messages between two message IDs in log
// order. Empty bounds mean the start or end of the log.
func (h *OfflineHandler) ByIDRange(ctx context.Context, mailbox, startID, endID string, limit int64) ([]*message.Message, error) {
	ids, err := h.store.ZRange(ctx, kv.MailboxMessagesKey(mailbox), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", mailbox, err)
	}
	from := 0
	to := len(ids)
	for i, id := range ids {
		if startID != "" && id == startID {
			from = i
		}
		if endID != "" && id == endID {
			to = i + 1
		}
	}
	if from >= to {
		return nil, nil
	}
	ids = ids[from:to]
	if limit > 0 && int64(len(ids)) > limit {
		ids = ids[:limit]
	}
	return h.hydrateMailbox(ctx, mailbox, ids)
}

// SinceLastRead returns mailbox messages newer than the agent's latest
// read marker. With no read history the whole mailbox qualifies.
func (h *OfflineHandler) SinceLastRead(ctx context.Context, mailbox, agentID string, limit int64) ([]*message.Message, error) {
	readIDs, err := h.store.SMembers(ctx, kv.AgentReadIndexKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("load read index for %s: %w", agentID, err)
	}
	var latest time.Time
	for _, id := range readIDs {
		raw, ok, err := h.store.HGet(ctx, kv.ReadStatusKey(agentID, mailbox, id), "read_at")
		if err != nil || !ok {
			continue
		}
		readAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		if readAt.After(latest) {
			latest = readAt
		}
	}
	start := latest
	if !latest.IsZero() {
		start = latest.Add(time.Second) // scores have second resolution
	}
	return h.ByTimeRange(ctx, mailbox, start, time.Now().UTC().Add(time.Hour), limit)
}

func (h *OfflineHandler) hydrateMailbox(ctx context.Context, mailbox string, ids []string) ([]*message.Message, error) {
	msgs := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		body, ok, err := h.store.HGet(ctx, kv.MailboxMessageDataKey(mailbox), id)
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		if !ok {
			continue
		}
		var msg message.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			slog.Warn("skipping corrupt message", "mailbox", mailbox, "message_id", id, "error", err)
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Start launches the hourly cleanup loop.
func (h *OfflineHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("offline handler already running")
	}
	h.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go h.cleanupLoop(loopCtx)
	return nil
}

// Stop cancels the cleanup loop.
func (h *OfflineHandler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

func (h *OfflineHandler) cleanupLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.CleanupExpired(ctx); err != nil {
				slog.Warn("offline cleanup failed", "error", err)
			}
		}
	}
}

// CleanupExpired prunes expired offline entries and aged read-status
// records.
func (h *OfflineHandler) CleanupExpired(ctx context.Context) error {
	queues, err := h.store.Keys(ctx, "offline_queue:*")
	if err != nil {
		return fmt.Errorf("scan offline queues: %w", err)
	}
	pruned := 0
	for _, queueKey := range queues {
		agentID := queueKey[len("offline_queue:"):]
		ids, err := h.store.ZRange(ctx, queueKey, 0, -1)
		if err != nil {
			continue
		}
		for _, id := range ids {
			exists, err := h.store.Exists(ctx, kv.OfflineMessageKey(id, agentID))
			if err != nil {
				continue
			}
			if !exists {
				h.dropEntry(ctx, agentID, id)
				pruned++
			}
		}
	}

	cutoff := time.Now().UTC().Add(-h.config.ReadStatusMaxAge)
	statuses, err := h.store.Keys(ctx, "read_status:*")
	if err != nil {
		return fmt.Errorf("scan read statuses: %w", err)
	}
	for _, key := range statuses {
		raw, ok, err := h.store.HGet(ctx, key, "read_at")
		if err != nil || !ok {
			continue
		}
		readAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || readAt.After(cutoff) {
			continue
		}
		fields, err := h.store.HGetAll(ctx, key)
		if err == nil {
			if err := h.store.SRem(ctx, kv.AgentReadIndexKey(fields["agent_id"]), fields["message_id"]); err == nil {
				_ = h.store.SRem(ctx, kv.MessageReadersKey(fields["message_id"]), fields["agent_id"])
			}
		}
		if _, err := h.store.Del(ctx, key); err == nil {
			pruned++
		}
	}
	if pruned > 0 {
		slog.Info("offline cleanup pruned entries", "count", pruned)
	}
	return nil
}

func offlineToFields(entry *OfflineMessage) (map[string]string, error) {
	body, err := json.Marshal(entry.Message)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"message":           string(body),
		"queued_at":         entry.QueuedAt.Format(time.RFC3339Nano),
		"target_agent":      entry.TargetAgent,
		"mailbox_name":      entry.MailboxName,
		"status":            string(entry.Status),
		"delivery_attempts": strconv.Itoa(entry.DeliveryAttempts),
	}
	if entry.LastAttempt != nil {
		fields["last_attempt"] = entry.LastAttempt.Format(time.RFC3339Nano)
	}
	if entry.ExpiresAt != nil {
		fields["expires_at"] = entry.ExpiresAt.Format(time.RFC3339Nano)
	}
	return fields, nil
}

func offlineFromFields(fields map[string]string) (*OfflineMessage, error) {
	entry := &OfflineMessage{
		TargetAgent: fields["target_agent"],
		MailboxName: fields["mailbox_name"],
		Status:      OfflineStatus(fields["status"]),
	}
	var msg message.Message
	if err := json.Unmarshal([]byte(fields["message"]), &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	entry.Message = &msg

	var err error
	if entry.QueuedAt, err = time.Parse(time.RFC3339Nano, fields["queued_at"]); err != nil {
		return nil, fmt.Errorf("parse queued_at: %w", err)
	}
	if raw := fields["delivery_attempts"]; raw != "" {
		if entry.DeliveryAttempts, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("parse delivery_attempts: %w", err)
		}
	}
	for name, dst := range map[string]**time.Time{
		"last_attempt": &entry.LastAttempt,
		"expires_at":   &entry.ExpiresAt,
	} {
		if raw := fields[name]; raw != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = &ts
		}
	}
	return entry, nil
}
