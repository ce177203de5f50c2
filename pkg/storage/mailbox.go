// Package storage persists mailboxes, their ordered message logs and
// per-agent read state on the KV backend, and queues messages for
// offline agents.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// MailboxState is the lifecycle state of a mailbox.
type MailboxState string

const (
	MailboxActive   MailboxState = "ACTIVE"
	MailboxInactive MailboxState = "INACTIVE"
	MailboxArchived MailboxState = "ARCHIVED"
	MailboxDeleted  MailboxState = "DELETED"
)

// MailboxMetadata is the durable mailbox record.
type MailboxMetadata struct {
	Name           string         `json:"name"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedBy      string         `json:"created_by"`
	State          MailboxState   `json:"state"`
	Description    string         `json:"description,omitempty"`
	MaxMessages    int64          `json:"max_messages"`
	MessageTTL     time.Duration  `json:"message_ttl,omitempty"`
	LastActivity   time.Time      `json:"last_activity,omitempty"`
	MessageCount   int64          `json:"message_count"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	Subscribers    []string       `json:"subscribers,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	CustomMetadata map[string]any `json:"custom_metadata,omitempty"`
}

const defaultMaxMessages = 10000

// MailboxOptions are the optional attributes of CreateMailbox.
type MailboxOptions struct {
	Description    string
	MaxMessages    int64
	MessageTTL     time.Duration
	Tags           []string
	CustomMetadata map[string]any
}

// MessagePage is one page of a mailbox listing.
type MessagePage struct {
	Messages   []*message.Message `json:"messages"`
	TotalCount int64              `json:"total_count"`
	Offset     int64              `json:"offset"`
	Limit      int64              `json:"limit"`
	HasMore    bool               `json:"has_more"`
}

// MailboxStore manages mailbox records and their message logs.
type MailboxStore struct {
	store kv.Store
}

// NewMailboxStore creates a store backed by the given KV driver.
func NewMailboxStore(store kv.Store) *MailboxStore {
	return &MailboxStore{store: store}
}

// CreateMailbox creates a named mailbox. Returns ErrMailboxExists on a
// duplicate name.
func (s *MailboxStore) CreateMailbox(ctx context.Context, name, creator string, opts MailboxOptions) (*MailboxMetadata, error) {
	if !message.ValidTarget(name) {
		return nil, fmt.Errorf("invalid mailbox name %q", name)
	}
	exists, err := s.store.Exists(ctx, kv.MailboxMetadataKey(name))
	if err != nil {
		return nil, fmt.Errorf("check mailbox %s: %w", name, err)
	}
	if exists {
		return nil, fmt.Errorf("mailbox %s: %w", name, ErrMailboxExists)
	}

	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	meta := &MailboxMetadata{
		Name:           name,
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      creator,
		State:          MailboxActive,
		Description:    opts.Description,
		MaxMessages:    maxMessages,
		MessageTTL:     opts.MessageTTL,
		Tags:           opts.Tags,
		CustomMetadata: opts.CustomMetadata,
	}
	if err := s.writeMetadata(ctx, meta); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, kv.MailboxIndexKey, name); err != nil {
		return nil, fmt.Errorf("index mailbox %s: %w", name, err)
	}
	slog.Info("mailbox created", "mailbox", name, "creator", creator)
	return meta, nil
}

// GetMailbox loads a mailbox record. Returns ErrMailboxNotFound if the
// name is unknown.
func (s *MailboxStore) GetMailbox(ctx context.Context, name string) (*MailboxMetadata, error) {
	fields, err := s.store.HGetAll(ctx, kv.MailboxMetadataKey(name))
	if err != nil {
		return nil, fmt.Errorf("load mailbox %s: %w", name, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("mailbox %s: %w", name, ErrMailboxNotFound)
	}
	return metadataFromFields(fields)
}

// ListMailboxes returns the names of all known mailboxes.
func (s *MailboxStore) ListMailboxes(ctx context.Context) ([]string, error) {
	return s.store.SMembers(ctx, kv.MailboxIndexKey)
}

// StoreMessage writes a message body into a mailbox, creating the
// mailbox if it does not exist. Oldest messages are trimmed when the
// count exceeds the mailbox's max_messages.
func (s *MailboxStore) StoreMessage(ctx context.Context, mailbox string, msg *message.Message) error {
	meta, err := s.GetMailbox(ctx, mailbox)
	if err != nil {
		if !errors.Is(err, ErrMailboxNotFound) {
			return err
		}
		meta, err = s.CreateMailbox(ctx, mailbox, msg.SenderID, MailboxOptions{})
		if err != nil {
			return err
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}

	if err := s.store.HSet(ctx, kv.MailboxMessageDataKey(mailbox), map[string]string{msg.ID: string(body)}); err != nil {
		return fmt.Errorf("store message %s: %w", msg.ID, err)
	}
	score := float64(msg.Timestamp.Unix())
	if err := s.store.ZAdd(ctx, kv.MailboxMessagesKey(mailbox), kv.ZMember{Score: score, Member: msg.ID}); err != nil {
		return fmt.Errorf("order message %s: %w", msg.ID, err)
	}

	meta.MessageCount++
	meta.TotalSizeBytes += int64(len(body))
	meta.LastActivity = time.Now().UTC()

	if meta.MessageCount > meta.MaxMessages {
		if err := s.trimOldest(ctx, mailbox, meta); err != nil {
			slog.Warn("failed to trim mailbox", "mailbox", mailbox, "error", err)
		}
	}
	if err := s.writeMetadata(ctx, meta); err != nil {
		return err
	}
	if meta.MessageTTL > 0 {
		if err := s.store.Expire(ctx, kv.MailboxMessageDataKey(mailbox), meta.MessageTTL); err != nil {
			slog.Warn("failed to set message ttl", "mailbox", mailbox, "error", err)
		}
	}
	return nil
}

func (s *MailboxStore) trimOldest(ctx context.Context, mailbox string, meta *MailboxMetadata) error {
	excess := meta.MessageCount - meta.MaxMessages
	if excess <= 0 {
		return nil
	}
	oldest, err := s.store.ZRange(ctx, kv.MailboxMessagesKey(mailbox), 0, excess-1)
	if err != nil {
		return err
	}
	for _, id := range oldest {
		body, ok, err := s.store.HGet(ctx, kv.MailboxMessageDataKey(mailbox), id)
		if err == nil && ok {
			meta.TotalSizeBytes -= int64(len(body))
		}
		if err := s.store.HDel(ctx, kv.MailboxMessageDataKey(mailbox), id); err != nil {
			return err
		}
		if err := s.store.ZRem(ctx, kv.MailboxMessagesKey(mailbox), id); err != nil {
			return err
		}
		meta.MessageCount--
	}
	if meta.TotalSizeBytes < 0 {
		meta.TotalSizeBytes = 0
	}
	slog.Info("trimmed mailbox", "mailbox", mailbox, "removed", len(oldest))
	return nil
}

// GetMessages returns one page of a mailbox's messages, newest first by
// default. The filter, when set, is applied to the hydrated page.
func (s *MailboxStore) GetMessages(ctx context.Context, mailbox string, offset, limit int64, filter *message.Filter, reverse bool) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	total, err := s.store.ZCard(ctx, kv.MailboxMessagesKey(mailbox))
	if err != nil {
		return nil, fmt.Errorf("count mailbox %s: %w", mailbox, err)
	}

	var ids []string
	if reverse {
		ids, err = s.store.ZRevRange(ctx, kv.MailboxMessagesKey(mailbox), offset, offset+limit-1)
	} else {
		ids, err = s.store.ZRange(ctx, kv.MailboxMessagesKey(mailbox), offset, offset+limit-1)
	}
	if err != nil {
		return nil, fmt.Errorf("range mailbox %s: %w", mailbox, err)
	}

	msgs, err := s.hydrate(ctx, mailbox, ids, filter)
	if err != nil {
		return nil, err
	}
	return &MessagePage{
		Messages:   msgs,
		TotalCount: total,
		Offset:     offset,
		Limit:      limit,
		HasMore:    offset+limit < total,
	}, nil
}

func (s *MailboxStore) hydrate(ctx context.Context, mailbox string, ids []string, filter *message.Filter) ([]*message.Message, error) {
	msgs := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		body, ok, err := s.store.HGet(ctx, kv.MailboxMessageDataKey(mailbox), id)
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		if !ok {
			continue // trimmed between range and hydrate
		}
		var msg message.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			slog.Warn("skipping corrupt message", "mailbox", mailbox, "message_id", id, "error", err)
			continue
		}
		if filter != nil && !filter.Matches(&msg) {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// GetMessage loads one message by ID. Returns ErrMessageNotFound if
// absent or corrupt.
func (s *MailboxStore) GetMessage(ctx context.Context, mailbox, messageID string) (*message.Message, error) {
	body, ok, err := s.store.HGet(ctx, kv.MailboxMessageDataKey(mailbox), messageID)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if !ok {
		return nil, fmt.Errorf("message %s in %s: %w", messageID, mailbox, ErrMessageNotFound)
	}
	var msg message.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return &msg, nil
}

// DeleteMessage removes a message body and its ordering entry. Returns
// false when the message was not present.
func (s *MailboxStore) DeleteMessage(ctx context.Context, mailbox, messageID string) (bool, error) {
	body, ok, err := s.store.HGet(ctx, kv.MailboxMessageDataKey(mailbox), messageID)
	if err != nil {
		return false, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.store.HDel(ctx, kv.MailboxMessageDataKey(mailbox), messageID); err != nil {
		return false, fmt.Errorf("delete message %s: %w", messageID, err)
	}
	if err := s.store.ZRem(ctx, kv.MailboxMessagesKey(mailbox), messageID); err != nil {
		return false, fmt.Errorf("deorder message %s: %w", messageID, err)
	}

	meta, err := s.GetMailbox(ctx, mailbox)
	if err == nil {
		meta.MessageCount--
		meta.TotalSizeBytes -= int64(len(body))
		if meta.MessageCount < 0 {
			meta.MessageCount = 0
		}
		if meta.TotalSizeBytes < 0 {
			meta.TotalSizeBytes = 0
		}
		if err := s.writeMetadata(ctx, meta); err != nil {
			slog.Warn("failed to update mailbox counters", "mailbox", mailbox, "error", err)
		}
	}
	return true, nil
}

// MarkMessageRead records a per-agent read marker.
func (s *MailboxStore) MarkMessageRead(ctx context.Context, mailbox, messageID, agentID string) (bool, error) {
	_, ok, err := s.store.HGet(ctx, kv.MailboxMessageDataKey(mailbox), messageID)
	if err != nil {
		return false, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if !ok {
		return false, nil
	}
	field := messageID + ":" + agentID
	readAt := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.store.HSet(ctx, kv.MailboxReadStatusKey(mailbox), map[string]string{field: readAt}); err != nil {
		return false, fmt.Errorf("mark read %s: %w", messageID, err)
	}
	return true, nil
}

// IsMessageRead reports whether an agent has read a message.
func (s *MailboxStore) IsMessageRead(ctx context.Context, mailbox, messageID, agentID string) (bool, error) {
	_, ok, err := s.store.HGet(ctx, kv.MailboxReadStatusKey(mailbox), messageID+":"+agentID)
	if err != nil {
		return false, fmt.Errorf("check read %s: %w", messageID, err)
	}
	return ok, nil
}

// GetUnreadCount counts mailbox messages the agent has not marked read.
func (s *MailboxStore) GetUnreadCount(ctx context.Context, mailbox, agentID string) (int64, error) {
	ids, err := s.store.ZRange(ctx, kv.MailboxMessagesKey(mailbox), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("range mailbox %s: %w", mailbox, err)
	}
	markers, err := s.store.HGetAll(ctx, kv.MailboxReadStatusKey(mailbox))
	if err != nil {
		return 0, fmt.Errorf("load read markers %s: %w", mailbox, err)
	}
	var unread int64
	for _, id := range ids {
		if _, ok := markers[id+":"+agentID]; !ok {
			unread++
		}
	}
	return unread, nil
}

// DeleteMailbox removes a mailbox. A soft delete flips state to DELETED
// and keeps the keys; a hard delete removes everything including the
// index entry.
func (s *MailboxStore) DeleteMailbox(ctx context.Context, name string, hard bool) error {
	meta, err := s.GetMailbox(ctx, name)
	if err != nil {
		return err
	}
	if !hard {
		meta.State = MailboxDeleted
		return s.writeMetadata(ctx, meta)
	}
	_, err = s.store.Del(ctx,
		kv.MailboxMetadataKey(name),
		kv.MailboxMessagesKey(name),
		kv.MailboxMessageDataKey(name),
		kv.MailboxReadStatusKey(name),
	)
	if err != nil {
		return fmt.Errorf("delete mailbox %s: %w", name, err)
	}
	if err := s.store.SRem(ctx, kv.MailboxIndexKey, name); err != nil {
		return fmt.Errorf("deindex mailbox %s: %w", name, err)
	}
	slog.Info("mailbox deleted", "mailbox", name, "hard", true)
	return nil
}

// AddSubscriber records an agent on the mailbox's subscriber list.
func (s *MailboxStore) AddSubscriber(ctx context.Context, mailbox, agentID string) error {
	meta, err := s.GetMailbox(ctx, mailbox)
	if err != nil {
		return err
	}
	for _, sub := range meta.Subscribers {
		if sub == agentID {
			return nil
		}
	}
	meta.Subscribers = append(meta.Subscribers, agentID)
	return s.writeMetadata(ctx, meta)
}

// RemoveSubscriber drops an agent from the mailbox's subscriber list.
func (s *MailboxStore) RemoveSubscriber(ctx context.Context, mailbox, agentID string) error {
	meta, err := s.GetMailbox(ctx, mailbox)
	if err != nil {
		return err
	}
	kept := meta.Subscribers[:0]
	for _, sub := range meta.Subscribers {
		if sub != agentID {
			kept = append(kept, sub)
		}
	}
	meta.Subscribers = kept
	return s.writeMetadata(ctx, meta)
}

// Health implements health.Reporter with a round-trip through the index
// key.
func (s *MailboxStore) Health(ctx context.Context) (*health.Status, error) {
	count, err := s.store.SCard(ctx, kv.MailboxIndexKey)
	if err != nil {
		return health.Unhealthy("mailbox index unreachable", map[string]string{"error": err.Error()}), nil
	}
	return health.Healthy("mailbox storage reachable", map[string]string{
		"mailboxes": strconv.FormatInt(count, 10),
	}), nil
}

func (s *MailboxStore) writeMetadata(ctx context.Context, meta *MailboxMetadata) error {
	fields, err := metadataToFields(meta)
	if err != nil {
		return fmt.Errorf("encode mailbox %s: %w", meta.Name, err)
	}
	if err := s.store.HSet(ctx, kv.MailboxMetadataKey(meta.Name), fields); err != nil {
		return fmt.Errorf("write mailbox %s: %w", meta.Name, err)
	}
	return nil
}

func metadataToFields(meta *MailboxMetadata) (map[string]string, error) {
	fields := map[string]string{
		"name":             meta.Name,
		"created_at":       meta.CreatedAt.Format(time.RFC3339Nano),
		"created_by":       meta.CreatedBy,
		"state":            string(meta.State),
		"description":      meta.Description,
		"max_messages":     strconv.FormatInt(meta.MaxMessages, 10),
		"message_ttl":      strconv.FormatInt(int64(meta.MessageTTL/time.Second), 10),
		"message_count":    strconv.FormatInt(meta.MessageCount, 10),
		"total_size_bytes": strconv.FormatInt(meta.TotalSizeBytes, 10),
	}
	if !meta.LastActivity.IsZero() {
		fields["last_activity"] = meta.LastActivity.Format(time.RFC3339Nano)
	}
	for name, value := range map[string]any{
		"subscribers":     meta.Subscribers,
		"tags":            meta.Tags,
		"custom_metadata": meta.CustomMetadata,
	} {
		if value == nil {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[name] = string(raw)
	}
	return fields, nil
}

func metadataFromFields(fields map[string]string) (*MailboxMetadata, error) {
	meta := &MailboxMetadata{
		Name:        fields["name"],
		CreatedBy:   fields["created_by"],
		State:       MailboxState(fields["state"]),
		Description: fields["description"],
	}
	var err error
	if meta.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if raw := fields["last_activity"]; raw != "" {
		if meta.LastActivity, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("parse last_activity: %w", err)
		}
	}
	if meta.MaxMessages, err = strconv.ParseInt(fields["max_messages"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse max_messages: %w", err)
	}
	if ttl := fields["message_ttl"]; ttl != "" {
		seconds, err := strconv.ParseInt(ttl, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse message_ttl: %w", err)
		}
		meta.MessageTTL = time.Duration(seconds) * time.Second
	}
	if raw := fields["message_count"]; raw != "" {
		if meta.MessageCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse message_count: %w", err)
		}
	}
	if raw := fields["total_size_bytes"]; raw != "" {
		if meta.TotalSizeBytes, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse total_size_bytes: %w", err)
		}
	}
	for name, dst := range map[string]any{
		"subscribers":     &meta.Subscribers,
		"tags":            &meta.Tags,
		"custom_metadata": &meta.CustomMetadata,
	} {
		if raw := fields[name]; raw != "" {
			if err := json.Unmarshal([]byte(raw), dst); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
		}
	}
	return meta, nil
}
