// Package topics manages the hierarchical topic registry and topic
// message publication.
package topics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
	"github.com/louspringer/inter-llm-mailbox/pkg/subscription"
)

const maxHierarchyDepth = 10

var (
	// ErrTopicNotFound is returned when a topic name is unknown.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrTopicExists is returned on a duplicate explicit create.
	ErrTopicExists = errors.New("topic already exists")
)

// Statistics are the per-topic publication counters.
type Statistics struct {
	MessageCount    int64      `json:"message_count"`
	SubscriberCount int        `json:"subscriber_count"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
}

// Topic is one node of the topic hierarchy. Parents are referenced by
// name only and resolved through the registry on demand.
type Topic struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Description           string         `json:"description,omitempty"`
	ParentTopic           string         `json:"parent_topic,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	Active                bool           `json:"active"`
	AutoCleanup           bool           `json:"auto_cleanup"`
	CleanupAfterHours     int            `json:"cleanup_after_hours"`
	MaxSubscribers        int            `json:"max_subscribers"`
	MessageRetentionHours int            `json:"message_retention_hours"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	Permissions           map[string]any `json:"permissions,omitempty"`
	Statistics            Statistics     `json:"statistics"`
}

// TopicConfig is the explicit-create input.
type TopicConfig struct {
	Name                  string
	Description           string
	AutoCleanup           bool
	CleanupAfterHours     int
	MaxSubscribers        int
	MessageRetentionHours int
	Metadata              map[string]any
	Permissions           map[string]any
}

// Config tunes the registry's background maintenance.
type Config struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Validate applies defaults for unset fields.
func (c *Config) Validate() error {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return nil
}

// Manager owns the in-memory topic registry backed by KV hashes.
type Manager struct {
	config Config
	store  kv.Store
	subs   *subscription.Manager

	mu       sync.RWMutex
	byName   map[string]*Topic
	topicSub map[string]map[string]bool // topic name → subscription IDs

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds a registry on the given KV driver and subscription
// manager.
func NewManager(store kv.Store, subs *subscription.Manager, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		config:   cfg,
		store:    store,
		subs:     subs,
		byName:   make(map[string]*Topic),
		topicSub: make(map[string]map[string]bool),
	}, nil
}

// Start restores persisted topics and launches the cleanup loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("topic manager already running")
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.restorePersisted(ctx); err != nil {
		slog.Warn("failed to restore persisted topics", "error", err)
	}

	m.wg.Add(1)
	go m.cleanupLoop(loopCtx)
	return nil
}

// Stop cancels the cleanup loop.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Manager) restorePersisted(ctx context.Context) error {
	keys, err := m.store.Keys(ctx, "topic_name:*")
	if err != nil {
		return err
	}
	restored := 0
	for _, key := range keys {
		id, ok, err := m.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		fields, err := m.store.HGetAll(ctx, kv.TopicKey(id))
		if err != nil || len(fields) == 0 {
			continue
		}
		topic, err := topicFromFields(fields)
		if err != nil {
			slog.Warn("skipping corrupt persisted topic", "key", key, "error", err)
			continue
		}
		m.mu.Lock()
		if _, exists := m.byName[topic.Name]; !exists {
			m.byName[topic.Name] = topic
			restored++
		}
		m.mu.Unlock()
	}
	if restored > 0 {
		slog.Info("restored persisted topics", "count", restored)
	}
	return nil
}

// ValidName reports whether a topic name is well-formed and within the
// hierarchy depth limit.
func ValidName(name string) bool {
	if !message.ValidTarget(name) {
		return false
	}
	segments := strings.Split(name, ".")
	if len(segments) > maxHierarchyDepth {
		return false
	}
	for _, seg := range segments {
		if seg == "" {
			return false
		}
	}
	return true
}

// Create materializes a topic plus any missing implicit parents.
// Returns ErrTopicExists when the name is already registered.
func (m *Manager) Create(ctx context.Context, cfg TopicConfig) (*Topic, error) {
	if !ValidName(cfg.Name) {
		return nil, fmt.Errorf("invalid topic name %q", cfg.Name)
	}
	m.mu.RLock()
	_, exists := m.byName[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("topic %s: %w", cfg.Name, ErrTopicExists)
	}
	if err := m.ensureParents(ctx, cfg.Name); err != nil {
		return nil, err
	}
	return m.materialize(ctx, cfg)
}

// ensureParents walks a dotted name and creates any missing ancestors.
func (m *Manager) ensureParents(ctx context.Context, name string) error {
	segments := strings.Split(name, ".")
	for i := 1; i < len(segments); i++ {
		parent := strings.Join(segments[:i], ".")
		m.mu.RLock()
		_, exists := m.byName[parent]
		m.mu.RUnlock()
		if exists {
			continue
		}
		if _, err := m.materialize(ctx, TopicConfig{Name: parent}); err != nil {
			return fmt.Errorf("materialize parent %s: %w", parent, err)
		}
	}
	return nil
}

func (m *Manager) materialize(ctx context.Context, cfg TopicConfig) (*Topic, error) {
	now := time.Now().UTC()
	topic := &Topic{
		ID:                    uuid.New().String(),
		Name:                  cfg.Name,
		Description:           cfg.Description,
		CreatedAt:             now,
		UpdatedAt:             now,
		Active:                true,
		AutoCleanup:           cfg.AutoCleanup,
		CleanupAfterHours:     cfg.CleanupAfterHours,
		MaxSubscribers:        cfg.MaxSubscribers,
		MessageRetentionHours: cfg.MessageRetentionHours,
		Metadata:              cfg.Metadata,
		Permissions:           cfg.Permissions,
	}
	if topic.MaxSubscribers <= 0 {
		topic.MaxSubscribers = 1000
	}
	if topic.CleanupAfterHours <= 0 {
		topic.CleanupAfterHours = 24
	}
	if idx := strings.LastIndex(cfg.Name, "."); idx >= 0 {
		topic.ParentTopic = cfg.Name[:idx]
	}

	if err := m.persist(ctx, topic); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.byName[topic.Name] = topic
	m.mu.Unlock()
	slog.Info("topic created", "topic", topic.Name, "parent", topic.ParentTopic)
	return topic, nil
}

func (m *Manager) persist(ctx context.Context, topic *Topic) error {
	fields, err := topicToFields(topic)
	if err != nil {
		return fmt.Errorf("encode topic %s: %w", topic.Name, err)
	}
	if err := m.store.HSet(ctx, kv.TopicKey(topic.ID), fields); err != nil {
		return fmt.Errorf("persist topic %s: %w", topic.Name, err)
	}
	if err := m.store.Set(ctx, kv.TopicNameKey(topic.Name), topic.ID, 0); err != nil {
		return fmt.Errorf("index topic %s: %w", topic.Name, err)
	}
	return nil
}

// Get returns a topic by name.
func (m *Manager) Get(name string) (*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topic, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", name, ErrTopicNotFound)
	}
	return topic, nil
}

// List returns all registered topics.
func (m *Manager) List() []*Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make([]*Topic, 0, len(m.byName))
	for _, topic := range m.byName {
		topics = append(topics, topic)
	}
	return topics
}

// Children returns the direct children of a topic.
func (m *Manager) Children(name string) []*Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var children []*Topic
	for _, topic := range m.byName {
		if topic.ParentTopic == name {
			children = append(children, topic)
		}
	}
	return children
}

// Subscribe registers an agent on a topic, creating the topic if it
// does not exist. With includeChildren on a hierarchical topic the
// subscription matches one level of children via the pattern "name.*".
func (m *Manager) Subscribe(ctx context.Context, agentID, name string, opts subscription.Options, includeChildren bool) (*subscription.Subscription, error) {
	topic, err := m.Get(name)
	if errors.Is(err, ErrTopicNotFound) {
		topic, err = m.Create(ctx, TopicConfig{Name: name})
	}
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	current := len(m.topicSub[name])
	m.mu.RUnlock()
	if current >= topic.MaxSubscribers {
		return nil, fmt.Errorf("topic %s subscriber limit reached (%d)", name, topic.MaxSubscribers)
	}

	pattern := ""
	if includeChildren && strings.Contains(name, ".") {
		pattern = name + ".*"
	}
	sub, err := m.subs.Create(ctx, agentID, name, pattern, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// A cleanup pass may have dropped the topic between the lookup above
	// and this registration; the new subscription revives it.
	if _, ok := m.byName[name]; !ok {
		m.byName[name] = topic
	}
	if m.topicSub[name] == nil {
		m.topicSub[name] = make(map[string]bool)
	}
	if !m.topicSub[name][sub.ID] {
		m.topicSub[name][sub.ID] = true
		topic.Statistics.SubscriberCount = len(m.topicSub[name])
		topic.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	if err := m.persist(ctx, topic); err != nil {
		slog.Warn("failed to persist topic after subscribe", "topic", name, "error", err)
	}
	return sub, nil
}

// Unsubscribe removes a topic subscription previously created through
// Subscribe.
func (m *Manager) Unsubscribe(ctx context.Context, name, subID string) error {
	if _, err := m.subs.Remove(ctx, subID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ids, ok := m.topicSub[name]; ok {
		delete(ids, subID)
		if topic, ok := m.byName[name]; ok {
			topic.Statistics.SubscriberCount = len(ids)
		}
	}
	return nil
}

// Publish stores a message in the topic's log, publishes it on the
// topic channel and dispatches to matching subscriptions. Returns the
// number of subscribers reached.
func (m *Manager) Publish(ctx context.Context, name string, msg *message.Message) (int, error) {
	topic, err := m.Get(name)
	if errors.Is(err, ErrTopicNotFound) {
		topic, err = m.Create(ctx, TopicConfig{Name: name})
	}
	if err != nil {
		return 0, err
	}

	if err := m.storeMessage(ctx, topic, msg); err != nil {
		return 0, err
	}

	// Local dispatch happens before the channel publish so the reached
	// count is not raced by our own pub/sub pump.
	reached, err := m.subs.Deliver(ctx, msg, name, message.ModeTopic)
	if err != nil {
		return reached, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return reached, fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}
	if _, err := m.store.Publish(ctx, kv.TopicChannel(name), payload); err != nil {
		slog.Warn("topic channel publish failed", "topic", name, "error", err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	topic.Statistics.MessageCount++
	topic.Statistics.LastMessageAt = &now
	topic.UpdatedAt = now
	m.mu.Unlock()
	if err := m.persist(ctx, topic); err != nil {
		slog.Warn("failed to persist topic after publish", "topic", name, "error", err)
	}
	return reached, nil
}

// storeMessage appends to the topic's ordered message log, honoring the
// retention window when one is set.
func (m *Manager) storeMessage(ctx context.Context, topic *Topic, msg *message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}
	if err := m.store.HSet(ctx, kv.TopicMessageDataKey(topic.Name), map[string]string{msg.ID: string(body)}); err != nil {
		return fmt.Errorf("store topic message %s: %w", msg.ID, err)
	}
	if err := m.store.ZAdd(ctx, kv.TopicMessagesKey(topic.Name), kv.ZMember{
		Score:  float64(msg.Timestamp.Unix()),
		Member: msg.ID,
	}); err != nil {
		return fmt.Errorf("order topic message %s: %w", msg.ID, err)
	}
	if topic.MessageRetentionHours > 0 {
		retention := time.Duration(topic.MessageRetentionHours) * time.Hour
		if err := m.store.Expire(ctx, kv.TopicMessageDataKey(topic.Name), retention); err != nil {
			slog.Warn("failed to set topic retention", "topic", topic.Name, "error", err)
		}
	}
	return nil
}

// Delete removes a topic, its persisted record and message log.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	topic, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("topic %s: %w", name, ErrTopicNotFound)
	}
	delete(m.byName, name)
	delete(m.topicSub, name)
	m.mu.Unlock()

	if err := m.deleteKeys(ctx, topic); err != nil {
		return fmt.Errorf("delete topic %s: %w", name, err)
	}
	slog.Info("topic deleted", "topic", name)
	return nil
}

func (m *Manager) deleteKeys(ctx context.Context, topic *Topic) error {
	_, err := m.store.Del(ctx,
		kv.TopicKey(topic.ID),
		kv.TopicNameKey(topic.Name),
		kv.TopicMessagesKey(topic.Name),
		kv.TopicMessageDataKey(topic.Name),
	)
	return err
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
			m.CleanupInactive(ctx)
		}
	}
}

// CleanupInactive deletes auto-cleanup topics that have been idle past
// their window and have no subscribers. The subscriber check and the
// registry removal happen in one critical section, so a Subscribe that
// lands before the lock is taken keeps its topic.
func (m *Manager) CleanupInactive(ctx context.Context) int {
	now := time.Now().UTC()
	m.mu.Lock()
	var doomed []*Topic
	for name, topic := range m.byName {
		if !topic.AutoCleanup {
			continue
		}
		if len(m.topicSub[name]) > 0 {
			continue
		}
		idle := now.Sub(topic.UpdatedAt)
		if topic.Statistics.LastMessageAt != nil {
			idle = now.Sub(*topic.Statistics.LastMessageAt)
		}
		if idle > time.Duration(topic.CleanupAfterHours)*time.Hour {
			delete(m.byName, name)
			delete(m.topicSub, name)
			doomed = append(doomed, topic)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, topic := range doomed {
		if err := m.deleteKeys(ctx, topic); err != nil {
			slog.Warn("topic cleanup failed", "topic", topic.Name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("cleaned up inactive topics", "count", removed)
	}
	return removed
}

// Health implements health.Reporter.
func (m *Manager) Health(ctx context.Context) (*health.Status, error) {
	m.mu.RLock()
	count := len(m.byName)
	running := m.running
	m.mu.RUnlock()
	details := map[string]string{"topics": strconv.Itoa(count)}
	if !running {
		return health.Degraded("topic manager not started", details), nil
	}
	return health.Healthy("topic manager running", details), nil
}

func topicToFields(topic *Topic) (map[string]string, error) {
	fields := map[string]string{
		"id":                      topic.ID,
		"name":                    topic.Name,
		"description":             topic.Description,
		"parent_topic":            topic.ParentTopic,
		"created_at":              topic.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":              topic.UpdatedAt.Format(time.RFC3339Nano),
		"active":                  strconv.FormatBool(topic.Active),
		"auto_cleanup":            strconv.FormatBool(topic.AutoCleanup),
		"cleanup_after_hours":     strconv.Itoa(topic.CleanupAfterHours),
		"max_subscribers":         strconv.Itoa(topic.MaxSubscribers),
		"message_retention_hours": strconv.Itoa(topic.MessageRetentionHours),
	}
	for name, value := range map[string]any{
		"metadata":    topic.Metadata,
		"permissions": topic.Permissions,
		"statistics":  topic.Statistics,
	} {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[name] = string(raw)
	}
	return fields, nil
}

func topicFromFields(fields map[string]string) (*Topic, error) {
	topic := &Topic{
		ID:          fields["id"],
		Name:        fields["name"],
		Description: fields["description"],
		ParentTopic: fields["parent_topic"],
	}
	var err error
	if topic.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if topic.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if topic.Active, err = strconv.ParseBool(fields["active"]); err != nil {
		return nil, fmt.Errorf("parse active: %w", err)
	}
	if topic.AutoCleanup, err = strconv.ParseBool(fields["auto_cleanup"]); err != nil {
		return nil, fmt.Errorf("parse auto_cleanup: %w", err)
	}
	for name, dst := range map[string]*int{
		"cleanup_after_hours":     &topic.CleanupAfterHours,
		"max_subscribers":         &topic.MaxSubscribers,
		"message_retention_hours": &topic.MessageRetentionHours,
	} {
		if raw := fields[name]; raw != "" {
			if *dst, err = strconv.Atoi(raw); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
		}
	}
	for name, dst := range map[string]any{
		"metadata":    &topic.Metadata,
		"permissions": &topic.Permissions,
		"statistics":  &topic.Statistics,
	} {
		if raw := fields[name]; raw != "" {
			if err := json.Unmarshal([]byte(raw), dst); err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
		}
	}
	return topic, nil
}
