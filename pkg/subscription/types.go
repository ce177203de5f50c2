// Package subscription tracks agent subscriptions, their connection
// state and delivery dispatch across realtime, batch and polling modes.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// DeliveryMode selects how matched messages reach the agent.
type DeliveryMode string

const (
	DeliveryRealtime DeliveryMode = "REALTIME"
	DeliveryBatch    DeliveryMode = "BATCH"
	DeliveryPolling  DeliveryMode = "POLLING"
)

func (m DeliveryMode) valid() bool {
	switch m {
	case DeliveryRealtime, DeliveryBatch, DeliveryPolling:
		return true
	}
	return false
}

// Options tune a single subscription.
type Options struct {
	DeliveryMode  DeliveryMode    `json:"delivery_mode"`
	MessageFilter *message.Filter `json:"message_filter,omitempty"`
	MaxQueueSize  int             `json:"max_queue_size"`
	AutoAck       bool            `json:"auto_ack"`
	BatchSize     int             `json:"batch_size"`
	BatchTimeout  time.Duration   `json:"batch_timeout"`
}

// DefaultOptions returns the per-subscription defaults.
func DefaultOptions() Options {
	return Options{
		DeliveryMode: DeliveryRealtime,
		MaxQueueSize: 1000,
		AutoAck:      true,
		BatchSize:    10,
		BatchTimeout: 30 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	if o.DeliveryMode == "" {
		o.DeliveryMode = DeliveryRealtime
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 30 * time.Second
	}
}

// Subscription binds an agent to a target or pattern.
type Subscription struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Target       string    `json:"target"`
	Pattern      string    `json:"pattern,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Options      Options   `json:"options"`
	Active       bool      `json:"active"`
	MessageCount int64     `json:"message_count"`
}

var (
	// ErrSubscriptionNotFound is returned when a subscription ID is
	// unknown.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoHandler is returned when a realtime dispatch finds no
	// registered handler for the agent.
	ErrNoHandler = errors.New("no handler registered")
)

func newSubscription(agentID, target, pattern string, opts Options) (*Subscription, error) {
	if !message.ValidAgentID(agentID) {
		return nil, fmt.Errorf("invalid agent id %q", agentID)
	}
	if target == "" || !message.ValidTarget(target) {
		return nil, fmt.Errorf("invalid subscription target %q", target)
	}
	if !opts.DeliveryMode.valid() {
		return nil, fmt.Errorf("invalid delivery mode %q", opts.DeliveryMode)
	}
	now := time.Now().UTC()
	return &Subscription{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Target:       target,
		Pattern:      pattern,
		CreatedAt:    now,
		LastActivity: now,
		Options:      opts,
		Active:       true,
	}, nil
}

func (s *Subscription) toFields() (map[string]string, error) {
	opts, err := json.Marshal(s.Options)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"id":            s.ID,
		"agent_id":      s.AgentID,
		"target":        s.Target,
		"pattern":       s.Pattern,
		"created_at":    s.CreatedAt.Format(time.RFC3339Nano),
		"last_activity": s.LastActivity.Format(time.RFC3339Nano),
		"options":       string(opts),
		"active":        strconv.FormatBool(s.Active),
		"message_count": strconv.FormatInt(s.MessageCount, 10),
	}, nil
}

func subscriptionFromFields(fields map[string]string) (*Subscription, error) {
	s := &Subscription{
		ID:      fields["id"],
		AgentID: fields["agent_id"],
		Target:  fields["target"],
		Pattern: fields["pattern"],
	}
	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if s.LastActivity, err = time.Parse(time.RFC3339Nano, fields["last_activity"]); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	if err := json.Unmarshal([]byte(fields["options"]), &s.Options); err != nil {
		return nil, fmt.Errorf("parse options: %w", err)
	}
	if s.Active, err = strconv.ParseBool(fields["active"]); err != nil {
		return nil, fmt.Errorf("parse active: %w", err)
	}
	if raw := fields["message_count"]; raw != "" {
		if s.MessageCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse message_count: %w", err)
		}
	}
	return s, nil
}

// ConnectionState tracks an agent's liveness and pending outbox.
type ConnectionState struct {
	AgentID        string
	Connected      bool
	LastSeen       time.Time
	ReconnectCount int
	Outbox         []*message.Message
}

// Handler receives messages dispatched to an agent.
type Handler func(msg *message.Message, sub *Subscription) error
