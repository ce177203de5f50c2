package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RoutingResult is the outcome of routing one message.
type RoutingResult int

const (
	ResultSuccess RoutingResult = iota
	ResultQueued
	ResultFailed
	ResultRejected
)

func (r RoutingResult) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultQueued:
		return "QUEUED"
	case ResultFailed:
		return "FAILED"
	case ResultRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// DeliveryStatus is the lifecycle state of a delivery confirmation.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryExpired   DeliveryStatus = "EXPIRED"
)

// terminal reports whether a status ends the confirmation lifecycle.
func (s DeliveryStatus) terminal() bool {
	return s == DeliveryDelivered || s == DeliveryExpired
}

// DeliveryAttempt records one delivery try.
type DeliveryAttempt struct {
	N         int            `json:"n"`
	Timestamp time.Time      `json:"timestamp"`
	Target    string         `json:"target"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
}

// DeliveryConfirmation tracks a confirmation-required message until it
// reaches a terminal state.
type DeliveryConfirmation struct {
	MessageID   string            `json:"message_id"`
	Target      string            `json:"target"`
	Status      DeliveryStatus    `json:"status"`
	Attempts    []DeliveryAttempt `json:"attempts"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
}

func newConfirmation(messageID, target string) *DeliveryConfirmation {
	now := time.Now().UTC()
	return &DeliveryConfirmation{
		MessageID: messageID,
		Target:    target,
		Status:    DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *DeliveryConfirmation) recordAttempt(status DeliveryStatus, target, errMsg string, latency time.Duration) {
	now := time.Now().UTC()
	c.Attempts = append(c.Attempts, DeliveryAttempt{
		N:         len(c.Attempts) + 1,
		Timestamp: now,
		Target:    target,
		Status:    status,
		Error:     errMsg,
		LatencyMS: latency.Milliseconds(),
	})
	c.Status = status
	c.UpdatedAt = now
}

// clone returns a deep copy safe to hand out or persist after the
// delivery lock is released.
func (c *DeliveryConfirmation) clone() *DeliveryConfirmation {
	out := *c
	if c.Attempts != nil {
		out.Attempts = append([]DeliveryAttempt(nil), c.Attempts...)
	}
	if c.NextRetryAt != nil {
		ts := *c.NextRetryAt
		out.NextRetryAt = &ts
	}
	return &out
}

func (c *DeliveryConfirmation) toFields() (map[string]string, error) {
	attempts, err := json.Marshal(c.Attempts)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"message_id": c.MessageID,
		"target":     c.Target,
		"status":     string(c.Status),
		"attempts":   string(attempts),
		"created_at": c.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": c.UpdatedAt.Format(time.RFC3339Nano),
	}
	if c.NextRetryAt != nil {
		fields["next_retry_at"] = c.NextRetryAt.Format(time.RFC3339Nano)
	}
	return fields, nil
}

func confirmationFromFields(fields map[string]string) (*DeliveryConfirmation, error) {
	c := &DeliveryConfirmation{
		MessageID: fields["message_id"],
		Target:    fields["target"],
		Status:    DeliveryStatus(fields["status"]),
	}
	if raw := fields["attempts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Attempts); err != nil {
			return nil, fmt.Errorf("parse attempts: %w", err)
		}
	}
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if raw := fields["next_retry_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse next_retry_at: %w", err)
		}
		c.NextRetryAt = &ts
	}
	return c, nil
}

// attemptCount is a helper for log fields.
func (c *DeliveryConfirmation) attemptCount() string {
	return strconv.Itoa(len(c.Attempts))
}
