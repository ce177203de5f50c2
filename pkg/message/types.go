// Package message defines the message data model of the mailbox fabric:
// content types, addressing, delivery options, wire encoding and
// validation rules.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WireVersion is written into every serialized message for forward
// compatibility.
const WireVersion = "1.0"

// ContentType identifies how a message payload is encoded.
type ContentType int

const (
	ContentText ContentType = iota
	ContentJSON
	ContentBinary
	ContentCode
	ContentMarkdown
)

var contentTypeNames = map[ContentType]string{
	ContentText:     "TEXT",
	ContentJSON:     "JSON",
	ContentBinary:   "BINARY",
	ContentCode:     "CODE",
	ContentMarkdown: "MARKDOWN",
}

func (c ContentType) String() string {
	if s, ok := contentTypeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// IsTextual reports whether the payload is a plain UTF-8 string.
func (c ContentType) IsTextual() bool {
	return c == ContentText || c == ContentCode || c == ContentMarkdown
}

// ParseContentType maps a wire name back to a ContentType.
func ParseContentType(s string) (ContentType, error) {
	for ct, name := range contentTypeNames {
		if name == s {
			return ct, nil
		}
	}
	return 0, fmt.Errorf("unknown content type %q", s)
}

func (c ContentType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ContentType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	ct, err := ParseContentType(s)
	if err != nil {
		return err
	}
	*c = ct
	return nil
}

// AddressingMode selects how a message is routed.
type AddressingMode int

const (
	ModeDirect AddressingMode = iota
	ModeBroadcast
	ModeTopic
)

var addressingModeNames = map[AddressingMode]string{
	ModeDirect:    "DIRECT",
	ModeBroadcast: "BROADCAST",
	ModeTopic:     "TOPIC",
}

func (m AddressingMode) String() string {
	if s, ok := addressingModeNames[m]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseAddressingMode maps a wire name back to an AddressingMode.
func ParseAddressingMode(s string) (AddressingMode, error) {
	for m, name := range addressingModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown addressing mode %q", s)
}

func (m AddressingMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *AddressingMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mode, err := ParseAddressingMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Priority orders messages for delivery and filtering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParsePriority maps a wire name back to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	pr, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = pr
	return nil
}

// RoutingInfo carries the addressing of a message.
type RoutingInfo struct {
	Mode       AddressingMode `json:"addressing_mode"`
	Target     string         `json:"target"`
	Priority   Priority       `json:"priority"`
	TTLSeconds int64          `json:"ttl_seconds,omitempty"`
}

// RetryPolicy controls redelivery after failed delivery attempts.
type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts"`
	BaseDelaySec float64 `json:"base_delay_s"`
	Exponent     float64 `json:"exponent"`
	MaxDelaySec  float64 `json:"max_delay_s"`
	Jitter       bool    `json:"jitter"`
}

// DefaultRetryPolicy is the router default: three attempts with
// exponential backoff between one second and one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelaySec: 1,
		Exponent:     2,
		MaxDelaySec:  60,
		Jitter:       true,
	}
}

// DeliveryOptions carries persistence and confirmation settings.
type DeliveryOptions struct {
	Persistence          bool        `json:"persistence"`
	ConfirmationRequired bool        `json:"confirmation_required"`
	RetryPolicy          RetryPolicy `json:"retry_policy"`
	Encryption           string      `json:"encryption,omitempty"`
}

// Message is a single inter-agent message. Payload holds a string for
// textual content types, an arbitrary JSON value for JSON, and []byte
// for BINARY.
type Message struct {
	ID          string
	SenderID    string
	Timestamp   time.Time
	ContentType ContentType
	Payload     any
	Metadata    map[string]any
	Routing     RoutingInfo
	Delivery    DeliveryOptions
	PayloadHash string
}

// New builds a message with a fresh UUID, a UTC timestamp and the payload
// hash computed. The caller still owns validation.
func New(senderID string, ct ContentType, payload any, routing RoutingInfo, delivery DeliveryOptions) (*Message, error) {
	m := &Message{
		ID:          uuid.New().String(),
		SenderID:    senderID,
		Timestamp:   time.Now().UTC(),
		ContentType: ct,
		Payload:     payload,
		Routing:     routing,
		Delivery:    delivery,
	}
	hash, err := m.ComputePayloadHash()
	if err != nil {
		return nil, err
	}
	m.PayloadHash = hash
	return m, nil
}

// Clone returns a deep-enough copy for enrichment: metadata is copied,
// payload is shared. Routed clones never mutate the payload.
func (m *Message) Clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SetMetadata sets a metadata key, allocating the map on first use.
func (m *Message) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// ExpiresAt returns the expiry time and true if the message carries a TTL.
func (m *Message) ExpiresAt() (time.Time, bool) {
	if m.Routing.TTLSeconds <= 0 {
		return time.Time{}, false
	}
	return m.Timestamp.Add(time.Duration(m.Routing.TTLSeconds) * time.Second), true
}

// Expired reports whether the message TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	exp, ok := m.ExpiresAt()
	return ok && now.After(exp)
}
