package message

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// IntegrityError reports a payload hash mismatch discovered on read. The
// affected message is treated as corrupt and never delivered.
type IntegrityError struct {
	MessageID string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("message %s: payload hash mismatch (stored %s, computed %s)", e.MessageID, e.Expected, e.Actual)
}

// CanonicalPayloadBytes returns the bytes that are hashed and transported
// for a payload: UTF-8 text verbatim, canonical JSON (sorted object keys,
// as produced by encoding/json), raw bytes for BINARY.
func CanonicalPayloadBytes(ct ContentType, payload any) ([]byte, error) {
	switch ct {
	case ContentText, ContentCode, ContentMarkdown:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("%s payload must be a string, got %T", ct, payload)
		}
		return []byte(s), nil
	case ContentJSON:
		return json.Marshal(payload)
	case ContentBinary:
		b, ok := payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("BINARY payload must be bytes, got %T", payload)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown content type %d", ct)
	}
}

// ComputePayloadHash returns the hex SHA-256 of the canonical payload.
func (m *Message) ComputePayloadHash() (string, error) {
	raw, err := CanonicalPayloadBytes(m.ContentType, m.Payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyPayloadHash recomputes the payload hash and returns an
// IntegrityError on mismatch.
func (m *Message) VerifyPayloadHash() error {
	actual, err := m.ComputePayloadHash()
	if err != nil {
		return err
	}
	if actual != m.PayloadHash {
		return &IntegrityError{MessageID: m.ID, Expected: m.PayloadHash, Actual: actual}
	}
	return nil
}

// wireMessage is the JSON shape published on pub/sub channels and stored
// as mailbox message bodies.
type wireMessage struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	Timestamp   time.Time       `json:"timestamp"`
	ContentType ContentType     `json:"content_type"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Routing     RoutingInfo     `json:"routing_info"`
	Delivery    DeliveryOptions `json:"delivery_options"`
	PayloadHash string          `json:"payload_hash"`
	Version     string          `json:"version"`
}

// MarshalJSON encodes the message in the wire format: payload verbatim for
// textual types, canonical JSON for JSON, base64 for BINARY.
func (m *Message) MarshalJSON() ([]byte, error) {
	payload, err := m.encodeWirePayload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		Timestamp:   m.Timestamp.UTC(),
		ContentType: m.ContentType,
		Payload:     payload,
		Metadata:    m.Metadata,
		Routing:     m.Routing,
		Delivery:    m.Delivery,
		PayloadHash: m.PayloadHash,
		Version:     WireVersion,
	})
}

func (m *Message) encodeWirePayload() (json.RawMessage, error) {
	switch m.ContentType {
	case ContentBinary:
		b, ok := m.Payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("BINARY payload must be bytes, got %T", m.Payload)
		}
		return json.Marshal(base64.StdEncoding.EncodeToString(b))
	default:
		return json.Marshal(m.Payload)
	}
}

// UnmarshalJSON decodes the wire format and verifies the payload hash.
// An explicit non-positive ttl_seconds is rejected.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if err := rejectNonPositiveTTL(data); err != nil {
		return err
	}

	m.ID = w.ID
	m.SenderID = w.SenderID
	m.Timestamp = w.Timestamp.UTC()
	m.ContentType = w.ContentType
	m.Metadata = w.Metadata
	m.Routing = w.Routing
	m.Delivery = w.Delivery
	m.PayloadHash = w.PayloadHash

	payload, err := decodeWirePayload(w.ContentType, w.Payload)
	if err != nil {
		return err
	}
	m.Payload = payload

	if m.PayloadHash != "" {
		if err := m.VerifyPayloadHash(); err != nil {
			return err
		}
	}
	return nil
}

func decodeWirePayload(ct ContentType, raw json.RawMessage) (any, error) {
	switch ct {
	case ContentText, ContentCode, ContentMarkdown:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ct, err)
		}
		return s, nil
	case ContentBinary:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode BINARY payload: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode BINARY payload: %w", err)
		}
		return b, nil
	case ContentJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode JSON payload: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown content type %d", ct)
	}
}

func rejectNonPositiveTTL(data []byte) error {
	var probe struct {
		Routing map[string]json.RawMessage `json:"routing_info"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	raw, ok := probe.Routing["ttl_seconds"]
	if !ok {
		return nil
	}
	var ttl int64
	if err := json.Unmarshal(raw, &ttl); err != nil {
		return fmt.Errorf("decode ttl_seconds: %w", err)
	}
	if ttl <= 0 {
		return invalid("routing_info.ttl_seconds", "must be positive when set")
	}
	return nil
}

// Hash field names for the durable message:{id} copy.
const (
	fieldID          = "id"
	fieldSenderID    = "sender_id"
	fieldTimestamp   = "timestamp"
	fieldContentType = "content_type"
	fieldPayload     = "payload"
	fieldMetadata    = "metadata"
	fieldRouting     = "routing_info"
	fieldDelivery    = "delivery_options"
	fieldPayloadHash = "payload_hash"
	fieldVersion     = "version"
)

// ToFields flattens the message into hash field values: JSON-encoded
// subobjects as strings, payload encoded per content type, timestamp in
// RFC 3339.
func (m *Message) ToFields() (map[string]string, error) {
	routing, err := json.Marshal(m.Routing)
	if err != nil {
		return nil, fmt.Errorf("encode routing_info: %w", err)
	}
	delivery, err := json.Marshal(m.Delivery)
	if err != nil {
		return nil, fmt.Errorf("encode delivery_options: %w", err)
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	var payload string
	switch m.ContentType {
	case ContentBinary:
		b, ok := m.Payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("BINARY payload must be bytes, got %T", m.Payload)
		}
		payload = base64.StdEncoding.EncodeToString(b)
	case ContentJSON:
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode JSON payload: %w", err)
		}
		payload = string(raw)
	default:
		s, ok := m.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("%s payload must be a string, got %T", m.ContentType, m.Payload)
		}
		payload = s
	}

	return map[string]string{
		fieldID:          m.ID,
		fieldSenderID:    m.SenderID,
		fieldTimestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldContentType: m.ContentType.String(),
		fieldPayload:     payload,
		fieldMetadata:    string(metadata),
		fieldRouting:     string(routing),
		fieldDelivery:    string(delivery),
		fieldPayloadHash: m.PayloadHash,
		fieldVersion:     WireVersion,
	}, nil
}

// FromFields rebuilds a message from hash field values and verifies the
// payload hash.
func FromFields(fields map[string]string) (*Message, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty message record")
	}
	m := &Message{
		ID:          fields[fieldID],
		SenderID:    fields[fieldSenderID],
		PayloadHash: fields[fieldPayloadHash],
	}

	ts, err := time.Parse(time.RFC3339Nano, fields[fieldTimestamp])
	if err != nil {
		return nil, fmt.Errorf("decode timestamp: %w", err)
	}
	m.Timestamp = ts.UTC()

	ct, err := ParseContentType(fields[fieldContentType])
	if err != nil {
		return nil, err
	}
	m.ContentType = ct

	if raw := fields[fieldRouting]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Routing); err != nil {
			return nil, fmt.Errorf("decode routing_info: %w", err)
		}
	}
	if raw := fields[fieldDelivery]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Delivery); err != nil {
			return nil, fmt.Errorf("decode delivery_options: %w", err)
		}
	}
	if raw := fields[fieldMetadata]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	switch ct {
	case ContentBinary:
		b, err := base64.StdEncoding.DecodeString(fields[fieldPayload])
		if err != nil {
			return nil, fmt.Errorf("decode BINARY payload: %w", err)
		}
		m.Payload = b
	case ContentJSON:
		var v any
		if err := json.Unmarshal([]byte(fields[fieldPayload]), &v); err != nil {
			return nil, fmt.Errorf("decode JSON payload: %w", err)
		}
		m.Payload = v
	default:
		m.Payload = fields[fieldPayload]
	}

	if m.PayloadHash != "" {
		if err := m.VerifyPayloadHash(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
