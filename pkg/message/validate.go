package message

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size limits, in bytes on the wire.
const (
	MaxMessageSize  = 16 << 20 // total serialized form
	MaxPayloadSize  = 15 << 20 // any payload
	MaxTextPayload  = 1 << 20  // TEXT/CODE/MARKDOWN
	MaxJSONPayload  = 10 << 20 // JSON, serialized
	MaxMetadataSize = 1 << 20  // metadata, serialized

	MaxMetadataKeyLen = 256
)

// SystemMetadataPrefix marks metadata keys reserved for the router.
const SystemMetadataPrefix = "_system_"

var (
	agentIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	targetRe  = regexp.MustCompile(`^[A-Za-z0-9._-]{1,256}$`)
)

// ValidAgentID reports whether s is a well-formed agent identifier.
func ValidAgentID(s string) bool {
	return agentIDRe.MatchString(s)
}

// ValidTarget reports whether s is a well-formed mailbox or topic name.
func ValidTarget(s string) bool {
	return targetRe.MatchString(s)
}

// ValidationError describes a structural rule violation. The router maps
// it to a REJECTED routing result.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the message against the structural invariants. It does
// not verify the payload hash; that happens on deserialization.
func (m *Message) Validate() error {
	if m.ID == "" {
		return invalid("id", "required")
	}
	if !ValidAgentID(m.SenderID) {
		return invalid("sender_id", "must be 1-64 chars of [A-Za-z0-9_-]")
	}
	if m.Timestamp.IsZero() {
		return invalid("timestamp", "required")
	}
	if !ValidTarget(m.Routing.Target) {
		return invalid("routing_info.target", "must be 1-256 chars of [A-Za-z0-9._-]")
	}
	if _, ok := addressingModeNames[m.Routing.Mode]; !ok {
		return invalid("routing_info.addressing_mode", "unknown mode %d", m.Routing.Mode)
	}
	if _, ok := priorityNames[m.Routing.Priority]; !ok {
		return invalid("routing_info.priority", "unknown priority %d", m.Routing.Priority)
	}
	if m.Routing.TTLSeconds < 0 {
		return invalid("routing_info.ttl_seconds", "must be positive when set")
	}
	// TTL of zero means "no TTL" only when the field is absent on the
	// wire; an explicit zero is rejected at decode time.

	if err := m.validatePayload(); err != nil {
		return err
	}
	if err := validateMetadata(m.Metadata); err != nil {
		return err
	}

	wire, err := json.Marshal(m)
	if err != nil {
		return invalid("message", "not serializable: %v", err)
	}
	if len(wire) > MaxMessageSize {
		return invalid("size", "serialized message is %d bytes, limit %d", len(wire), MaxMessageSize)
	}
	return nil
}

func (m *Message) validatePayload() error {
	switch m.ContentType {
	case ContentText, ContentCode, ContentMarkdown:
		s, ok := m.Payload.(string)
		if !ok {
			return invalid("payload", "%s payload must be a string", m.ContentType)
		}
		if !utf8.ValidString(s) {
			return invalid("payload", "%s payload must be valid UTF-8", m.ContentType)
		}
		if len(s) > MaxTextPayload {
			return invalid("payload", "%s payload is %d bytes, limit %d", m.ContentType, len(s), MaxTextPayload)
		}
	case ContentJSON:
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return invalid("payload", "JSON payload not serializable: %v", err)
		}
		if len(raw) > MaxJSONPayload {
			return invalid("payload", "JSON payload is %d bytes, limit %d", len(raw), MaxJSONPayload)
		}
	case ContentBinary:
		b, ok := m.Payload.([]byte)
		if !ok {
			return invalid("payload", "BINARY payload must be bytes")
		}
		if len(b) > MaxPayloadSize {
			return invalid("payload", "BINARY payload is %d bytes, limit %d", len(b), MaxPayloadSize)
		}
	default:
		return invalid("content_type", "unknown content type %d", m.ContentType)
	}
	return nil
}

func validateMetadata(md map[string]any) error {
	if len(md) == 0 {
		return nil
	}
	for k := range md {
		if len(k) > MaxMetadataKeyLen {
			return invalid("metadata", "key %q exceeds %d chars", k[:32]+"...", MaxMetadataKeyLen)
		}
		if strings.HasPrefix(k, SystemMetadataPrefix) {
			return invalid("metadata", "key %q uses reserved prefix %q", k, SystemMetadataPrefix)
		}
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return invalid("metadata", "not serializable: %v", err)
	}
	if len(raw) > MaxMetadataSize {
		return invalid("metadata", "serialized metadata is %d bytes, limit %d", len(raw), MaxMetadataSize)
	}
	return nil
}
