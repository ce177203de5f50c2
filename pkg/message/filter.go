package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Filter selects messages by sender, content type, priority, time window,
// tags or payload keywords. One schema serves both storage-level retrieval
// and subscription-level delivery; unknown fields are rejected on decode.
type Filter struct {
	SenderID     string        `json:"sender_id,omitempty" yaml:"sender_id,omitempty"`
	ContentTypes []ContentType `json:"content_types,omitempty" yaml:"content_types,omitempty"`
	MinPriority  *Priority     `json:"min_priority,omitempty" yaml:"min_priority,omitempty"`
	StartTime    *time.Time    `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime      *time.Time    `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Tags         []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
	Keywords     []string      `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// ParseFilter decodes a filter from JSON, rejecting unknown fields.
func ParseFilter(data []byte) (*Filter, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f Filter
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Matches reports whether the message satisfies every set predicate.
// A nil filter matches everything.
func (f *Filter) Matches(m *Message) bool {
	if f == nil {
		return true
	}
	if f.SenderID != "" && m.SenderID != f.SenderID {
		return false
	}
	if len(f.ContentTypes) > 0 && !containsContentType(f.ContentTypes, m.ContentType) {
		return false
	}
	if f.MinPriority != nil && m.Routing.Priority < *f.MinPriority {
		return false
	}
	if f.StartTime != nil && m.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && m.Timestamp.After(*f.EndTime) {
		return false
	}
	if len(f.Tags) > 0 && !hasAllTags(m, f.Tags) {
		return false
	}
	if len(f.Keywords) > 0 && !matchesKeyword(m, f.Keywords) {
		return false
	}
	return true
}

func containsContentType(cts []ContentType, ct ContentType) bool {
	for _, c := range cts {
		if c == ct {
			return true
		}
	}
	return false
}

// hasAllTags checks the message's metadata "tags" entry; every filter tag
// must be present.
func hasAllTags(m *Message, want []string) bool {
	raw, ok := m.Metadata["tags"]
	if !ok {
		return false
	}
	have := make(map[string]bool)
	switch tags := raw.(type) {
	case []string:
		for _, t := range tags {
			have[t] = true
		}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				have[s] = true
			}
		}
	default:
		return false
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

// matchesKeyword does a case-insensitive substring search over the
// serialized payload; any keyword hit matches.
func matchesKeyword(m *Message, keywords []string) bool {
	raw, err := CanonicalPayloadBytes(m.ContentType, m.Payload)
	if err != nil {
		return false
	}
	haystack := strings.ToLower(string(raw))
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
