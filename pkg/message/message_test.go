package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(t *testing.T, ct ContentType, payload any) *Message {
	t.Helper()
	m, err := New("agent-alpha", ct, payload, RoutingInfo{
		Mode:     ModeDirect,
		Target:   "inbox-bravo",
		Priority: PriorityNormal,
	}, DeliveryOptions{
		Persistence: true,
		RetryPolicy: DefaultRetryPolicy(),
	})
	require.NoError(t, err)
	return m
}

func TestMessage_New(t *testing.T) {
	m := newTestMessage(t, ContentText, "hello")

	assert.NotEmpty(t, m.ID)
	assert.NotEmpty(t, m.PayloadHash)
	assert.Equal(t, time.UTC, m.Timestamp.Location())
	require.NoError(t, m.Validate())
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Message)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(m *Message) {},
		},
		{
			name:    "bad sender",
			mutate:  func(m *Message) { m.SenderID = "has spaces!" },
			wantErr: "sender_id",
		},
		{
			name:    "empty target",
			mutate:  func(m *Message) { m.Routing.Target = "" },
			wantErr: "target",
		},
		{
			name:    "target with slash",
			mutate:  func(m *Message) { m.Routing.Target = "a/b" },
			wantErr: "target",
		},
		{
			name:    "negative ttl",
			mutate:  func(m *Message) { m.Routing.TTLSeconds = -1 },
			wantErr: "ttl_seconds",
		},
		{
			name:    "reserved metadata prefix",
			mutate:  func(m *Message) { m.SetMetadata("_system_foo", 1) },
			wantErr: "reserved prefix",
		},
		{
			name: "oversized metadata key",
			mutate: func(m *Message) {
				m.SetMetadata(strings.Repeat("k", MaxMetadataKeyLen+1), "v")
			},
			wantErr: "metadata",
		},
		{
			name:    "text payload over limit",
			mutate:  func(m *Message) { m.Payload = strings.Repeat("a", MaxTextPayload+1) },
			wantErr: "payload",
		},
		{
			name:    "wrong payload type",
			mutate:  func(m *Message) { m.Payload = 42 },
			wantErr: "payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMessage(t, ContentText, "hello")
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		ct      ContentType
		payload any
	}{
		{"text", ContentText, "hello world"},
		{"code", ContentCode, "func main() {}"},
		{"markdown", ContentMarkdown, "# title"},
		{"json", ContentJSON, map[string]any{"a": float64(1), "b": []any{"x", "y"}}},
		{"binary", ContentBinary, []byte{0x00, 0x01, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMessage(t, tt.ct, tt.payload)
			m.SetMetadata("trace", "abc")

			data, err := json.Marshal(m)
			require.NoError(t, err)

			var got Message
			require.NoError(t, json.Unmarshal(data, &got))

			assert.Equal(t, m.ID, got.ID)
			assert.Equal(t, m.SenderID, got.SenderID)
			assert.Equal(t, m.ContentType, got.ContentType)
			assert.Equal(t, m.Payload, got.Payload)
			assert.Equal(t, m.PayloadHash, got.PayloadHash)
			assert.Equal(t, m.Routing, got.Routing)
			assert.True(t, m.Timestamp.Equal(got.Timestamp))

			// Canonical form is stable across a round trip.
			again, err := json.Marshal(&got)
			require.NoError(t, err)
			assert.JSONEq(t, string(data), string(again))
		})
	}
}

func TestMessage_FieldsRoundTrip(t *testing.T) {
	m := newTestMessage(t, ContentJSON, map[string]any{"answer": float64(42)})
	m.SetMetadata("origin", "test")

	fields, err := m.ToFields()
	require.NoError(t, err)
	assert.Equal(t, WireVersion, fields["version"])
	assert.Equal(t, "JSON", fields["content_type"])

	got, err := FromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Payload, got.Payload)
	assert.Equal(t, m.Routing, got.Routing)
	assert.Equal(t, m.Delivery, got.Delivery)
}

func TestMessage_HashVerification(t *testing.T) {
	m := newTestMessage(t, ContentText, "original")

	fields, err := m.ToFields()
	require.NoError(t, err)
	fields["payload"] = "tampered"

	_, err = FromFields(fields)
	require.Error(t, err)
	var ierr *IntegrityError
	assert.ErrorAs(t, err, &ierr)
	assert.Equal(t, m.ID, ierr.MessageID)
}

func TestMessage_TTLZeroRejectedOnWire(t *testing.T) {
	m := newTestMessage(t, ContentText, "hi")
	data, err := json.Marshal(m)
	require.NoError(t, err)

	// Splice an explicit zero TTL into routing_info.
	patched := strings.Replace(string(data), `"addressing_mode"`, `"ttl_seconds":0,"addressing_mode"`, 1)

	var got Message
	err = json.Unmarshal([]byte(patched), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl_seconds")
}

func TestMessage_Expiry(t *testing.T) {
	m := newTestMessage(t, ContentText, "hi")
	assert.False(t, m.Expired(time.Now()))

	m.Routing.TTLSeconds = 1
	assert.False(t, m.Expired(m.Timestamp.Add(500*time.Millisecond)))
	assert.True(t, m.Expired(m.Timestamp.Add(2*time.Second)))
}

func TestFilter_Matches(t *testing.T) {
	m := newTestMessage(t, ContentText, "deploy finished ok")
	m.Routing.Priority = PriorityHigh
	m.SetMetadata("tags", []any{"ops", "deploy"})

	high := PriorityHigh
	urgent := PriorityUrgent

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"sender match", &Filter{SenderID: "agent-alpha"}, true},
		{"sender mismatch", &Filter{SenderID: "someone-else"}, false},
		{"content type match", &Filter{ContentTypes: []ContentType{ContentText, ContentJSON}}, true},
		{"content type mismatch", &Filter{ContentTypes: []ContentType{ContentBinary}}, false},
		{"min priority met", &Filter{MinPriority: &high}, true},
		{"min priority not met", &Filter{MinPriority: &urgent}, false},
		{"all tags present", &Filter{Tags: []string{"ops", "deploy"}}, true},
		{"missing tag", &Filter{Tags: []string{"ops", "oncall"}}, false},
		{"keyword hit", &Filter{Keywords: []string{"FINISHED"}}, true},
		{"keyword miss", &Filter{Keywords: []string{"rollback"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(m))
		})
	}
}

func TestParseFilter_UnknownFieldRejected(t *testing.T) {
	_, err := ParseFilter([]byte(`{"sender_id":"a","bogus":true}`))
	require.Error(t, err)

	f, err := ParseFilter([]byte(`{"sender_id":"a","tags":["x"]}`))
	require.NoError(t, err)
	assert.Equal(t, "a", f.SenderID)
}

func TestMessage_SizeBoundary(t *testing.T) {
	// A BINARY payload close to the limit passes; over the payload limit
	// fails validation.
	m := newTestMessage(t, ContentBinary, make([]byte, 1024))
	require.NoError(t, m.Validate())

	m2 := newTestMessage(t, ContentBinary, make([]byte, MaxPayloadSize+1))
	err := m2.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload")
}
