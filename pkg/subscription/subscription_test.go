package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louspringer/inter-llm-mailbox/pkg/drivers/memstore"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	m, err := NewManager(store, Config{
		HeartbeatInterval: 50 * time.Millisecond,
		BatchFlushTick:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func newDeliveredMessage(t *testing.T, target string, mode message.AddressingMode) *message.Message {
	t.Helper()
	m, err := message.New("agent-alpha", message.ContentText, "ping",
		message.RoutingInfo{Mode: mode, Target: target, Priority: message.PriorityNormal},
		message.DeliveryOptions{})
	require.NoError(t, err)
	return m
}

// collector is a thread-safe handler recording delivered message IDs.
type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handler(msg *message.Message, sub *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, msg.ID)
	return nil
}

func (c *collector) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestCreateDeduplicates(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)
	second, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "inbox-*", DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	active := m.ActiveForAgent("agent-bravo")
	assert.Len(t, active, 2)
}

// Identical creates racing each other converge on one subscription;
// the losers discard their channel registration and persisted record.
func TestCreateConcurrentDedup(t *testing.T) {
	m := newTestManager(t)

	const n = 8
	results := make([]*Subscription, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	assert.Len(t, m.ActiveForAgent("agent-bravo"), 1)
}

func TestCreateRejectsBadInput(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), "", "inbox-bravo", "", DefaultOptions())
	require.Error(t, err)

	_, err = m.Create(context.Background(), "agent-bravo", "", "", DefaultOptions())
	require.Error(t, err)

	_, err = m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", Options{DeliveryMode: "CARRIER_PIGEON"})
	require.Error(t, err)
}

func TestRemoveSubscription(t *testing.T) {
	m := newTestManager(t)

	sub, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)

	ok, err := m.Remove(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Remove(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(sub.ID)
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestRealtimeDelivery(t *testing.T) {
	m := newTestManager(t)

	var c collector
	m.RegisterHandler("agent-bravo", c.handler)
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)

	msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
	n, err := m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{msg.ID}, c.seen())

	// Unrelated target matches nothing.
	n, err = m.Deliver(context.Background(), msg, "inbox-charlie", message.ModeDirect)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRealtimeQueuesWithoutHandler(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)

	msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
	n, err := m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.QueuedCount("agent-bravo"))

	// Registering a handler flushes the outbox.
	var c collector
	m.RegisterHandler("agent-bravo", c.handler)
	assert.Equal(t, 0, m.QueuedCount("agent-bravo"))
	assert.Equal(t, []string{msg.ID}, c.seen())
}

func TestBatchDeliveryBySize(t *testing.T) {
	m := newTestManager(t)

	var c collector
	m.RegisterHandler("agent-bravo", c.handler)
	opts := DefaultOptions()
	opts.DeliveryMode = DeliveryBatch
	opts.BatchSize = 3
	opts.BatchTimeout = time.Hour
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", opts)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
		_, err := m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
		require.NoError(t, err)
	}
	assert.Empty(t, c.seen())

	msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
	_, err = m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
	require.NoError(t, err)
	assert.Len(t, c.seen(), 3)
}

func TestBatchDeliveryByTimeout(t *testing.T) {
	m := newTestManager(t)

	var c collector
	m.RegisterHandler("agent-bravo", c.handler)
	opts := DefaultOptions()
	opts.DeliveryMode = DeliveryBatch
	opts.BatchSize = 100
	opts.BatchTimeout = 30 * time.Millisecond
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", opts)
	require.NoError(t, err)

	msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
	_, err = m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
	require.NoError(t, err)
	assert.Empty(t, c.seen())

	require.Eventually(t, func() bool {
		return len(c.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollingPull(t *testing.T) {
	m := newTestManager(t)

	opts := DefaultOptions()
	opts.DeliveryMode = DeliveryPolling
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", opts)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
		_, err := m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	got := m.Pull("agent-bravo", 2)
	require.Len(t, got, 2)
	assert.Equal(t, ids[0], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	rest := m.Pull("agent-bravo", 0)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].ID)
	assert.Empty(t, m.Pull("agent-bravo", 10))
}

func TestOutboxDropsOldestOnOverflow(t *testing.T) {
	m := newTestManager(t)

	opts := DefaultOptions()
	opts.DeliveryMode = DeliveryPolling
	opts.MaxQueueSize = 2
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", opts)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
		_, err := m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	got := m.Pull("agent-bravo", 10)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		pattern string
		msgTo   string
		mode    message.AddressingMode
		want    bool
	}{
		{"exact match", "inbox-bravo", "", "inbox-bravo", message.ModeDirect, true},
		{"exact miss", "inbox-bravo", "", "inbox-charlie", message.ModeDirect, false},
		{"flat glob", "inbox-bravo", "inbox-*", "inbox-charlie", message.ModeDirect, true},
		{"flat glob miss", "inbox-bravo", "inbox-*", "outbox-charlie", message.ModeDirect, false},
		{"hierarchical literal", "alerts", "alerts.critical", "alerts.critical", message.ModeTopic, true},
		{"hierarchical deep wildcard", "alerts", "alerts.**", "alerts.critical.disk", message.ModeTopic, true},
		{"deep wildcard matches root", "alerts", "alerts.**", "alerts", message.ModeTopic, true},
		{"terminal star one segment", "alerts", "alerts.*", "alerts.critical", message.ModeTopic, true},
		{"terminal star not two segments", "alerts", "alerts.*", "alerts.critical.disk", message.ModeTopic, false},
		{"terminal star not zero segments", "alerts", "alerts.*", "alerts", message.ModeTopic, false},
		{"broadcast star", "anything", "*", "broadcast:all", message.ModeBroadcast, true},
		{"broadcast prefix", "anything", "broadcast:*", "broadcast:all", message.ModeBroadcast, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &Subscription{Target: tt.target, Pattern: tt.pattern, Active: true}
			assert.Equal(t, tt.want, sub.matchesTarget(tt.msgTo, tt.mode))
		})
	}
}

func TestSubscriptionFilter(t *testing.T) {
	m := newTestManager(t)

	var c collector
	m.RegisterHandler("agent-bravo", c.handler)
	opts := DefaultOptions()
	opts.MessageFilter = &message.Filter{SenderID: "agent-zulu"}
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", opts)
	require.NoError(t, err)

	msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
	n, err := m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, c.seen())
}

func TestConnectionLossAndRestore(t *testing.T) {
	m := newTestManager(t)

	var c collector
	m.RegisterHandler("agent-bravo", c.handler)
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)

	m.HandleConnectionLoss("agent-bravo")
	assert.False(t, m.Connected("agent-bravo"))
	assert.Len(t, m.ActiveForAgent("agent-bravo"), 1)

	// Deliveries while disconnected queue to the outbox.
	msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
	n, err := m.Deliver(context.Background(), msg, "inbox-bravo", message.ModeDirect)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, c.seen())
	assert.Equal(t, 1, m.QueuedCount("agent-bravo"))

	m.HandleConnectionRestored("agent-bravo")
	require.Len(t, c.seen(), 1)
	assert.Equal(t, msg.ID, c.seen()[0])
	assert.Zero(t, m.QueuedCount("agent-bravo"))

	state, ok := m.Connection("agent-bravo")
	require.True(t, ok)
	assert.True(t, state.Connected)
	assert.Equal(t, 1, state.ReconnectCount)
}

func TestHeartbeatMarksStaleConnections(t *testing.T) {
	m := newTestManager(t)

	m.RegisterHandler("agent-bravo", (&collector{}).handler)
	_, err := m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := m.Connection("agent-bravo")
		return ok && !state.Connected
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInboundPubSubDispatch(t *testing.T) {
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	m, err := NewManager(store, Config{BatchFlushTick: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop(context.Background()) })

	var c collector
	m.RegisterHandler("agent-bravo", c.handler)
	_, err = m.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)

	msg := newDeliveredMessage(t, "inbox-bravo", message.ModeDirect)
	payload, err := msg.MarshalJSON()
	require.NoError(t, err)

	n, err := store.Publish(context.Background(), "mailbox:inbox-bravo", payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.Eventually(t, func() bool {
		seen := c.seen()
		return len(seen) == 1 && seen[0] == msg.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistedSubscriptionsRestoredOnStart(t *testing.T) {
	store := memstore.New()
	t.Cleanup(func() { store.Close() })

	first, err := NewManager(store, Config{})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	sub, err := first.Create(context.Background(), "agent-bravo", "inbox-bravo", "", DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, first.Stop(context.Background()))

	second, err := NewManager(store, Config{})
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() { second.Stop(context.Background()) })

	restored, err := second.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "inbox-bravo", restored.Target)
}
