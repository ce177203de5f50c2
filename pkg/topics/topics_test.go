package topics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louspringer/inter-llm-mailbox/pkg/drivers/memstore"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
	"github.com/louspringer/inter-llm-mailbox/pkg/subscription"
)

func newTestTopics(t *testing.T) (*Manager, *subscription.Manager) {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })

	subs, err := subscription.NewManager(store, subscription.Config{})
	require.NoError(t, err)
	require.NoError(t, subs.Start(context.Background()))
	t.Cleanup(func() { subs.Stop(context.Background()) })

	topics, err := NewManager(store, subs, Config{})
	require.NoError(t, err)
	require.NoError(t, topics.Start(context.Background()))
	t.Cleanup(func() { topics.Stop(context.Background()) })
	return topics, subs
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("alerts"))
	assert.True(t, ValidName("alerts.critical.disk"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("alerts..disk"))
	assert.False(t, ValidName("alerts/critical"))
	assert.False(t, ValidName(strings.Repeat("a.", 10)+"a")) // 11 levels
	assert.True(t, ValidName(strings.Repeat("a.", 9)+"a"))   // 10 levels
}

func TestCreateMaterializesParents(t *testing.T) {
	topics, _ := newTestTopics(t)

	created, err := topics.Create(context.Background(), TopicConfig{Name: "alerts.critical.disk"})
	require.NoError(t, err)
	assert.Equal(t, "alerts.critical", created.ParentTopic)

	parent, err := topics.Get("alerts.critical")
	require.NoError(t, err)
	assert.Equal(t, "alerts", parent.ParentTopic)

	root, err := topics.Get("alerts")
	require.NoError(t, err)
	assert.Empty(t, root.ParentTopic)

	children := topics.Children("alerts")
	require.Len(t, children, 1)
	assert.Equal(t, "alerts.critical", children[0].Name)
}

func TestCreateDuplicate(t *testing.T) {
	topics, _ := newTestTopics(t)

	_, err := topics.Create(context.Background(), TopicConfig{Name: "alerts"})
	require.NoError(t, err)
	_, err = topics.Create(context.Background(), TopicConfig{Name: "alerts"})
	require.ErrorIs(t, err, ErrTopicExists)
}

func TestSubscribeAutoCreatesAndSetsPattern(t *testing.T) {
	topics, _ := newTestTopics(t)

	sub, err := topics.Subscribe(context.Background(), "agent-bravo", "alerts.critical",
		subscription.DefaultOptions(), true)
	require.NoError(t, err)
	assert.Equal(t, "alerts.critical", sub.Target)
	assert.Equal(t, "alerts.critical.*", sub.Pattern)

	topic, err := topics.Get("alerts.critical")
	require.NoError(t, err)
	assert.Equal(t, 1, topic.Statistics.SubscriberCount)

	// Flat topics ignore include_children.
	flat, err := topics.Subscribe(context.Background(), "agent-bravo", "news",
		subscription.DefaultOptions(), true)
	require.NoError(t, err)
	assert.Empty(t, flat.Pattern)
}

func TestSubscribeEnforcesLimit(t *testing.T) {
	topics, _ := newTestTopics(t)

	_, err := topics.Create(context.Background(), TopicConfig{Name: "alerts", MaxSubscribers: 1})
	require.NoError(t, err)

	_, err = topics.Subscribe(context.Background(), "agent-bravo", "alerts",
		subscription.DefaultOptions(), false)
	require.NoError(t, err)

	_, err = topics.Subscribe(context.Background(), "agent-charlie", "alerts",
		subscription.DefaultOptions(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber limit")
}

func TestPublishReachesSubscribersAndCounts(t *testing.T) {
	topics, subs := newTestTopics(t)

	var mu sync.Mutex
	var got []string
	subs.RegisterHandler("agent-bravo", func(msg *message.Message, sub *subscription.Subscription) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.ID)
		return nil
	})
	_, err := topics.Subscribe(context.Background(), "agent-bravo", "alerts",
		subscription.DefaultOptions(), false)
	require.NoError(t, err)

	msg, err := message.New("agent-alpha", message.ContentText, "disk is full",
		message.RoutingInfo{Mode: message.ModeTopic, Target: "alerts", Priority: message.PriorityHigh},
		message.DeliveryOptions{})
	require.NoError(t, err)

	reached, err := topics.Publish(context.Background(), "alerts", msg)
	require.NoError(t, err)
	assert.Equal(t, 1, reached)
	mu.Lock()
	assert.Equal(t, []string{msg.ID}, got)
	mu.Unlock()

	topic, err := topics.Get("alerts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), topic.Statistics.MessageCount)
	require.NotNil(t, topic.Statistics.LastMessageAt)
}

func TestPublishHierarchicalFanOut(t *testing.T) {
	topics, subs := newTestTopics(t)

	var mu sync.Mutex
	reached := map[string]int{}
	for _, agent := range []string{"agent-parent", "agent-child"} {
		agent := agent
		subs.RegisterHandler(agent, func(msg *message.Message, sub *subscription.Subscription) error {
			mu.Lock()
			defer mu.Unlock()
			reached[agent]++
			return nil
		})
	}

	// agent-parent watches one level below alerts.critical, agent-child
	// watches the exact leaf.
	_, err := topics.Subscribe(context.Background(), "agent-parent", "alerts.critical",
		subscription.DefaultOptions(), true)
	require.NoError(t, err)
	_, err = topics.Subscribe(context.Background(), "agent-child", "alerts.critical.disk",
		subscription.DefaultOptions(), false)
	require.NoError(t, err)

	msg, err := message.New("agent-alpha", message.ContentText, "disk alert",
		message.RoutingInfo{Mode: message.ModeTopic, Target: "alerts.critical.disk", Priority: message.PriorityUrgent},
		message.DeliveryOptions{})
	require.NoError(t, err)

	n, err := topics.Publish(context.Background(), "alerts.critical.disk", msg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	mu.Lock()
	assert.Equal(t, 1, reached["agent-parent"])
	assert.Equal(t, 1, reached["agent-child"])
	mu.Unlock()
}

func TestCleanupInactive(t *testing.T) {
	topics, _ := newTestTopics(t)

	_, err := topics.Create(context.Background(), TopicConfig{Name: "ephemeral", AutoCleanup: true, CleanupAfterHours: 1})
	require.NoError(t, err)
	_, err = topics.Create(context.Background(), TopicConfig{Name: "persistent"})
	require.NoError(t, err)
	_, err = topics.Create(context.Background(), TopicConfig{Name: "watched", AutoCleanup: true, CleanupAfterHours: 1})
	require.NoError(t, err)
	_, err = topics.Subscribe(context.Background(), "agent-bravo", "watched",
		subscription.DefaultOptions(), false)
	require.NoError(t, err)

	// Age the candidates past their window.
	for _, name := range []string{"ephemeral", "persistent", "watched"} {
		topic, err := topics.Get(name)
		require.NoError(t, err)
		topic.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	}

	removed := topics.CleanupInactive(context.Background())
	assert.Equal(t, 1, removed)

	_, err = topics.Get("ephemeral")
	require.ErrorIs(t, err, ErrTopicNotFound)
	_, err = topics.Get("persistent")
	require.NoError(t, err)
	_, err = topics.Get("watched")
	require.NoError(t, err)
}

// A subscribe racing the cleanup pass must never end up holding a live
// subscription to a topic that no longer exists: either the subscriber
// check stops the delete, or the registration revives the topic.
func TestCleanupInactiveVsSubscribe(t *testing.T) {
	topics, _ := newTestTopics(t)

	for i := 0; i < 25; i++ {
		name := fmt.Sprintf("ephemeral-%d", i)
		_, err := topics.Create(context.Background(), TopicConfig{Name: name, AutoCleanup: true, CleanupAfterHours: 1})
		require.NoError(t, err)
		topic, err := topics.Get(name)
		require.NoError(t, err)
		topic.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)

		var wg sync.WaitGroup
		var subErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, subErr = topics.Subscribe(context.Background(), "agent-bravo", name,
				subscription.DefaultOptions(), false)
		}()
		go func() {
			defer wg.Done()
			topics.CleanupInactive(context.Background())
		}()
		wg.Wait()

		require.NoError(t, subErr)
		_, err = topics.Get(name)
		assert.NoError(t, err, "subscription left on a deleted topic")
	}
}

func TestTopicsRestoredOnStart(t *testing.T) {
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	subs, err := subscription.NewManager(store, subscription.Config{})
	require.NoError(t, err)
	require.NoError(t, subs.Start(context.Background()))
	t.Cleanup(func() { subs.Stop(context.Background()) })

	first, err := NewManager(store, subs, Config{})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	_, err = first.Create(context.Background(), TopicConfig{Name: "alerts.critical"})
	require.NoError(t, err)
	require.NoError(t, first.Stop(context.Background()))

	second, err := NewManager(store, subs, Config{})
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() { second.Stop(context.Background()) })

	restored, err := second.Get("alerts.critical")
	require.NoError(t, err)
	assert.Equal(t, "alerts", restored.ParentTopic)
}
