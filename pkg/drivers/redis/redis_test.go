package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
)

// setupTestRedis creates a driver backed by miniredis.
func setupTestRedis(t *testing.T) (*Driver, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	d, err := New(context.Background(), Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, mr
}

func TestDriver_New_InvalidAddress(t *testing.T) {
	_, err := New(context.Background(), Config{
		Address:     "localhost:1", // nothing listens here
		DialTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestDriver_ConfigDefaults(t *testing.T) {
	cfg := Config{Address: "redis://somehost:6379"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "somehost:6379", cfg.Address)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
}

func TestDriver_StringOps(t *testing.T) {
	d, mr := setupTestRedis(t)
	ctx := context.Background()

	_, ok, err := d.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Set(ctx, "k", "v", 0))
	v, ok, err := d.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	exists, err := d.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, d.Set(ctx, "tmp", "x", time.Minute))
	ttl, err := d.TTL(ctx, "tmp")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	mr.FastForward(2 * time.Minute)
	_, ok, err = d.Get(ctx, "tmp")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := d.Del(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDriver_HashOps(t *testing.T) {
	d, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, d.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))

	v, ok, err := d.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	_, ok, err = d.HGet(ctx, "h", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := d.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, d.HDel(ctx, "h", "a"))
	all, err = d.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, all)
}

func TestDriver_SetOps(t *testing.T) {
	d, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, d.SAdd(ctx, "s", "x", "y"))

	ok, err := d.SIsMember(ctx, "s", "x")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := d.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	members, err := d.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	require.NoError(t, d.SRem(ctx, "s", "x"))
	ok, err = d.SIsMember(ctx, "s", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDriver_SortedSetOps(t *testing.T) {
	d, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, d.ZAdd(ctx, "z",
		kv.ZMember{Score: 3, Member: "c"},
		kv.ZMember{Score: 1, Member: "a"},
		kv.ZMember{Score: 2, Member: "b"},
	))

	asc, err := d.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, asc)

	desc, err := d.ZRevRange(ctx, "z", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, desc)

	mid, err := d.ZRangeByScore(ctx, "z", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, mid)

	require.NoError(t, d.ZRem(ctx, "z", "b"))
	n, err := d.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDriver_Keys(t *testing.T) {
	d, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, "mailbox:a:metadata", "1", 0))
	require.NoError(t, d.Set(ctx, "mailbox:b:metadata", "1", 0))
	require.NoError(t, d.Set(ctx, "other", "1", 0))

	keys, err := d.Keys(ctx, "mailbox:*:metadata")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mailbox:a:metadata", "mailbox:b:metadata"}, keys)
}

func TestDriver_PubSub(t *testing.T) {
	d, _ := setupTestRedis(t)
	ctx := context.Background()

	sub, err := d.NewSubscriber(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Subscribe(ctx, "mailbox:inbox"))
	require.NoError(t, sub.PSubscribe(ctx, "topic:*"))

	// Give the subscription a moment to register.
	time.Sleep(50 * time.Millisecond)

	n, err := d.Publish(ctx, "mailbox:inbox", []byte("direct"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = d.Publish(ctx, "topic:ai.models", []byte("topical"))
	require.NoError(t, err)

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Messages():
			got[msg.Channel] = string(msg.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for pubsub message")
		}
	}
	assert.Equal(t, "direct", got["mailbox:inbox"])
	assert.Equal(t, "topical", got["topic:ai.models"])
}

func TestDriver_Health(t *testing.T) {
	d, mr := setupTestRedis(t)

	st, err := d.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StateHealthy, st.State)

	mr.Close()
	st, err = d.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StateUnhealthy, st.State)
}
