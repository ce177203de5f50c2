package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
)

func TestStore_StringOps(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	n, err := s.Del(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_Expiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "tmp", "x", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := s.Get(ctx, "tmp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1"}))
	require.NoError(t, s.Expire(ctx, "h", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	exists, err := s.Exists(ctx, "h")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_SortedSetOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "z",
		kv.ZMember{Score: 2, Member: "b"},
		kv.ZMember{Score: 1, Member: "a"},
		kv.ZMember{Score: 2, Member: "a2"},
		kv.ZMember{Score: 3, Member: "c"},
	))

	asc, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a2", "b", "c"}, asc)

	desc, err := s.ZRevRange(ctx, "z", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, desc)

	page, err := s.ZRevRange(ctx, "z", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a2"}, page)

	byScore, err := s.ZRangeByScore(ctx, "z", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "b"}, byScore)
}

func TestStore_KeysGlob(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "delivery_confirmation:1", "x", 0))
	require.NoError(t, s.HSet(ctx, "delivery_confirmation:2", map[string]string{"f": "v"}))
	require.NoError(t, s.Set(ctx, "message:1", "x", 0))

	keys, err := s.Keys(ctx, "delivery_confirmation:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"delivery_confirmation:1", "delivery_confirmation:2"}, keys)
}

func TestStore_PubSub(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub, err := s.NewSubscriber(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Subscribe(ctx, "mailbox:inbox"))
	require.NoError(t, sub.PSubscribe(ctx, "topic:*"))

	n, err := s.Publish(ctx, "mailbox:inbox", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Publish(ctx, "topic:ai", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Publish(ctx, "unrelated", []byte("three"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	first := <-sub.Messages()
	assert.Equal(t, "mailbox:inbox", first.Channel)
	assert.Empty(t, first.Pattern)

	second := <-sub.Messages()
	assert.Equal(t, "topic:ai", second.Channel)
	assert.Equal(t, "topic:*", second.Pattern)
}

func TestStore_PubSubUnsubscribe(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub, err := s.NewSubscriber(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Subscribe(ctx, "ch"))
	require.NoError(t, sub.Unsubscribe(ctx, "ch"))

	n, err := s.Publish(ctx, "ch", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_CloseClosesSubscribers(t *testing.T) {
	s := New()
	sub, err := s.NewSubscriber(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, open := <-sub.Messages()
	assert.False(t, open)
}
