package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louspringer/inter-llm-mailbox/pkg/drivers/memstore"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

func newTestStore(t *testing.T) *memstore.Store {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	return store
}

func newStoredMessage(t *testing.T, sender, target string, at time.Time) *message.Message {
	t.Helper()
	m, err := message.New(sender, message.ContentText, "payload from "+sender,
		message.RoutingInfo{
			Mode:     message.ModeDirect,
			Target:   target,
			Priority: message.PriorityNormal,
		},
		message.DeliveryOptions{Persistence: true})
	require.NoError(t, err)
	m.Timestamp = at
	return m
}

func TestCreateMailboxDuplicate(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	meta, err := mailboxes.CreateMailbox(ctx, "inbox-alpha", "agent-alpha", MailboxOptions{
		Description: "primary inbox",
		Tags:        []string{"primary"},
	})
	require.NoError(t, err)
	assert.Equal(t, MailboxActive, meta.State)
	assert.Equal(t, int64(defaultMaxMessages), meta.MaxMessages)

	_, err = mailboxes.CreateMailbox(ctx, "inbox-alpha", "agent-bravo", MailboxOptions{})
	require.ErrorIs(t, err, ErrMailboxExists)

	loaded, err := mailboxes.GetMailbox(ctx, "inbox-alpha")
	require.NoError(t, err)
	assert.Equal(t, "agent-alpha", loaded.CreatedBy)
	assert.Equal(t, []string{"primary"}, loaded.Tags)

	names, err := mailboxes.ListMailboxes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox-alpha"}, names)
}

func TestStoreMessageAutoCreates(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	msg := newStoredMessage(t, "agent-alpha", "inbox-new", time.Now().UTC())
	require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-new", msg))

	meta, err := mailboxes.GetMailbox(ctx, "inbox-new")
	require.NoError(t, err)
	assert.Equal(t, "agent-alpha", meta.CreatedBy)
	assert.Equal(t, int64(1), meta.MessageCount)
	assert.Greater(t, meta.TotalSizeBytes, int64(0))
}

func TestStoreMessageTrimsOldest(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	_, err := mailboxes.CreateMailbox(ctx, "inbox-small", "agent-alpha", MailboxOptions{MaxMessages: 2})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Minute)
	var ids []string
	for i := 0; i < 3; i++ {
		msg := newStoredMessage(t, "agent-alpha", "inbox-small", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-small", msg))
		ids = append(ids, msg.ID)
	}

	meta, err := mailboxes.GetMailbox(ctx, "inbox-small")
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.MessageCount)

	// Oldest is gone, the two newest remain.
	_, err = mailboxes.GetMessage(ctx, "inbox-small", ids[0])
	require.ErrorIs(t, err, ErrMessageNotFound)
	for _, id := range ids[1:] {
		_, err = mailboxes.GetMessage(ctx, "inbox-small", id)
		require.NoError(t, err)
	}
}

func TestGetMessagesPagination(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		msg := newStoredMessage(t, "agent-alpha", "inbox-page", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-page", msg))
		ids = append(ids, msg.ID)
	}

	page, err := mailboxes.GetMessages(ctx, "inbox-page", 0, 2, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalCount)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, ids[4], page.Messages[0].ID)
	assert.Equal(t, ids[3], page.Messages[1].ID)

	last, err := mailboxes.GetMessages(ctx, "inbox-page", 4, 2, nil, true)
	require.NoError(t, err)
	assert.False(t, last.HasMore)
	require.Len(t, last.Messages, 1)
	assert.Equal(t, ids[0], last.Messages[0].ID)

	forward, err := mailboxes.GetMessages(ctx, "inbox-page", 0, 2, nil, false)
	require.NoError(t, err)
	assert.Equal(t, ids[0], forward.Messages[0].ID)
}

func TestGetMessagesFilter(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-filter",
		newStoredMessage(t, "agent-alpha", "inbox-filter", base)))
	require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-filter",
		newStoredMessage(t, "agent-bravo", "inbox-filter", base.Add(time.Second))))

	page, err := mailboxes.GetMessages(ctx, "inbox-filter", 0, 10,
		&message.Filter{SenderID: "agent-bravo"}, true)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "agent-bravo", page.Messages[0].SenderID)
}

func TestDeleteMessageUpdatesCounters(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	msg := newStoredMessage(t, "agent-alpha", "inbox-del", time.Now().UTC())
	require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-del", msg))

	ok, err := mailboxes.DeleteMessage(ctx, "inbox-del", msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mailboxes.DeleteMessage(ctx, "inbox-del", msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	meta, err := mailboxes.GetMailbox(ctx, "inbox-del")
	require.NoError(t, err)
	assert.Equal(t, int64(0), meta.MessageCount)
	assert.Equal(t, int64(0), meta.TotalSizeBytes)
}

func TestReadMarkersAndUnreadCount(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	base := time.Now().UTC().Add(-time.Minute)
	first := newStoredMessage(t, "agent-alpha", "inbox-read", base)
	second := newStoredMessage(t, "agent-alpha", "inbox-read", base.Add(time.Second))
	require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-read", first))
	require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-read", second))

	unread, err := mailboxes.GetUnreadCount(ctx, "inbox-read", "agent-bravo")
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)

	ok, err := mailboxes.MarkMessageRead(ctx, "inbox-read", first.ID, "agent-bravo")
	require.NoError(t, err)
	assert.True(t, ok)

	read, err := mailboxes.IsMessageRead(ctx, "inbox-read", first.ID, "agent-bravo")
	require.NoError(t, err)
	assert.True(t, read)

	unread, err = mailboxes.GetUnreadCount(ctx, "inbox-read", "agent-bravo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	// Markers are per agent.
	unread, err = mailboxes.GetUnreadCount(ctx, "inbox-read", "agent-charlie")
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)
}

func TestDeleteMailboxSoftAndHard(t *testing.T) {
	ctx := context.Background()
	mailboxes := NewMailboxStore(newTestStore(t))

	_, err := mailboxes.CreateMailbox(ctx, "inbox-gone", "agent-alpha", MailboxOptions{})
	require.NoError(t, err)

	require.NoError(t, mailboxes.DeleteMailbox(ctx, "inbox-gone", false))
	meta, err := mailboxes.GetMailbox(ctx, "inbox-gone")
	require.NoError(t, err)
	assert.Equal(t, MailboxDeleted, meta.State)

	require.NoError(t, mailboxes.DeleteMailbox(ctx, "inbox-gone", true))
	_, err = mailboxes.GetMailbox(ctx, "inbox-gone")
	require.ErrorIs(t, err, ErrMailboxNotFound)

	names, err := mailboxes.ListMailboxes(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func newTestOfflineHandler(t *testing.T, store *memstore.Store, cfg OfflineConfig) *OfflineHandler {
	t.Helper()
	h, err := NewOfflineHandler(store, cfg)
	require.NoError(t, err)
	return h
}

func TestOfflineQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	offline := newTestOfflineHandler(t, store, OfflineConfig{})

	msg := newStoredMessage(t, "agent-alpha", "inbox-bravo", time.Now().UTC())
	require.NoError(t, offline.QueueForOffline(ctx, msg, "agent-bravo", "inbox-bravo", 0))

	queued, err := offline.GetQueued(ctx, "agent-bravo", 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, msg.ID, queued[0].Message.ID)
	assert.Equal(t, OfflineQueued, queued[0].Status)
	require.NotNil(t, queued[0].ExpiresAt)

	require.NoError(t, offline.MarkDelivered(ctx, msg.ID, "agent-bravo"))
	queued, err = offline.GetQueued(ctx, "agent-bravo", 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, OfflineDelivered, queued[0].Status)
	assert.Equal(t, 1, queued[0].DeliveryAttempts)

	removed, err := offline.RemoveDelivered(ctx, "agent-bravo")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	queued, err = offline.GetQueued(ctx, "agent-bravo", 10, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestOfflineQueueDropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	offline := newTestOfflineHandler(t, store, OfflineConfig{MaxQueuePerAgent: 2})

	base := time.Now().UTC().Add(-time.Minute)
	var ids []string
	for i := 0; i < 3; i++ {
		msg := newStoredMessage(t, "agent-alpha", "inbox-bravo", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, offline.QueueForOffline(ctx, msg, "agent-bravo", "inbox-bravo", 0))
		ids = append(ids, msg.ID)
		time.Sleep(time.Millisecond)
	}

	queued, err := offline.GetQueued(ctx, "agent-bravo", 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	got := []string{queued[0].Message.ID, queued[1].Message.ID}
	assert.NotContains(t, got, ids[0])
}

func TestReadStateIndices(t *testing.T) {
	ctx := context.Background()
	offline := newTestOfflineHandler(t, newTestStore(t), OfflineConfig{})

	require.NoError(t, offline.MarkRead(ctx, "msg-1", "agent-bravo", "inbox-bravo"))

	read, err := offline.IsRead(ctx, "msg-1", "agent-bravo")
	require.NoError(t, err)
	assert.True(t, read)

	read, err = offline.IsRead(ctx, "msg-1", "agent-charlie")
	require.NoError(t, err)
	assert.False(t, read)

	readers, err := offline.Readers(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-bravo"}, readers)
}

func TestByTimeRangeAndSinceLastRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailboxes := NewMailboxStore(store)
	offline := newTestOfflineHandler(t, store, OfflineConfig{})

	base := time.Now().UTC().Add(-time.Hour)
	var msgs []*message.Message
	for i := 0; i < 3; i++ {
		msg := newStoredMessage(t, "agent-alpha", "inbox-range", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-range", msg))
		msgs = append(msgs, msg)
	}

	window, err := offline.ByTimeRange(ctx, "inbox-range", base, base.Add(90*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, msgs[0].ID, window[0].ID)
	assert.Equal(t, msgs[1].ID, window[1].ID)

	// No read history: everything qualifies.
	all, err := offline.SinceLastRead(ctx, "inbox-range", "agent-bravo", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestByIDRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailboxes := NewMailboxStore(store)
	offline := newTestOfflineHandler(t, store, OfflineConfig{})

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 4; i++ {
		msg := newStoredMessage(t, "agent-alpha", "inbox-idr", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, mailboxes.StoreMessage(ctx, "inbox-idr", msg))
		ids = append(ids, msg.ID)
	}

	window, err := offline.ByIDRange(ctx, "inbox-idr", ids[1], ids[2], 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, ids[1], window[0].ID)
	assert.Equal(t, ids[2], window[1].ID)
}

func TestOfflineCleanupPrunesOrphans(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	offline := newTestOfflineHandler(t, store, OfflineConfig{})

	msg := newStoredMessage(t, "agent-alpha", "inbox-bravo", time.Now().UTC())
	require.NoError(t, offline.QueueForOffline(ctx, msg, "agent-bravo", "inbox-bravo", 20*time.Millisecond))

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, offline.CleanupExpired(ctx))

	queued, err := offline.GetQueued(ctx, "agent-bravo", 10, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, queued)
}
