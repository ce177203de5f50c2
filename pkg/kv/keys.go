package kv

import "fmt"

// Key layout shared by storage, routing and recovery scans. Channel names
// double as pub/sub conventions consumed by external gateways, so the
// encodings here are load-bearing for interop.

// BroadcastChannel is the channel broadcast-addressed messages are
// published on in addition to per-mailbox channels.
const BroadcastChannel = "broadcast:all"

// MailboxIndexKey is the set of all known mailbox names.
const MailboxIndexKey = "mailbox_index"

func MailboxMetadataKey(name string) string {
	return fmt.Sprintf("mailbox:%s:metadata", name)
}

func MailboxMessagesKey(name string) string {
	return fmt.Sprintf("mailbox:%s:messages", name)
}

func MailboxMessageDataKey(name string) string {
	return fmt.Sprintf("mailbox:%s:message_data", name)
}

func MailboxReadStatusKey(name string) string {
	return fmt.Sprintf("mailbox:%s:read_status", name)
}

// MailboxChannel is the pub/sub channel for direct delivery to a mailbox.
func MailboxChannel(name string) string {
	return "mailbox:" + name
}

// TopicChannel is the pub/sub channel for topic delivery.
func TopicChannel(name string) string {
	return "topic:" + name
}

func TopicKey(id string) string {
	return "topic:" + id
}

func TopicNameKey(name string) string {
	return "topic_name:" + name
}

func TopicMessagesKey(name string) string {
	return fmt.Sprintf("topic:%s:messages", name)
}

func TopicMessageDataKey(name string) string {
	return fmt.Sprintf("topic:%s:message_data", name)
}

func SubscriptionKey(id string) string {
	return "subscription:" + id
}

// MessageKey holds the durable copy of a routed message.
func MessageKey(id string) string {
	return "message:" + id
}

func DeliveryConfirmationKey(id string) string {
	return "delivery_confirmation:" + id
}

func OfflineQueueKey(agentID string) string {
	return "offline_queue:" + agentID
}

func OfflineMessageKey(messageID, agentID string) string {
	return fmt.Sprintf("offline_message:%s:%s", messageID, agentID)
}

func ReadStatusKey(agentID, mailbox, messageID string) string {
	return fmt.Sprintf("read_status:%s:%s:%s", agentID, mailbox, messageID)
}

// AgentReadIndexKey is the set of message IDs an agent has read.
func AgentReadIndexKey(agentID string) string {
	return "agent_read_index:" + agentID
}

// MessageReadersKey is the set of agents that have read a message.
func MessageReadersKey(messageID string) string {
	return "message_readers:" + messageID
}
