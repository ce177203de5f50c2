package resilience

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// QueuedMessage is a message held locally while the backend is
// unavailable.
type QueuedMessage struct {
	Message    *message.Message `json:"message"`
	QueuedAt   time.Time        `json:"queued_at"`
	RetryCount int              `json:"retry_count"`
}

// LocalQueueConfig configures the fallback queue.
type LocalQueueConfig struct {
	MaxQueueSize int           `yaml:"max_queue_size"`
	MaxAge       time.Duration `yaml:"max_age"`
	MaxRetries   int           `yaml:"max_retries"`

	// PersistPath, when set, makes the queue survive restarts as a JSON
	// file written on Stop and loaded on Start.
	PersistPath string `yaml:"persist_path"`
}

// Validate applies defaults for unset fields.
func (c *LocalQueueConfig) Validate() error {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return nil
}

// LocalQueue is a bounded, age-capped FIFO of messages awaiting the
// backend's recovery. When full, the oldest entry is dropped.
type LocalQueue struct {
	config LocalQueueConfig

	mu      sync.Mutex
	entries []*QueuedMessage
	dropped int64
}

// NewLocalQueue creates an empty queue.
func NewLocalQueue(cfg LocalQueueConfig) (*LocalQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LocalQueue{config: cfg}, nil
}

// Enqueue appends a message, dropping the oldest entry when full.
func (q *LocalQueue) Enqueue(msg *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.config.MaxQueueSize {
		q.entries = q.entries[1:]
		q.dropped++
		slog.Warn("local fallback queue full, dropping oldest", "dropped_total", q.dropped)
	}
	q.entries = append(q.entries, &QueuedMessage{
		Message:  msg,
		QueuedAt: time.Now(),
	})
}

// DequeueBatch removes and returns up to n entries from the head,
// skipping expired ones.
func (q *LocalQueue) DequeueBatch(n int) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupLocked()

	if n > len(q.entries) {
		n = len(q.entries)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]*QueuedMessage, n)
	copy(batch, q.entries[:n])
	q.entries = q.entries[n:]
	return batch
}

// Requeue returns a dequeued entry to the front, incrementing its retry
// count. Entries past the retry limit are dropped.
func (q *LocalQueue) Requeue(entry *QueuedMessage) {
	entry.RetryCount++
	if entry.RetryCount > q.config.MaxRetries {
		slog.Warn("dropping message after local retry limit",
			"message_id", entry.Message.ID,
			"retries", entry.RetryCount)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]*QueuedMessage{entry}, q.entries...)
}

// CleanupExpired drops expired entries from the head and returns how
// many were removed.
func (q *LocalQueue) CleanupExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cleanupLocked()
}

func (q *LocalQueue) cleanupLocked() int {
	cutoff := time.Now().Add(-q.config.MaxAge)
	removed := 0
	for len(q.entries) > 0 && q.entries[0].QueuedAt.Before(cutoff) {
		q.entries = q.entries[1:]
		removed++
	}
	if removed > 0 {
		slog.Info("dropped expired entries from local fallback queue", "count", removed)
	}
	return removed
}

// Len returns the number of queued entries.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Load restores persisted entries, filtering out expired ones. Missing
// files are not an error.
func (q *LocalQueue) Load() error {
	if q.config.PersistPath == "" {
		return nil
	}
	data, err := os.ReadFile(q.config.PersistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read fallback queue file: %w", err)
	}

	var entries []*QueuedMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse fallback queue file: %w", err)
	}

	cutoff := time.Now().Add(-q.config.MaxAge)
	kept := entries[:0]
	for _, e := range entries {
		if e.QueuedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}

	q.mu.Lock()
	q.entries = kept
	q.mu.Unlock()

	slog.Info("restored local fallback queue",
		"path", q.config.PersistPath,
		"loaded", len(kept),
		"expired", len(entries)-len(kept))
	return nil
}

// Save writes the queue contents to the persist path.
func (q *LocalQueue) Save() error {
	if q.config.PersistPath == "" {
		return nil
	}
	q.mu.Lock()
	entries := make([]*QueuedMessage, len(q.entries))
	copy(entries, q.entries)
	q.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode fallback queue: %w", err)
	}
	if err := os.WriteFile(q.config.PersistPath, data, 0o600); err != nil {
		return fmt.Errorf("write fallback queue file: %w", err)
	}
	return nil
}
