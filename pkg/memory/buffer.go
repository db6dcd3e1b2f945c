package memory

import (
	"context"
	"sync"
	"time"
)

// Buffer is a bounded in-process Memory. Once the cap is exceeded the oldest
// entries are dropped. Save and Load are no-ops.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
	now     func() time.Time
}

// NewBuffer creates a buffer holding at most maxMessages entries. A
// non-positive cap uses DefaultMaxMessages.
func NewBuffer(maxMessages int) *Buffer {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Buffer{max: maxMessages, now: time.Now}
}

func (b *Buffer) Add(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if over := len(b.entries) - b.max; over > 0 {
		b.entries = append([]Entry(nil), b.entries[over:]...)
	}
}

func (b *Buffer) RecentContext(maxTokens int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return recentContext(b.entries, maxTokens)
}

func (b *Buffer) All() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Entry(nil), b.entries...)
}

func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// replace swaps the whole buffer, keeping only the newest entries that fit.
func (b *Buffer) replace(entries []Entry) {
	if over := len(entries) - b.max; over > 0 {
		entries = entries[over:]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append([]Entry(nil), entries...)
}

func (b *Buffer) Save(ctx context.Context) error { return nil }
func (b *Buffer) Load(ctx context.Context) error { return nil }
func (b *Buffer) Close() error                   { return nil }
