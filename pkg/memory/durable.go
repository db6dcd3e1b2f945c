package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Row is the durable form of an Entry.
type Row struct {
	AgentID    string
	Role       Role
	Content    string
	Metadata   map[string]interface{}
	Importance int
	CreatedAt  time.Time
}

// RowStore persists memory rows.
type RowStore interface {
	InsertMemories(ctx context.Context, rows []Row) error
	// RecentMemories returns up to limit of the newest rows for agentID,
	// oldest first.
	RecentMemories(ctx context.Context, agentID string, limit int) ([]Row, error)
}

// DurableOptions tunes a Durable memory.
type DurableOptions struct {
	MaxMessages   int
	FlushInterval time.Duration
	// FlushTimeout bounds each store write. Defaults to 10s.
	FlushTimeout time.Duration
	Logger       *zerolog.Logger
}

// Durable is a Memory backed by a RowStore with write-behind batching.
type Durable struct {
	agentID string
	store   RowStore
	buffer  *Buffer
	timeout time.Duration
	logger  zerolog.Logger

	pendingMu sync.Mutex
	pending   []Entry
	closed    bool

	// flushMu keeps batches in insertion order.
	flushMu sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDurable creates a durable memory for agentID and starts its flush timer.
// Close must be called to stop the timer.
func NewDurable(agentID string, store RowStore, opts DurableOptions) *Durable {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	d := &Durable{
		agentID: agentID,
		store:   store,
		buffer:  NewBuffer(opts.MaxMessages),
		timeout: opts.FlushTimeout,
		logger:  base.With().Str("component", "memory").Str("agent_id", agentID).Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop(opts.FlushInterval)

	d.logger.Debug().
		Int("buffer", d.buffer.max).
		Dur("flush_interval", opts.FlushInterval).
		Msg("Durable memory initialized")
	return d
}

func (d *Durable) loop(interval time.Duration) {
	defer close(d.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			_ = d.flush(ctx)
			cancel()
		case <-d.stop:
			return
		}
	}
}

// Add appends to the local buffer and queues the entry for the next flush.
// After Close the entry is kept locally only.
func (d *Durable) Add(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = d.buffer.now()
	}
	d.buffer.Add(entry)

	d.pendingMu.Lock()
	closed := d.closed
	if !closed {
		d.pending = append(d.pending, entry)
	}
	d.pendingMu.Unlock()

	if closed {
		d.logger.Warn().Str("role", string(entry.Role)).Msg("Memory closed, entry not persisted")
	}
}

func (d *Durable) RecentContext(maxTokens int) []Entry { return d.buffer.RecentContext(maxTokens) }
func (d *Durable) All() []Entry                        { return d.buffer.All() }
func (d *Durable) Count() int                          { return d.buffer.Count() }

// Clear drops the local buffer and any unflushed entries.
func (d *Durable) Clear() {
	d.buffer.Clear()
	d.pendingMu.Lock()
	d.pending = nil
	d.pendingMu.Unlock()
}

// Pending returns the number of entries awaiting a flush.
func (d *Durable) Pending() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

// Save flushes pending entries now.
func (d *Durable) Save(ctx context.Context) error {
	return d.flush(ctx)
}

// Load replaces the local buffer with the newest stored rows. On error the
// buffer is left untouched.
func (d *Durable) Load(ctx context.Context) error {
	rows, err := d.store.RecentMemories(ctx, d.agentID, d.buffer.max)
	if err != nil {
		d.logger.Error().Err(err).Msg("Memory load failed")
		return fmt.Errorf("load memory for %s: %w", d.agentID, err)
	}
	if len(rows) == 0 {
		d.logger.Debug().Msg("No prior memories found")
		return nil
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{Role: row.Role, Content: row.Content, Timestamp: row.CreatedAt}
		if len(row.Metadata) > 0 {
			e.Metadata = row.Metadata
		}
		entries = append(entries, e)
	}
	d.buffer.replace(entries)

	d.logger.Info().Int("count", len(entries)).Msg("Memories loaded")
	return nil
}

// flush writes the pending batch. The batch is detached before the write, so
// entries added meanwhile wait for the next flush. Failed batches are dropped.
func (d *Durable) flush(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.pendingMu.Lock()
	batch := d.pending
	d.pending = nil
	d.pendingMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "npcagent.memory", "memory.flush",
		attribute.String("agent.id", d.agentID),
		attribute.Int("rows", len(batch)),
	)

	rows := make([]Row, len(batch))
	for i, e := range batch {
		rows[i] = Row{
			AgentID:   d.agentID,
			Role:      e.Role,
			Content:   e.Content,
			Metadata:  e.Metadata,
			CreatedAt: e.Timestamp,
		}
	}

	start := time.Now()
	err := d.store.InsertMemories(ctx, rows)
	observability.RecordMemoryFlush(len(rows), time.Since(start), err == nil)
	tracing.EndSpan(span, err)

	if err != nil {
		d.logger.Error().Err(err).Int("dropped", len(rows)).Msg("Memory flush failed")
		return fmt.Errorf("flush memory for %s: %w", d.agentID, err)
	}
	d.logger.Debug().Int("count", len(rows)).Msg("Memories flushed")
	return nil
}

// Close stops the flush timer and writes whatever is pending. Safe to call
// more than once; only the first call flushes.
func (d *Durable) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.pendingMu.Lock()
		d.closed = true
		d.pendingMu.Unlock()

		close(d.stop)
		<-d.done

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		err = d.flush(ctx)
	})
	return err
}
