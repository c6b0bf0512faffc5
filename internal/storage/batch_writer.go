package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ghostwall/internal/config"
	"ghostwall/internal/event"
)

var (
	// ErrWriterClosed is returned by Write after Close.
	ErrWriterClosed = errors.New("batch writer is closed")
	// ErrBufferFull is returned by Write when MaxPending rows are waiting.
	ErrBufferFull = errors.New("batch writer buffer is full")
)

// BatchWriterConfig holds configuration for a batch writer.
type BatchWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxPending    int
}

// BatchConfigFrom takes the batching settings from the ClickHouse config.
func BatchConfigFrom(cfg config.ClickHouseConfig) BatchWriterConfig {
	size := max(cfg.BatchSize, 1)
	return BatchWriterConfig{
		BatchSize:     size,
		FlushInterval: cfg.FlushInterval,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		MaxPending:    size * 10,
	}
}

// table describes how rows of T are inserted.
type table[T any] struct {
	name   string
	insert string
	row    func(T) []any
}

// BatchWriter buffers rows and inserts them into ClickHouse in batches,
// on size or on the flush interval. Inserts run on the writer's own
// goroutine, so Write never waits on ClickHouse; when the archive falls
// behind by MaxPending rows new rows are dropped and counted.
type BatchWriter[T any] struct {
	client *ClickHouseClient
	config BatchWriterConfig
	table  table[T]
	logger *slog.Logger

	mu     sync.Mutex
	buffer []T
	closed bool

	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	totalDropped atomic.Uint64
	batchCount   atomic.Uint64
}

func newBatchWriter[T any](client *ClickHouseClient, cfg BatchWriterConfig, t table[T], logger *slog.Logger) *BatchWriter[T] {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BatchSize = max(cfg.BatchSize, 1)
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = cfg.BatchSize * 10
	}
	bw := &BatchWriter[T]{
		client: client,
		config: cfg,
		table:  t,
		logger: logger,
		buffer: make([]T, 0, cfg.BatchSize),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go bw.run()
	return bw
}

// NewEventWriter archives events into the events table.
func NewEventWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter[event.Event] {
	return newBatchWriter(client, cfg, table[event.Event]{
		name:   "events",
		insert: "INSERT INTO events (event_id, timestamp, type, source, src_ip, metadata)",
		row: func(ev event.Event) []any {
			metadata, _ := json.Marshal(ev.Metadata())
			return []any{ev.ID, ev.Timestamp, string(ev.Type), string(ev.Source), ev.SrcIP, string(metadata)}
		},
	}, logger)
}

// NewActionWriter archives defense actions into the actions table.
func NewActionWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter[event.Action] {
	return newBatchWriter(client, cfg, table[event.Action]{
		name: "actions",
		insert: `INSERT INTO actions (created_at, event_type, source, src_ip, summary, severity,
			confidence, tags, commands, policy_mode, applied, reason)`,
		row: func(a event.Action) []any {
			var applied uint8
			if a.Enforcement.Applied {
				applied = 1
			}
			return []any{a.CreatedAt, string(a.EventType), string(a.Source), a.SrcIP, a.Summary, string(a.Severity),
				a.Confidence, a.Tags, a.Commands, a.PolicyMode, applied, a.Enforcement.Reason}
		},
	}, logger)
}

// Write adds a row to the batch and wakes the flush loop when the batch
// is full. It never blocks on ClickHouse.
func (bw *BatchWriter[T]) Write(item T) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	if len(bw.buffer) >= bw.config.MaxPending {
		bw.mu.Unlock()
		bw.totalDropped.Add(1)
		return ErrBufferFull
	}
	bw.buffer = append(bw.buffer, item)
	full := len(bw.buffer) >= bw.config.BatchSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (bw *BatchWriter[T]) run() {
	defer close(bw.done)
	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.stop:
			return
		case <-bw.kick:
		case <-ticker.C:
		}
		if err := bw.flush(bw.stop); err != nil {
			bw.logger.Error("batch flush failed", "table", bw.table.name, "error", err)
		}
	}
}

// flush sends what is buffered, with retries. When abort closes during a
// retry wait the rows go back to the buffer for the final flush.
func (bw *BatchWriter[T]) flush(abort <-chan struct{}) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	rows := bw.buffer
	bw.buffer = make([]T, 0, bw.config.BatchSize)
	bw.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.NewTimer(bw.config.RetryDelay * time.Duration(attempt))
			select {
			case <-abort:
				wait.Stop()
				bw.requeue(rows)
				return nil
			case <-wait.C:
			}
		}

		if err := bw.insertBatch(rows); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed, retrying",
				"table", bw.table.name,
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.totalWritten.Add(uint64(len(rows)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(rows)))
	return wrapBatchError(bw.table.name, lastErr, bw.config.MaxRetries)
}

func (bw *BatchWriter[T]) requeue(rows []T) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.buffer = append(rows, bw.buffer...)
}

func (bw *BatchWriter[T]) insertBatch(rows []T) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, bw.table.insert)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(bw.table.row(r)...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("batch inserted", "table", bw.table.name, "count", len(rows))
	return nil
}

// Flush sends the current buffer and waits for the result.
func (bw *BatchWriter[T]) Flush() error {
	return bw.flush(nil)
}

// Close stops the flush loop and sends what is left.
func (bw *BatchWriter[T]) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.stop)
	<-bw.done
	return bw.flush(nil)
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter[T]) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Dropped: bw.totalDropped.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
