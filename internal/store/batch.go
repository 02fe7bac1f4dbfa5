package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SampleRecord is one metric value ready for bulk insertion.
type SampleRecord struct {
	ServerAlias string
	MetricPath  string
	Timestamp   time.Time
	Value       float64
}

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
)

// BatchWriter accumulates sample records and writes them with the pgx COPY
// protocol, either when the batch fills or on a flush interval.
type BatchWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	submitCh chan SampleRecord

	batchMu      sync.Mutex
	currentBatch []SampleRecord

	batchSize     int
	flushInterval time.Duration
}

// NewBatchWriter creates a batch writer over the pool.
func NewBatchWriter(pool *pgxpool.Pool, logger *slog.Logger) *BatchWriter {
	return &BatchWriter{
		pool:          pool,
		logger:        logger.With("component", "batch_writer"),
		submitCh:      make(chan SampleRecord, defaultBatchSize*2),
		currentBatch:  make([]SampleRecord, 0, defaultBatchSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

// Submit queues one record. It fails fast when the buffer is full rather
// than blocking the ingestion path.
func (w *BatchWriter) Submit(ctx context.Context, record SampleRecord) error {
	select {
	case w.submitCh <- record:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("batch writer buffer full, dropping sample for %s/%s",
			record.ServerAlias, record.MetricPath)
	}
}

// Run accumulates and flushes batches until the context is cancelled, then
// performs a final drain.
func (w *BatchWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Drain()
			return ctx.Err()
		case record := <-w.submitCh:
			w.batchMu.Lock()
			w.currentBatch = append(w.currentBatch, record)
			full := len(w.currentBatch) >= w.batchSize
			w.batchMu.Unlock()
			if full {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Drain empties the submit channel and writes whatever remains, using a
// short background deadline since the caller's context is already cancelled.
func (w *BatchWriter) Drain() {
	for {
		select {
		case record := <-w.submitCh:
			w.batchMu.Lock()
			w.currentBatch = append(w.currentBatch, record)
			w.batchMu.Unlock()
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.flush(ctx)
			cancel()
			return
		}
	}
}

// flush writes the current batch with CopyFrom. On failure the batch is
// dropped after logging; raw samples are re-derivable from the next polls
// and must not wedge the writer.
func (w *BatchWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.currentBatch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.currentBatch
	w.currentBatch = make([]SampleRecord, 0, w.batchSize)
	w.batchMu.Unlock()

	rows := make([][]interface{}, len(batch))
	for i, r := range batch {
		rows[i] = []interface{}{r.ServerAlias, r.MetricPath, r.Timestamp, r.Value}
	}

	start := time.Now()
	copied, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"metric_samples"},
		[]string{"server_alias", "metric_path", "ts", "value"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		w.logger.Error("batch flush failed, dropping samples",
			"count", len(batch),
			"error", err,
		)
		return
	}

	w.logger.Debug("batch flushed",
		"rows", copied,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
