// Package requestlog implements async, buffered persistence of per-attempt
// RequestLog entries into request_logs, modeled on the channel/ticker/
// batch-flush shape of internal/audit/audit.go, generalized away from its
// per-tenant-schema grouping since this core has no tenant schema
// partitioning (tenant CRUD is out of scope per §1).
package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one attempt's outcome, written whether it succeeded or failed.
type Entry struct {
	RequestID        uuid.UUID
	RequestTime      time.Time
	KeyIdentifier    string
	KeyBrief         string
	AuthKeyAlias     string
	ModelName        string
	IsSuccess        bool
	ErrorType        string // empty on success
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered request log writer.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates a request log Writer. Call Start to begin processing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background flush goroutine and returns immediately.
// The goroutine exits after a final flush once ctx is cancelled or Close is
// called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the final flush.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for async writing. Never blocks the caller; if the
// buffer is full the entry is dropped and a warning is logged, since request
// logging must never add latency to the hot path (§4.D).
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("request log buffer full, dropping entry",
			"request_id", entry.RequestID, "key_identifier", entry.KeyIdentifier)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO request_logs
				(request_id, request_time, key_identifier, key_brief, auth_key_alias,
				 model_name, is_success, error_type, prompt_tokens, completion_tokens, total_tokens)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`,
			e.RequestID, e.RequestTime, e.KeyIdentifier, e.KeyBrief, e.AuthKeyAlias,
			e.ModelName, e.IsSuccess, e.ErrorType, e.PromptTokens, e.CompletionTokens, e.TotalTokens,
		)
	}

	results := w.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			w.logger.Error("writing request log entry", "error", err)
		}
	}
}
