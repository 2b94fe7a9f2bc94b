package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fieldops-backend/internal/store"
)

var entryColumns = []string{
	"id", "action", "entity", "record_id", "user_id", "ip_address", "user_agent",
	"request_id", "old_values", "new_values", "changes", "metadata", "created_at",
}

// maxRowsPerInsert keeps each INSERT under Postgres's 65535 bind parameter limit.
var maxRowsPerInsert = 65535 / len(entryColumns)

// Buffer collects entries in memory and periodically flushes them to
// audit_logs in one multi-row insert.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	pool    store.Pool
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
	stop    sync.Once
}

// NewBuffer creates a buffer that flushes on a timer or when full.
func NewBuffer(pool store.Pool, maxSize int, flushIntervalMs int) *Buffer {
	if maxSize <= 0 {
		maxSize = 200
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 250
	}
	b := &Buffer{
		pool:    pool,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	b.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Buffer) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.Flush()
		}
	}
}

// Enqueue adds an entry. A full buffer triggers an asynchronous flush.
func (b *Buffer) Enqueue(e Entry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	shouldFlush := len(b.entries) >= b.maxSize
	b.mu.Unlock()
	if shouldFlush {
		go b.Flush()
	}
}

// Len returns the number of entries waiting to be flushed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Flush writes all buffered entries in a single transaction, split into as
// many multi-row inserts as the parameter limit requires. Failures are
// logged and the entries dropped.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	if err := b.write(context.Background(), batch); err != nil {
		slog.Error("audit flush failed", "entries", len(batch), "error", err)
	}
}

func (b *Buffer) write(ctx context.Context, batch []Entry) error {
	client, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer client.Release()

	if _, err := client.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	rollback := func() {
		if _, err := client.Exec(ctx, "ROLLBACK"); err != nil {
			slog.Warn("audit rollback failed", "error", err)
		}
	}

	if _, err := client.Exec(ctx, "SET LOCAL synchronous_commit = off"); err != nil {
		rollback()
		return fmt.Errorf("set synchronous_commit: %w", err)
	}

	for start := 0; start < len(batch); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(batch))
		sql, args := insertSQL(batch[start:end])
		if _, err := client.Exec(ctx, sql, args...); err != nil {
			rollback()
			return fmt.Errorf("insert: %w", store.MapError(err))
		}
	}

	if _, err := client.Exec(ctx, "COMMIT"); err != nil {
		rollback()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertSQL(batch []Entry) (string, []any) {
	var placeholders []string
	args := make([]any, 0, len(batch)*len(entryColumns))
	for i, e := range batch {
		offset := i * len(entryColumns)
		ph := make([]string, len(entryColumns))
		for j := range entryColumns {
			ph[j] = fmt.Sprintf("$%d", offset+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")

		args = append(args, e.ID, e.Action, e.Entity, e.RecordID, e.UserID, e.IPAddress, e.UserAgent,
			e.RequestID, jsonOrNil(e.OldValues), jsonOrNil(e.NewValues), jsonOrNil(e.Changes),
			jsonOrNil(e.Metadata), e.CreatedAt)
	}
	sql := fmt.Sprintf("INSERT INTO audit_logs (%s) VALUES %s", strings.Join(entryColumns, ","), strings.Join(placeholders, ","))
	return sql, args
}

func jsonOrNil[T any](m map[string]T) any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

// Stop halts the background ticker and flushes remaining entries.
func (b *Buffer) Stop() {
	b.stop.Do(func() {
		b.ticker.Stop()
		close(b.done)
		b.wg.Wait()
		b.Flush()
	})
}
