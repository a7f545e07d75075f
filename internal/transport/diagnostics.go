package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/fieldsync/internal/persistence"
)

const (
	DiagnosticsCapacity = 50
	diagnosticsKey      = "errors"
)

// DiagnosticEntry records one call that failed for good.
type DiagnosticEntry struct {
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	Message    string    `json:"message"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Diagnostics is a capped ring of final failures, persisted off the caller's path.
type Diagnostics struct {
	store  persistence.KV
	writer *persistence.WriterQueue
	logger *slog.Logger

	mu      sync.Mutex
	entries []DiagnosticEntry
}

// NewDiagnostics keeps entries in memory only when store is nil.
// Without a writer, persistence happens on a goroutine per record.
func NewDiagnostics(store persistence.KV, writer *persistence.WriterQueue, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default().With("component", "transport.diagnostics")
	}

	return &Diagnostics{store: store, writer: writer, logger: logger}
}

// Load restores persisted entries. A corrupt buffer is cleared.
func (d *Diagnostics) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}

	var entries []DiagnosticEntry
	_, err := persistence.LoadJSON(ctx, d.store, diagnosticsKey, &entries)
	if errors.Is(err, persistence.ErrCorrupt) {
		d.logger.Warn("clearing corrupt diagnostics buffer", "error", err)

		return d.store.Remove(ctx, diagnosticsKey)
	}
	if err != nil {
		return err
	}
	if len(entries) > DiagnosticsCapacity {
		entries = entries[len(entries)-DiagnosticsCapacity:]
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()

	return nil
}

// Record appends e, dropping the oldest entry when full. It never blocks on storage.
func (d *Diagnostics) Record(e DiagnosticEntry) {
	d.mu.Lock()
	d.entries = append(d.entries, e)
	if over := len(d.entries) - DiagnosticsCapacity; over > 0 {
		d.entries = append([]DiagnosticEntry(nil), d.entries[over:]...)
	}
	d.mu.Unlock()

	if d.store == nil {
		return
	}
	save := func(ctx context.Context) error {
		return persistence.SaveJSON(ctx, d.store, diagnosticsKey, d.Entries())
	}
	if d.writer != nil {
		d.writer.Enqueue("diagnostics.save", save)

		return
	}
	go func() {
		if err := save(context.Background()); err != nil {
			d.logger.Debug("persist diagnostics failed", "error", err)
		}
	}()
}

// Entries returns a copy, oldest first.
func (d *Diagnostics) Entries() []DiagnosticEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]DiagnosticEntry(nil), d.entries...)
}

func (d *Diagnostics) Clear(ctx context.Context) error {
	d.mu.Lock()
	d.entries = nil
	d.mu.Unlock()

	if d.store == nil {
		return nil
	}

	return d.store.Remove(ctx, diagnosticsKey)
}
