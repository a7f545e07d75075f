package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/skobkin/fieldsync/internal/logging"
	"github.com/skobkin/fieldsync/internal/persistence"
)

func TestDiagnosticsRingIsCappedAndPersisted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := persistence.NewMemoryKV()
	writer := persistence.NewWriterQueue(logging.Discard(), 0)
	writer.Start(ctx)

	diag := NewDiagnostics(store, writer, logging.Discard())
	for i := 0; i < 60; i++ {
		diag.Record(DiagnosticEntry{URL: fmt.Sprintf("/x/%d", i), Method: "GET", Status: 503, Timestamp: time.Now()})
	}

	entries := diag.Entries()
	if len(entries) != DiagnosticsCapacity {
		t.Fatalf("expected %d entries, got %d", DiagnosticsCapacity, len(entries))
	}
	if entries[0].URL != "/x/10" || entries[len(entries)-1].URL != "/x/59" {
		t.Fatalf("expected oldest entries to be dropped, got first=%s last=%s", entries[0].URL, entries[len(entries)-1].URL)
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 5*time.Second)
	defer flushCancel()
	if err := writer.Flush(flushCtx); err != nil {
		t.Fatalf("flush writer: %v", err)
	}

	restored := NewDiagnostics(store, nil, logging.Discard())
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load diagnostics: %v", err)
	}
	if got := len(restored.Entries()); got != DiagnosticsCapacity {
		t.Fatalf("expected %d restored entries, got %d", DiagnosticsCapacity, got)
	}
}

func TestDiagnosticsLoadClearsCorruptBuffer(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryKV()
	_ = store.Set(ctx, diagnosticsKey, []byte("[{"))

	diag := NewDiagnostics(store, nil, logging.Discard())
	if err := diag.Load(ctx); err != nil {
		t.Fatalf("corrupt buffer must not fail load: %v", err)
	}
	if _, found, _ := store.Get(ctx, diagnosticsKey); found {
		t.Fatalf("corrupt buffer must be removed")
	}
}
