package activity

import (
	"testing"
	"time"

	"github.com/skobkin/fieldsync/internal/domain"
)

func newTestStore() *Store {
	return NewStore(NewAnimator(time.Second), func() time.Time { return time.UnixMilli(0) })
}

func TestStore_MergesSparseUpdates(t *testing.T) {
	s := newTestStore()
	s.ApplyUpdate(domain.ActivityUpdate{EntityID: "e1", DisplayName: "Alice", Status: "on_site", Lat: 1, Lng: 2, TimestampMs: 10})
	s.ApplyUpdate(domain.ActivityUpdate{EntityID: "e1", Lat: 3, Lng: 4, TimestampMs: 20})

	got, ok := s.Entity("e1")
	if !ok {
		t.Fatalf("expected entity")
	}
	if got.DisplayName != "Alice" || got.Status != "on_site" {
		t.Fatalf("sparse update wiped metadata: %+v", got)
	}
	if got.Lat != 3 || got.Lng != 4 || got.TimestampMs != 20 {
		t.Fatalf("expected latest position, got %+v", got)
	}
}

func TestStore_TrailAndHistoryCaps(t *testing.T) {
	s := newTestStore()
	for i := range 120 {
		s.ApplyUpdate(domain.ActivityUpdate{EntityID: "e1", Lat: float64(i), TimestampMs: int64(i)})
	}

	trail := s.Trail("e1")
	if len(trail) != TrailCapacity {
		t.Fatalf("expected trail of %d, got %d", TrailCapacity, len(trail))
	}
	if trail[0].TimestampMs != 100 || trail[len(trail)-1].TimestampMs != 119 {
		t.Fatalf("expected oldest evicted first, got %d..%d", trail[0].TimestampMs, trail[len(trail)-1].TimestampMs)
	}

	history := s.History()
	if len(history) != HistoryCapacity {
		t.Fatalf("expected history of %d, got %d", HistoryCapacity, len(history))
	}
	if history[0].TimestampMs != 119 || history[len(history)-1].TimestampMs != 20 {
		t.Fatalf("expected newest first, got %d..%d", history[0].TimestampMs, history[len(history)-1].TimestampMs)
	}
}

func TestStore_StatusChangeSkipsHistory(t *testing.T) {
	s := newTestStore()
	s.ApplyUpdate(domain.ActivityUpdate{EntityID: "e1", Status: "travelling", Lat: 1, TimestampMs: 10})
	s.ApplyStatus(domain.StatusChange{EntityID: "e1", Status: "on_site", TimestampMs: 11})

	got, _ := s.Entity("e1")
	if got.Status != "on_site" {
		t.Fatalf("expected status to apply immediately, got %q", got.Status)
	}
	if got.Lat != 1 {
		t.Fatalf("status change must keep position, got %+v", got)
	}
	if n := len(s.History()); n != 1 {
		t.Fatalf("expected status change to stay out of history, got %d entries", n)
	}
	if n := len(s.Trail("e1")); n != 1 {
		t.Fatalf("expected status change to stay out of trail, got %d samples", n)
	}
}

func TestStore_HydrateSnapsWithoutHistory(t *testing.T) {
	s := newTestStore()
	s.Hydrate([]domain.ActivityUpdate{
		{EntityID: "e1", Lat: 1, TimestampMs: 5},
		{EntityID: "e2", Lat: 2, TimestampMs: 9},
	})

	if n := len(s.History()); n != 0 {
		t.Fatalf("hydration must not enter history, got %d", n)
	}
	snap := s.SnapshotSorted()
	if len(snap) != 2 || snap[0].EntityID != "e2" {
		t.Fatalf("expected most recent first, got %+v", snap)
	}
	if p, ok := s.Animator().Position("e1"); !ok || p.Lat != 1 {
		t.Fatalf("expected snapped position, got %+v", p)
	}
}

func TestStore_ResetClearsEverything(t *testing.T) {
	s := newTestStore()
	s.ApplyUpdate(domain.ActivityUpdate{EntityID: "e1", Lat: 1, TimestampMs: 1})
	s.Reset()

	if _, ok := s.Entity("e1"); ok {
		t.Fatalf("expected entity to be cleared")
	}
	if len(s.History()) != 0 || len(s.Trail("e1")) != 0 {
		t.Fatalf("expected history and trail to be cleared")
	}
	if _, ok := s.Animator().Position("e1"); ok {
		t.Fatalf("expected displayed position to be cleared")
	}
}
