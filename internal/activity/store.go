package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/skobkin/fieldsync/internal/domain"
)

const (
	HistoryCapacity = 100
	TrailCapacity   = 20
)

// Store keeps the latest entity state, per-entity trails and the recent update history.
type Store struct {
	animator *Animator
	now      func() time.Time

	mu       sync.RWMutex
	entities map[string]domain.EntityActivity
	trails   map[string][]domain.PositionSample
	history  []domain.ActivityUpdate
	changes  chan struct{}
}

func NewStore(animator *Animator, now func() time.Time) *Store {
	if animator == nil {
		animator = NewAnimator(DefaultAnimationDuration)
	}
	if now == nil {
		now = time.Now
	}

	return &Store{
		animator: animator,
		now:      now,
		entities: make(map[string]domain.EntityActivity),
		trails:   make(map[string][]domain.PositionSample),
		changes:  make(chan struct{}, 1),
	}
}

func (s *Store) Animator() *Animator {
	return s.animator
}

// ApplyUpdate merges a location update, records it in history and trail, and starts
// an eased move of the displayed position. Status is applied immediately.
func (s *Store) ApplyUpdate(u domain.ActivityUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeLocked(u)
	s.history = append([]domain.ActivityUpdate{u}, s.history...)
	if len(s.history) > HistoryCapacity {
		s.history = s.history[:HistoryCapacity]
	}
	s.animator.MoveTo(u.EntityID, Point{Lat: u.Lat, Lng: u.Lng}, s.now())
	s.notify()
}

// Hydrate loads full state, e.g. after the stream (re)connects. It does not touch
// history and positions jump without animation.
func (s *Store) Hydrate(updates []domain.ActivityUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		s.mergeLocked(u)
		s.animator.Snap(u.EntityID, Point{Lat: u.Lat, Lng: u.Lng})
	}
	s.notify()
}

// ApplyStatus updates status only. Status changes never enter history or trails.
func (s *Store) ApplyStatus(c domain.StatusChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity := s.entities[c.EntityID]
	entity.EntityID = c.EntityID
	if c.Status != "" {
		entity.Status = c.Status
	}
	if c.DisplayName != "" {
		entity.DisplayName = c.DisplayName
	}
	if c.TimestampMs > entity.TimestampMs {
		entity.TimestampMs = c.TimestampMs
	}
	s.entities[c.EntityID] = entity
	s.notify()
}

func (s *Store) mergeLocked(u domain.ActivityUpdate) {
	existing, ok := s.entities[u.EntityID]
	next := domain.EntityActivity{
		EntityID:    u.EntityID,
		DisplayName: u.DisplayName,
		Lat:         u.Lat,
		Lng:         u.Lng,
		HasPosition: true,
		Status:      u.Status,
		TimestampMs: u.TimestampMs,
	}
	if ok {
		// Merge sparse updates without wiping known metadata.
		if next.DisplayName == "" {
			next.DisplayName = existing.DisplayName
		}
		if next.Status == "" {
			next.Status = existing.Status
		}
		if existing.TimestampMs > next.TimestampMs {
			next.TimestampMs = existing.TimestampMs
		}
	}
	s.entities[u.EntityID] = next

	trail := s.trails[u.EntityID]
	if len(trail) == 0 && len(u.Trail) > 0 {
		trail = append(trail, u.Trail...)
	}
	sample := domain.PositionSample{EntityID: u.EntityID, Lat: u.Lat, Lng: u.Lng, Status: next.Status, TimestampMs: u.TimestampMs}
	if n := len(trail); n == 0 || trail[n-1].TimestampMs != sample.TimestampMs || trail[n-1].Lat != sample.Lat || trail[n-1].Lng != sample.Lng {
		trail = append(trail, sample)
	}
	if over := len(trail) - TrailCapacity; over > 0 {
		trail = append([]domain.PositionSample(nil), trail[over:]...)
	}
	s.trails[u.EntityID] = trail
}

func (s *Store) Entity(id string) (domain.EntityActivity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]

	return e, ok
}

// SnapshotSorted returns every entity, most recently updated first.
func (s *Store) SnapshotSorted() []domain.EntityActivity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EntityActivity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampMs == out[j].TimestampMs {
			return out[i].EntityID < out[j].EntityID
		}

		return out[i].TimestampMs > out[j].TimestampMs
	})

	return out
}

// Trail returns the entity trail, oldest first.
func (s *Store) Trail(id string) []domain.PositionSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.PositionSample(nil), s.trails[id]...)
}

// History returns recent location updates, newest first.
func (s *Store) History() []domain.ActivityUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.ActivityUpdate(nil), s.history...)
}

func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// Reset clears entity state, trails, history and displayed positions.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]domain.EntityActivity)
	s.trails = make(map[string][]domain.PositionSample)
	s.history = nil
	s.animator.Reset()
	s.notify()
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
