// Package prefs persists small per-user interface preferences, one key per preference.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/skobkin/fieldsync/internal/bus"
	"github.com/skobkin/fieldsync/internal/persistence"
)

type ViewMode string

const (
	ViewMap  ViewMode = "map"
	ViewList ViewMode = "list"

	keyViewMode         = "view_mode"
	keySidebarCollapsed = "sidebar_collapsed"
	keyColors           = "entity_colors"
	keyNotes            = "entity_notes"
)

type Prefs struct {
	ViewMode         ViewMode
	SidebarCollapsed bool
	// Colors and Notes are keyed by entity id.
	Colors map[string]string
	Notes  map[string]string
}

func Default() Prefs {
	return Prefs{ViewMode: ViewMap, Colors: map[string]string{}, Notes: map[string]string{}}
}

func (p Prefs) clone() Prefs {
	p.Colors = maps.Clone(p.Colors)
	p.Notes = maps.Clone(p.Notes)

	return p
}

type Store struct {
	kv     persistence.KV
	logger *slog.Logger

	mu      sync.Mutex
	current Prefs
	value   *bus.Value[Prefs]
}

func NewStore(kv persistence.KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default().With("component", "prefs")
	}

	return &Store{kv: kv, logger: logger, current: Default(), value: bus.NewValue(Default())}
}

// Value publishes a copy of the preferences after every change.
func (s *Store) Value() *bus.Value[Prefs] {
	return s.value
}

func (s *Store) Get() Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current.clone()
}

// Load reads every preference. A corrupt entry is removed and falls back to its default.
func (s *Store) Load(ctx context.Context) (Prefs, error) {
	out := Default()

	var mode ViewMode
	if ok, err := s.load(ctx, keyViewMode, &mode); err != nil {
		return Prefs{}, err
	} else if ok && (mode == ViewMap || mode == ViewList) {
		out.ViewMode = mode
	}
	if _, err := s.load(ctx, keySidebarCollapsed, &out.SidebarCollapsed); err != nil {
		return Prefs{}, err
	}
	if _, err := s.load(ctx, keyColors, &out.Colors); err != nil {
		return Prefs{}, err
	}
	if _, err := s.load(ctx, keyNotes, &out.Notes); err != nil {
		return Prefs{}, err
	}
	if out.Colors == nil {
		out.Colors = map[string]string{}
	}
	if out.Notes == nil {
		out.Notes = map[string]string{}
	}

	s.mu.Lock()
	s.current = out
	s.mu.Unlock()
	s.value.Set(out.clone())

	return out.clone(), nil
}

func (s *Store) load(ctx context.Context, key string, dst any) (bool, error) {
	ok, err := persistence.LoadJSON(ctx, s.kv, key, dst)
	if errors.Is(err, persistence.ErrCorrupt) {
		s.logger.Warn("discard corrupt preference", "key", key, "error", err)

		return false, s.kv.Remove(ctx, key)
	}

	return ok, err
}

func (s *Store) SetViewMode(ctx context.Context, mode ViewMode) error {
	if mode != ViewMap && mode != ViewList {
		return fmt.Errorf("unknown view mode: %q", mode)
	}

	return s.update(ctx, keyViewMode, func(p *Prefs) any {
		p.ViewMode = mode

		return mode
	})
}

func (s *Store) SetSidebarCollapsed(ctx context.Context, collapsed bool) error {
	return s.update(ctx, keySidebarCollapsed, func(p *Prefs) any {
		p.SidebarCollapsed = collapsed

		return collapsed
	})
}

// SetColor assigns a display color to an entity. An empty color removes it.
func (s *Store) SetColor(ctx context.Context, entityID, color string) error {
	return s.update(ctx, keyColors, func(p *Prefs) any {
		setOrDelete(p.Colors, entityID, color)

		return p.Colors
	})
}

// SetNote stores a free-form note for an entity. An empty note removes it.
func (s *Store) SetNote(ctx context.Context, entityID, note string) error {
	return s.update(ctx, keyNotes, func(p *Prefs) any {
		setOrDelete(p.Notes, entityID, note)

		return p.Notes
	})
}

func (s *Store) update(ctx context.Context, key string, apply func(p *Prefs) any) error {
	s.mu.Lock()
	next := s.current.clone()
	stored := apply(&next)
	if err := persistence.SaveJSON(ctx, s.kv, key, stored); err != nil {
		s.mu.Unlock()

		return fmt.Errorf("save preference %s: %w", key, err)
	}
	s.current = next
	s.mu.Unlock()
	s.value.Set(next.clone())

	return nil
}

func setOrDelete(m map[string]string, key, value string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if strings.TrimSpace(value) == "" {
		delete(m, key)

		return
	}
	m[key] = value
}
