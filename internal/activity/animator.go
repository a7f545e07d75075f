package activity

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultAnimationDuration = time.Second
	DefaultFrameInterval     = 50 * time.Millisecond
)

type Point struct {
	Lat float64
	Lng float64
}

// EaseOutCubic maps linear progress t in [0,1] to eased progress.
func EaseOutCubic(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= 1:
		return 1
	}
	inv := 1 - t

	return 1 - inv*inv*inv
}

// Interpolate returns the eased point between from and to at linear progress t.
func Interpolate(from, to Point, t float64) Point {
	k := EaseOutCubic(t)

	return Point{
		Lat: from.Lat + (to.Lat-from.Lat)*k,
		Lng: from.Lng + (to.Lng-from.Lng)*k,
	}
}

type animation struct {
	from  Point
	to    Point
	start time.Time
}

// Animator smooths displayed entity positions towards their latest known position.
type Animator struct {
	duration time.Duration

	mu        sync.Mutex
	active    map[string]animation
	displayed map[string]Point
	changes   chan struct{}
}

func NewAnimator(duration time.Duration) *Animator {
	if duration <= 0 {
		duration = DefaultAnimationDuration
	}

	return &Animator{
		duration:  duration,
		active:    make(map[string]animation),
		displayed: make(map[string]Point),
		changes:   make(chan struct{}, 1),
	}
}

// MoveTo starts an animation from the currently displayed position. An entity with no
// displayed position jumps straight to the target.
func (a *Animator) MoveTo(id string, to Point, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	from, ok := a.displayed[id]
	if !ok || from == to {
		a.displayed[id] = to
		delete(a.active, id)
		a.notify()

		return
	}
	a.active[id] = animation{from: from, to: to, start: now}
}

// Snap sets the displayed position immediately.
func (a *Animator) Snap(id string, p Point) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.displayed[id] = p
	delete(a.active, id)
	a.notify()
}

// Tick recomputes displayed positions for now and returns how many animations remain.
func (a *Animator) Tick(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.active) == 0 {
		return 0
	}
	for id, anim := range a.active {
		progress := float64(now.Sub(anim.start)) / float64(a.duration)
		if progress >= 1 {
			a.displayed[id] = anim.to
			delete(a.active, id)

			continue
		}
		a.displayed[id] = Interpolate(anim.from, anim.to, progress)
	}
	a.notify()

	return len(a.active)
}

// Run ticks every interval until ctx is done.
func (a *Animator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Tick(now)
		}
	}
}

func (a *Animator) Position(id string) (Point, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.displayed[id]

	return p, ok
}

func (a *Animator) Animating(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[id]

	return ok
}

// Changes signals (coalesced) that displayed positions moved.
func (a *Animator) Changes() <-chan struct{} {
	return a.changes
}

func (a *Animator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = make(map[string]animation)
	a.displayed = make(map[string]Point)
	a.notify()
}

func (a *Animator) notify() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}
