package bus

import "sync"

// Value holds the latest state of T and notifies listeners on every change.
// A new listener is called immediately with the current value, then with each update.
// Deliveries to one listener never overlap and never go back to an older value, so
// the last value a listener saw is always the current one once Set returns.
type Value[T any] struct {
	mu        sync.Mutex
	current   T
	version   uint64
	nextID    int
	listeners map[int]*listener[T]
}

type listener[T any] struct {
	mu   sync.Mutex
	seen uint64
	fn   func(T)
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current:   initial,
		listeners: make(map[int]*listener[T]),
	}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.current
}

// Set stores next and delivers it to all listeners in registration order.
func (v *Value[T]) Set(next T) {
	v.Update(func(T) T { return next })
}

// Update applies fn to the current value under lock and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	next := fn(v.current)
	v.current = next
	v.version++
	version := v.version
	ls := v.snapshotLocked()
	v.mu.Unlock()

	for _, l := range ls {
		l.deliver(next, version)
	}

	return next
}

// Subscribe registers fn and returns a function that stops further delivery.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	l := &listener[T]{fn: fn}

	// Holding l.mu across registration makes a concurrent Set wait for the
	// initial delivery; a newer value then supersedes it.
	l.mu.Lock()
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = l
	current, version := v.current, v.version
	v.mu.Unlock()
	l.seen = version
	l.fn(current)
	l.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.listeners, id)
			v.mu.Unlock()
		})
	}
}

// deliver calls fn unless a newer version already reached this listener.
func (l *listener[T]) deliver(value T, version uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if version <= l.seen {
		return
	}
	l.seen = version
	l.fn(value)
}

func (v *Value[T]) snapshotLocked() []*listener[T] {
	out := make([]*listener[T], 0, len(v.listeners))
	for id := 0; id < v.nextID; id++ {
		if l, ok := v.listeners[id]; ok {
			out = append(out, l)
		}
	}

	return out
}
