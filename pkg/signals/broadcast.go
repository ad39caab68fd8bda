// Package signals implements the push-based observation primitives the
// reactor's outputs are built on, per spec.md section 4.5 "Output" and
// section 9 "Observer vs. listener": a value broadcast supports both a
// callback-subscription pattern and a reactive-scope observation pattern,
// and neither the reactor nor the node consumes the latter -- it exists
// purely for host applications to build reactive bindings on top of.
// Ported in spirit from original_source/signals/src/{subscription,traits}.rs.
package signals

import "sync"

// ListenerGuard is returned by Listen; closing it unsubscribes. It is
// idempotent and safe to call from any goroutine, including the one
// currently inside a dispatch callback.
type ListenerGuard struct {
	once        sync.Once
	unsubscribe func()
}

func (g *ListenerGuard) Close() {
	g.once.Do(func() {
		if g.unsubscribe != nil {
			g.unsubscribe()
		}
	})
}

// ObserverScope collects the set of broadcasts read during one reactive
// computation, so a host UI framework can know what to re-run on change.
// The core never reads this itself.
type ObserverScope struct {
	mu   sync.Mutex
	deps map[any]struct{}
}

func NewObserverScope() *ObserverScope { return &ObserverScope{deps: make(map[any]struct{})} }

func (s *ObserverScope) track(dep any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[dep] = struct{}{}
}

// Len reports how many distinct broadcasts were observed in this scope.
func (s *ObserverScope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deps)
}

// Broadcast holds the latest value of type T and fans it out to
// listeners on every Emit, per original_source's Broadcast.
type Broadcast[T any] struct {
	mu        sync.RWMutex
	value     T
	listeners map[uint64]func(T)
	nextID    uint64
}

func NewBroadcast[T any](initial T) *Broadcast[T] {
	return &Broadcast[T]{value: initial, listeners: make(map[uint64]func(T))}
}

// Listen registers fn to be called on every future Emit. fn is never
// called with the value current at registration time -- callers that
// want that should read Value() first.
func (b *Broadcast[T]) Listen(fn func(T)) *ListenerGuard {
	b.mu.Lock()
	listenerID := b.nextID
	b.nextID++
	b.listeners[listenerID] = fn
	b.mu.Unlock()

	return &ListenerGuard{unsubscribe: func() {
		b.mu.Lock()
		delete(b.listeners, listenerID)
		b.mu.Unlock()
	}}
}

// Observe reads the current value and, if scope is non-nil, registers
// this broadcast as one of scope's dependencies -- the "track me in
// whatever reactive scope is active" half of spec.md section 9.
func (b *Broadcast[T]) Observe(scope *ObserverScope) T {
	b.mu.RLock()
	v := b.value
	b.mu.RUnlock()
	if scope != nil {
		scope.track(b)
	}
	return v
}

// Value reads the current value without participating in any scope.
func (b *Broadcast[T]) Value() T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value
}

// Emit stores v as the current value and synchronously calls every
// listener with it. Listeners are snapshotted before the call so a
// listener closing its own guard (or another's) during dispatch never
// deadlocks or skips a sibling.
func (b *Broadcast[T]) Emit(v T) {
	b.mu.Lock()
	b.value = v
	fns := make([]func(T), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// ListenerCount reports the number of currently-registered listeners, for
// tests and diagnostics.
func (b *Broadcast[T]) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
