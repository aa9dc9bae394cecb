package core

import "sync"

// Observable exposes a current value and a stream of its changes.
type Observable[T any] interface {
	Get() T
	Subscribe() *Subscription[T]
}

// Subscription delivers values of a Watchable in the order they were set.
// A slow reader skips intermediate values but always receives the latest one.
type Subscription[T any] struct {
	C <-chan T

	ch    chan T
	owner *Watchable[T]
	once  sync.Once
}

// Close detaches the subscription. C is closed afterwards.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.owner.remove(s)
	})
}

// Watchable holds a value and pushes every change to its subscribers.
type Watchable[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[*Subscription[T]]struct{}
}

// NewWatchable returns a Watchable holding initial.
func NewWatchable[T any](initial T) *Watchable[T] {
	return &Watchable[T]{
		value: initial,
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

// Get returns the current value.
func (w *Watchable[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Set stores v and notifies subscribers.
func (w *Watchable[T]) Set(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.value = v
	for s := range w.subs {
		deliver(s.ch, v)
	}
}

// Subscribe registers a new subscriber. The current value is delivered first.
func (w *Watchable[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, 1)
	s := &Subscription[T]{C: ch, ch: ch, owner: w}

	w.mu.Lock()
	w.subs[s] = struct{}{}
	ch <- w.value
	w.mu.Unlock()
	return s
}

func (w *Watchable[T]) remove(s *Subscription[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.subs[s]; ok {
		delete(w.subs, s)
		close(s.ch)
	}
}

// deliver replaces any unread value with v. Callers hold the owner lock,
// which makes them the only writer of ch.
func deliver[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
