// Package activity abstracts "the user is interacting" signals. The core has
// no dependency on any UI runtime; the embedding shell forwards its input
// events into a Source and the session manager subscribes to reset its
// inactivity clock.
package activity

import "sync"

// Kind identifies an interaction event.
type Kind string

const (
	KindPointerDown Kind = "pointer_down"
	KindPointerMove Kind = "pointer_move"
	KindKeyPress    Kind = "key_press"
	KindScroll      Kind = "scroll"
	KindTouchStart  Kind = "touch_start"
	KindClick       Kind = "click"
)

// Kinds lists every interaction kind a shell is expected to forward.
var Kinds = []Kind{
	KindPointerDown,
	KindPointerMove,
	KindKeyPress,
	KindScroll,
	KindTouchStart,
	KindClick,
}

// Source delivers interaction events to subscribers.
type Source interface {
	// Subscribe registers fn to be invoked on every interaction event. The
	// returned function removes the subscription; it is safe to call during
	// teardown even after the source itself is gone.
	Subscribe(fn func(Kind)) (unsubscribe func())
}

var _ Source = (*Bus)(nil)

// Bus is the reference Source: the embedding shell calls Emit for each input
// event it observes and subscribers are invoked synchronously. Tests drive it
// directly.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Kind)
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Kind))}
}

func (b *Bus) Subscribe(fn func(Kind)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Emit delivers kind to every current subscriber.
func (b *Bus) Emit(kind Kind) {
	b.mu.Lock()
	fns := make([]func(Kind), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(kind)
	}
}
