package event

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/laprincesa/almabot/internal/logging"
)

// Handler receives published events.
type Handler func(Event)

// anyType matches every event. It is the topic used by SubscribeAll.
const anyType = "*"

type listener struct {
	id    string
	topic string
	fn    Handler
}

// Bus delivers events synchronously to listeners on the publishing
// goroutine. The listener table is copy-on-write, so Publish never blocks
// on Subscribe and a handler may subscribe or unsubscribe without
// deadlocking.
type Bus struct {
	mu        sync.Mutex // serializes writers of listeners
	listeners atomic.Pointer[[]listener]
	seq       atomic.Uint64
	log       *logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger reports recovered handler panics through l.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l.WithComponent("event")
		}
	}
}

// NewBus returns an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{log: logging.NopLogger()}
	b.listeners.Store(&[]listener{})
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) snapshot() []listener {
	return *b.listeners.Load()
}

// update swaps in the result of fn applied to a private copy of the table.
func (b *Bus) update(fn func([]listener) []listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.snapshot()
	next := fn(append(make([]listener, 0, len(cur)+1), cur...))
	b.listeners.Store(&next)
}

// Subscribe registers fn for events of the given type and returns an ID
// for Unsubscribe.
func (b *Bus) Subscribe(eventType string, fn Handler) string {
	id := "sub-" + strconv.FormatUint(b.seq.Add(1), 10)
	b.update(func(ls []listener) []listener {
		return append(ls, listener{id: id, topic: eventType, fn: fn})
	})
	return id
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Handler) string {
	return b.Subscribe(anyType, fn)
}

// Unsubscribe drops the listener with the given ID. It reports whether one
// was registered.
func (b *Bus) Unsubscribe(id string) bool {
	found := false
	b.update(func(ls []listener) []listener {
		for i := range ls {
			if ls[i].id == id {
				found = true
				return append(ls[:i], ls[i+1:]...)
			}
		}
		return ls
	})
	return found
}

// Publish hands e to the listeners registered for its type, then to the
// catch-all listeners, each in subscription order. A panicking handler is
// logged and does not stop delivery to the rest.
func (b *Bus) Publish(e Event) {
	ls := b.snapshot()
	topic := e.EventType()
	for _, l := range ls {
		if l.topic == topic {
			b.deliver(l.fn, e)
		}
	}
	for _, l := range ls {
		if l.topic == anyType && topic != anyType {
			b.deliver(l.fn, e)
		}
	}
}

func (b *Bus) deliver(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"event_type", e.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(e)
}

// SubscriptionCount is the number of registered listeners.
func (b *Bus) SubscriptionCount() int {
	return len(b.snapshot())
}
