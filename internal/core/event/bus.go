package event

import (
	"reflect"
	"sync"
)

// Bus is a synchronous, type-keyed notification bus. Publish runs every
// handler subscribed to the event's type before returning, in subscription
// order, on the caller's goroutine. That keeps per-entity ordering intact:
// a grid's init notification is fully handled before its first move.
type Bus struct {
	mu       sync.Mutex // only protects handler registration
	nextID   uint64
	handlers map[reflect.Type][]handler
}

type handler struct {
	id uint64
	fn any // func(T)
}

// Subscription identifies one registered handler so it can be removed again.
type Subscription struct {
	typ reflect.Type
	id  uint64
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[reflect.Type][]handler),
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := typeOf[T]()
	b.nextID++
	b.handlers[t] = append(b.handlers[t], handler{id: b.nextID, fn: fn})
	return Subscription{typ: t, id: b.nextID}
}

// Unsubscribe removes a handler. Unknown or already removed subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[sub.typ]
	for i, h := range hs {
		if h.id == sub.id {
			// copy so a Publish iterating the old slice is unaffected
			next := make([]handler, 0, len(hs)-1)
			next = append(next, hs[:i]...)
			next = append(next, hs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, sub.typ)
			} else {
				b.handlers[sub.typ] = next
			}
			return
		}
	}
}

// Publish delivers event to every handler subscribed to T.
func Publish[T any](b *Bus, event T) {
	b.mu.Lock()
	hs := b.handlers[typeOf[T]()]
	b.mu.Unlock()
	for _, h := range hs {
		// Subscribe and Publish key on the same type, so the assertion holds.
		h.fn.(func(T))(event)
	}
}

// Subscribers reports how many handlers are registered for T.
func Subscribers[T any](b *Bus) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[typeOf[T]()])
}
