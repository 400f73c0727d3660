package main

import "sync"

// observers is a subscription list. Subscribers are called in the order they
// subscribed and never replace each other.
type observers[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a function that removes it again.
func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscriber[T]{id: id, fn: fn})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// notify calls every subscriber with v. The list is copied first so a
// subscriber may unsubscribe from inside its own callback.
func (o *observers[T]) notify(v T) {
	o.mu.RLock()
	subs := make([]subscriber[T], len(o.subs))
	copy(subs, o.subs)
	o.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

func (o *observers[T]) count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}
