/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"sync"
)

// eventEmitter delivers events of one type to listeners synchronously, in
// registration order. Listeners registered or removed while an event is
// being delivered take effect from the next event.
type eventEmitter[E any] struct {
	mu        sync.Mutex
	nextID    int
	listeners []listener[E]
}

type listener[E any] struct {
	id int
	fn func(E)
}

// on registers fn and returns a function removing it.
func (e *eventEmitter[E]) on(fn func(E)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[E]{id: id, fn: fn})

	return func() { e.off(id) }
}

func (e *eventEmitter[E]) off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *eventEmitter[E]) emit(ev E) {
	e.mu.Lock()
	ls := make([]listener[E], len(e.listeners))
	copy(ls, e.listeners)
	e.mu.Unlock()

	for _, l := range ls {
		l.fn(ev)
	}
}

func (e *eventEmitter[E]) listenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.listeners)
}

// eventWaiter buffers the events matching a predicate from the moment it
// is created, so that an event emitted between registering and waiting is
// never lost.
type eventWaiter[E any] struct {
	mu     sync.Mutex
	queue  []E
	signal chan struct{}
	off    func()
}

func newEventWaiter[E any](em *eventEmitter[E], match func(E) bool) *eventWaiter[E] {
	w := &eventWaiter[E]{signal: make(chan struct{}, 1)}
	w.off = em.on(func(ev E) {
		if match != nil && !match(ev) {
			return
		}
		w.mu.Lock()
		w.queue = append(w.queue, ev)
		w.mu.Unlock()
		select {
		case w.signal <- struct{}{}:
		default:
		}
	})

	return w
}

func (w *eventWaiter[E]) dispose() {
	w.off()
}

func (w *eventWaiter[E]) pop() (E, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var zero E
	if len(w.queue) == 0 {
		return zero, false
	}
	ev := w.queue[0]
	w.queue = w.queue[1:]

	return ev, true
}

// next returns the oldest buffered event, waiting for one if needed.
// It gives up when the progress or one of the scopes ends.
func (w *eventWaiter[E]) next(p *Progress, a, b *lifetimeScope) (E, error) {
	var zero E
	for {
		if ev, ok := w.pop(); ok {
			return ev, nil
		}
		select {
		case <-w.signal:
		case <-p.Done():
			return zero, p.abortErr()
		case <-a.Done():
			return zero, a.Err()
		case <-b.Done():
			return zero, b.Err()
		}
	}
}

// waitFor returns the first buffered event satisfying pred.
func (w *eventWaiter[E]) waitFor(p *Progress, pred func(E) bool, a, b *lifetimeScope) (E, error) {
	for {
		ev, err := w.next(p, a, b)
		if err != nil {
			return ev, err
		}
		if pred == nil || pred(ev) {
			return ev, nil
		}
	}
}
