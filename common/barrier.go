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
	"runtime"
	"sync"
)

// SignalBarrier lets an action wait for every main frame navigation it
// caused. It's retained by its creator and by each navigation in flight,
// and it opens once all of them released it.
type SignalBarrier struct {
	progress *Progress

	mu     sync.Mutex
	count  int
	opened bool
	done   chan struct{}
}

// NewSignalBarrier returns a barrier retained once by the caller.
func NewSignalBarrier(p *Progress) *SignalBarrier {
	b := &SignalBarrier{
		progress: p,
		done:     make(chan struct{}),
	}
	b.retain()
	return b
}

// retain reports false once the barrier is open; an open barrier stays
// open.
func (b *SignalBarrier) retain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opened {
		return false
	}
	b.count++
	return true
}

func (b *SignalBarrier) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opened {
		return
	}
	b.count--
	if b.count == 0 {
		b.opened = true
		close(b.done)
	}
}

// AddFrameNavigation keeps the barrier closed until the next public
// navigation of frame. Child frame navigations are ignored.
func (b *SignalBarrier) AddFrameNavigation(frame *Frame) {
	b.addFrameNavigation(frame)
}

func (b *SignalBarrier) addFrameNavigation(frame *Frame) {
	if frame.ParentFrame() != nil {
		return
	}
	if !b.retain() {
		return
	}

	w := newEventWaiter(&frame.events, func(ev FrameEvent) bool {
		if ev.Type != FrameEventNavigation || !ev.Navigation.IsPublic {
			return false
		}
		if ev.Navigation.Err == nil {
			b.progress.Log("  navigated to %q", frame.URL())
		}
		return true
	})
	go func() {
		defer b.release()
		defer w.dispose()
		// Failures are reported by whoever waits for the navigation.
		_, _ = w.next(b.progress, frame.page.openScope, frame.detachedScope)
	}()
}

// WaitFor releases the retain of the creator and waits for the barrier
// to open.
func (b *SignalBarrier) WaitFor() error {
	b.release()

	select {
	case <-b.done:
		return nil
	case <-b.progress.Done():
		return b.progress.abortErr()
	}
}

// waitForSignalsCreatedBy runs action and then waits for the navigations
// it started on the main frame.
func waitForSignalsCreatedBy[T any](
	p *Progress, m *FrameManager, noWaitAfter bool, source string, action func() (T, error),
) (T, error) {
	if noWaitAfter {
		return action()
	}

	var zero T
	b := NewSignalBarrier(p)
	m.addBarrier(b)
	stop := p.cleanupWhenAborted(func() { m.removeBarrier(b) })
	defer stop()
	defer m.removeBarrier(b)

	res, err := action()
	if err != nil {
		return zero, err
	}
	if source == "input" {
		if err := m.page.delegate.InputActionEpilogue(p.Context()); err != nil {
			return zero, err
		}
	}
	if err := b.WaitFor(); err != nil {
		return zero, err
	}
	m.removeBarrier(b)
	// Let the waiters of the navigations run first.
	runtime.Gosched()

	return res, nil
}
