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
	"context"
)

// World is an isolated JavaScript world of a frame.
type World string

const (
	WorldMain    World = "main"
	WorldUtility World = "utility"
)

var worlds = [...]World{WorldMain, WorldUtility}

// ExecutionContext is a JavaScript execution context created by the
// browser for one world of a frame.
type ExecutionContext interface {
	ID() string
	Evaluate(ctx context.Context, expression string, arg any) (any, error)
	// Destroyed is called when the context can no longer be used.
	Destroyed(reason string)
}

// contextGeneration is one pending period of a context slot. It's
// resolved exactly once, either with a context or a reason it never comes.
type contextGeneration struct {
	done chan struct{}
	ec   ExecutionContext
	err  error
}

func newContextGeneration() *contextGeneration {
	return &contextGeneration{done: make(chan struct{})}
}

func (g *contextGeneration) resolved() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *contextGeneration) resolve(ec ExecutionContext, err error) {
	if g.resolved() {
		return
	}
	g.ec, g.err = ec, err
	close(g.done)
}

// contextSlot is the context of a world: pending, ready or destroyed.
type contextSlot struct {
	current ExecutionContext
	gen     *contextGeneration
}

// slotState is reported for diagnostics and tests.
type slotState int

const (
	slotPending slotState = iota
	slotReady
	slotDestroyed
)

func (s *contextSlot) state() slotState {
	switch {
	case !s.gen.resolved():
		return slotPending
	case s.gen.ec != nil:
		return slotReady
	}
	return slotDestroyed
}

// setContext resolves every waiter with ec. A nil ec makes the slot
// pending again; waiters of a still pending generation keep waiting for
// the next context.
func (f *Frame) setContext(world World, ec ExecutionContext) {
	f.contextsMu.Lock()
	defer f.contextsMu.Unlock()

	slot := f.contexts[world]
	if ec != nil {
		slot.current = ec
		if slot.gen.resolved() {
			slot.gen = newContextGeneration()
		}
		slot.gen.resolve(ec, nil)
		return
	}
	slot.current = nil
	if slot.gen.resolved() {
		slot.gen = newContextGeneration()
	}
}

func (f *Frame) contextCreated(world World, ec ExecutionContext) {
	f.contextsMu.Lock()
	prev := f.contexts[world].current
	f.contextsMu.Unlock()

	f.log.Debugf("Frame:contextCreated", "fid:%s world:%s ecid:%s", f.ID(), world, ec.ID())
	if prev != nil {
		prev.Destroyed("Execution context was destroyed, most likely because of a navigation")
		f.setContext(world, nil)
	}
	f.setContext(world, ec)
}

func (f *Frame) contextDestroyed(ec ExecutionContext) {
	if f.IsDetached() {
		return
	}
	ec.Destroyed("Execution context was destroyed, most likely because of a navigation")
	for _, world := range worlds {
		f.contextsMu.Lock()
		match := f.contexts[world].current == ec
		f.contextsMu.Unlock()
		if match {
			f.setContext(world, nil)
		}
	}
}

// executionContextsCleared destroys the contexts of every world.
func (f *Frame) executionContextsCleared() {
	for _, world := range worlds {
		f.contextsMu.Lock()
		ec := f.contexts[world].current
		f.contextsMu.Unlock()
		if ec != nil {
			f.contextDestroyed(ec)
		}
	}
}

// destroyContexts resolves every world as destroyed for good.
func (f *Frame) destroyContexts(reason string) {
	f.contextsMu.Lock()
	defer f.contextsMu.Unlock()

	for _, world := range worlds {
		slot := f.contexts[world]
		if slot.current != nil {
			slot.current.Destroyed(reason)
		}
		slot.current = nil
		if slot.gen.resolved() {
			slot.gen = newContextGeneration()
		}
		slot.gen.resolve(nil, ErrFrameDetached)
	}
}

func (f *Frame) contextState(world World) slotState {
	f.contextsMu.Lock()
	defer f.contextsMu.Unlock()
	return f.contexts[world].state()
}

// executionContext waits for the context of world.
func (f *Frame) executionContext(p *Progress, world World) (ExecutionContext, error) {
	f.contextsMu.Lock()
	gen := f.contexts[world].gen
	f.contextsMu.Unlock()

	select {
	case <-gen.done:
		if gen.err != nil {
			return nil, gen.err
		}
		return gen.ec, nil
	case <-p.Done():
		return nil, p.abortErr()
	case <-f.detachedScope.Done():
		return nil, f.detachedScope.Err()
	}
}

func (f *Frame) existingContext(world World) ExecutionContext {
	f.contextsMu.Lock()
	defer f.contextsMu.Unlock()
	return f.contexts[world].current
}
