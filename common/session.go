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

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Session is a CDP session attached to a page target. The connection
// behind it belongs to the embedder, which forwards the events of the
// session to FrameSession.HandleMessage.
type Session interface {
	cdp.Executor
	ID() target.SessionID
	// Done is closed when the session is detached.
	Done() <-chan struct{}
}

// eventQueue hands events from the connection reader over to the event
// loop of a frame session. Pushing never blocks, so that a handler
// waiting for a command reply can't stall the reader delivering it.
type eventQueue struct {
	mu     sync.Mutex
	events []any
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev any) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) popAll() []any {
	q.mu.Lock()
	defer q.mu.Unlock()

	evs := q.events
	q.events = nil
	return evs
}
