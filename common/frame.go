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
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/liuxd6825/frameflow/log"
)

// redirectedNavigation is a navigation started on behalf of a navigation
// request that a route redirected.
type redirectedNavigation struct {
	url  string
	done chan struct{}
	resp *Response
	err  error
}

func (r *redirectedNavigation) wait(p *Progress) (*Response, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-p.Done():
		return nil, p.abortErr()
	}
}

// Frame represents a frame in an HTML document.
type Frame struct {
	page    *Page
	manager *FrameManager
	log     *log.Logger

	events        eventEmitter[FrameEvent]
	detachedScope *lifetimeScope

	mu          sync.RWMutex
	id          cdp.FrameID
	name        string
	url         string
	parentFrame *Frame
	childFrames map[*Frame]struct{}

	currentDocument *DocumentInfo
	pendingDocument *DocumentInfo

	firedLifecycleEvents map[LifecycleEvent]struct{}
	firedNetworkIdleSelf bool
	inflightRequests     map[*Request]struct{}
	networkIdleTimer     *time.Timer
	// Incremented whenever the idle timer is stopped or restarted, so a
	// callback of a replaced timer is ignored.
	networkIdleGen uint64

	redirectedMu          sync.Mutex
	redirectedNavigations map[string]*redirectedNavigation
	// Number of goto actions in flight; only they can claim a redirect.
	gotos int

	contextsMu sync.Mutex
	contexts   map[World]*contextSlot

	stallingMu          sync.Mutex
	stallingEvaluations map[chan error]struct{}
}

// NewFrame creates a new HTML document frame.
func NewFrame(m *FrameManager, parentFrame *Frame, frameID cdp.FrameID) *Frame {
	m.logger.Debugf("NewFrame", "fid:%s", frameID)

	f := &Frame{
		page:                  m.page,
		manager:               m,
		log:                   m.logger,
		detachedScope:         newLifetimeScope(),
		id:                    frameID,
		parentFrame:           parentFrame,
		childFrames:           make(map[*Frame]struct{}),
		currentDocument:       &DocumentInfo{},
		firedLifecycleEvents:  map[LifecycleEvent]struct{}{LifecycleEventCommit: {}},
		inflightRequests:      make(map[*Request]struct{}),
		redirectedNavigations: make(map[string]*redirectedNavigation),
		contexts: map[World]*contextSlot{
			WorldMain:    {gen: newContextGeneration()},
			WorldUtility: {gen: newContextGeneration()},
		},
		stallingEvaluations: make(map[chan error]struct{}),
	}
	if parentFrame != nil {
		parentFrame.addChildFrame(f)
	}
	f.startNetworkIdleTimer()

	return f
}

// ID returns the frame id.
func (f *Frame) ID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return string(f.id)
}

func (f *Frame) frameID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id
}

func (f *Frame) setID(id cdp.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

// URL returns the URL of the committed document.
func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

// Name returns the frame name.
func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

func (f *Frame) setURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

// Page returns the page the frame belongs to.
func (f *Frame) Page() *Page { return f.page }

// ParentFrame returns the parent frame, nil for the main frame or a
// detached frame.
func (f *Frame) ParentFrame() *Frame {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parentFrame
}

// ChildFrames returns a snapshot of the child frames.
func (f *Frame) ChildFrames() []*Frame {
	f.mu.RLock()
	defer f.mu.RUnlock()

	children := make([]*Frame, 0, len(f.childFrames))
	for c := range f.childFrames {
		children = append(children, c)
	}
	return children
}

func (f *Frame) addChildFrame(child *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.childFrames[child] = struct{}{}
}

func (f *Frame) removeChildFrame(child *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.childFrames, child)
}

// IsDetached reports whether the frame was removed from the tree.
func (f *Frame) IsDetached() bool {
	return f.detachedScope.isClosed()
}

// IsMainFrame reports whether the frame is the main frame of its page.
func (f *Frame) IsMainFrame() bool {
	return f.manager.MainFrame() == f
}

// On registers fn for the events of the frame. As with Page.On, fn runs
// under the frame manager's lock and must hand off to a goroutine before
// calling blocking methods of the frame.
func (f *Frame) On(fn func(FrameEvent)) (off func()) {
	return f.events.on(fn)
}

// CurrentDocument returns the committed document.
func (f *Frame) CurrentDocument() *DocumentInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.currentDocument
}

// PendingDocument returns the document of the navigation in flight.
func (f *Frame) PendingDocument() *DocumentInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pendingDocument
}

func (f *Frame) setPendingDocument(doc *DocumentInfo) {
	f.mu.Lock()
	f.pendingDocument = doc
	f.mu.Unlock()
	if doc != nil {
		f.invalidateNonStallingEvaluations("Navigation interrupted the evaluation")
	}
}

func (f *Frame) hasLifecycleEventFired(event LifecycleEvent) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.firedLifecycleEvents[event]
	return ok
}

// FiredLifecycleEvents returns the lifecycle events of the current document.
func (f *Frame) FiredLifecycleEvents() []LifecycleEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	events := make([]LifecycleEvent, 0, len(f.firedLifecycleEvents))
	for _, ev := range []LifecycleEvent{
		LifecycleEventCommit, LifecycleEventDOMContentLoad, LifecycleEventLoad, LifecycleEventNetworkIdle,
	} {
		if _, ok := f.firedLifecycleEvents[ev]; ok {
			events = append(events, ev)
		}
	}
	return events
}

func (f *Frame) emitLifecycle(typ FrameEventType, event LifecycleEvent) {
	f.events.emit(FrameEvent{Type: typ, Lifecycle: event})
	if typ == FrameEventAddLifecycle && f.IsMainFrame() {
		f.page.onMainFrameLifecycleEvent(f, event)
	}
}

func (f *Frame) onLifecycleEvent(event LifecycleEvent) {
	f.mu.Lock()
	if _, ok := f.firedLifecycleEvents[event]; ok {
		f.mu.Unlock()
		return
	}
	f.firedLifecycleEvents[event] = struct{}{}
	f.mu.Unlock()

	f.log.Debugf("Frame:onLifecycleEvent", "fid:%s furl:%q event:%s", f.ID(), f.URL(), event)
	f.emitLifecycle(FrameEventAddLifecycle, event)
	f.manager.MainFrame().recalculateNetworkIdle(nil)
}

// onClearLifecycle starts the lifecycle of a new document.
func (f *Frame) onClearLifecycle() {
	f.mu.Lock()
	fired := make([]LifecycleEvent, 0, len(f.firedLifecycleEvents))
	for ev := range f.firedLifecycleEvents {
		fired = append(fired, ev)
	}
	f.firedLifecycleEvents = make(map[LifecycleEvent]struct{})
	// Keep the request of the current document, if any.
	inflight := make(map[*Request]struct{})
	for req := range f.inflightRequests {
		if req == f.currentDocument.request {
			inflight[req] = struct{}{}
		}
	}
	f.inflightRequests = inflight
	f.mu.Unlock()

	for _, ev := range fired {
		f.events.emit(FrameEvent{Type: FrameEventRemoveLifecycle, Lifecycle: ev})
	}

	f.stopNetworkIdleTimer()
	if f.inflightRequestCount() == 0 {
		f.startNetworkIdleTimer()
	}
	f.manager.MainFrame().recalculateNetworkIdle(f)
	f.onLifecycleEvent(LifecycleEventCommit)
}

// recalculateNetworkIdle fires networkidle on every frame of the subtree
// that has been quiet for the idle window and whose children all fired
// it. A frame that lost the condition gets networkidle removed, except
// allowRemoving, which is the frame currently starting a new lifecycle.
func (f *Frame) recalculateNetworkIdle(allowRemoving *Frame) {
	if f == nil {
		return
	}
	f.mu.RLock()
	idle := f.firedNetworkIdleSelf
	f.mu.RUnlock()

	for _, child := range f.ChildFrames() {
		child.recalculateNetworkIdle(allowRemoving)
		if !child.hasLifecycleEventFired(LifecycleEventNetworkIdle) {
			idle = false
		}
	}

	f.mu.Lock()
	_, fired := f.firedLifecycleEvents[LifecycleEventNetworkIdle]
	add := idle && !fired
	remove := allowRemoving != f && fired && !idle
	switch {
	case add:
		f.firedLifecycleEvents[LifecycleEventNetworkIdle] = struct{}{}
	case remove:
		delete(f.firedLifecycleEvents, LifecycleEventNetworkIdle)
	}
	f.mu.Unlock()

	switch {
	case add:
		f.log.Debugf("Frame:recalculateNetworkIdle", "fid:%s furl:%q networkidle fired", f.ID(), f.URL())
		f.emitLifecycle(FrameEventAddLifecycle, LifecycleEventNetworkIdle)
	case remove:
		f.log.Debugf("Frame:recalculateNetworkIdle", "fid:%s furl:%q networkidle removed", f.ID(), f.URL())
		f.emitLifecycle(FrameEventRemoveLifecycle, LifecycleEventNetworkIdle)
	}
}

// inflightRequestStarted returns true when req is the first request of
// a quiet period.
func (f *Frame) inflightRequestStarted(req *Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.inflightRequests[req]; ok {
		return false
	}
	f.inflightRequests[req] = struct{}{}
	return len(f.inflightRequests) == 1
}

// inflightRequestFinished returns true when req was the last inflight
// request.
func (f *Frame) inflightRequestFinished(req *Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.inflightRequests[req]; !ok {
		return false
	}
	delete(f.inflightRequests, req)
	return len(f.inflightRequests) == 0
}

func (f *Frame) inflightRequestCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.inflightRequests)
}

func (f *Frame) startNetworkIdleTimer() {
	if f.IsDetached() {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.firedLifecycleEvents[LifecycleEventNetworkIdle]; ok {
		return
	}
	if f.networkIdleTimer != nil {
		f.networkIdleTimer.Stop()
	}
	f.networkIdleGen++
	gen := f.networkIdleGen
	f.networkIdleTimer = time.AfterFunc(f.manager.networkIdleWindow, func() {
		f.manager.onNetworkIdleTimer(f, gen)
	})
}

func (f *Frame) stopNetworkIdleTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.networkIdleTimer != nil {
		f.networkIdleTimer.Stop()
		f.networkIdleTimer = nil
	}
	f.networkIdleGen++
	f.firedNetworkIdleSelf = false
}

// networkIdleTimerFired records that the timer of generation gen elapsed.
// It returns false for a timer that was replaced in the meantime.
func (f *Frame) networkIdleTimerFired(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if gen != f.networkIdleGen || f.networkIdleTimer == nil {
		return false
	}
	f.networkIdleTimer = nil
	f.firedNetworkIdleSelf = true
	return true
}

func (f *Frame) emitNavigation(ev *NavigationEvent) {
	f.events.emit(FrameEvent{Type: FrameEventNavigation, Navigation: ev})
}

// onDetached closes the frame for good: every waiter on it fails.
func (f *Frame) onDetached() {
	f.stopNetworkIdleTimer()
	f.detachedScope.close(ErrFrameDetached)
	f.destroyContexts("Frame was detached")

	f.redirectedMu.Lock()
	clear(f.redirectedNavigations)
	f.redirectedMu.Unlock()

	f.mu.Lock()
	parent := f.parentFrame
	f.parentFrame = nil
	f.mu.Unlock()
	if parent != nil {
		parent.removeChildFrame(f)
	}
	f.manager.tracer.EndNavigation(f.ID())
}

func (f *Frame) invalidateNonStallingEvaluations(msg string) {
	f.stallingMu.Lock()
	defer f.stallingMu.Unlock()

	if len(f.stallingEvaluations) == 0 {
		return
	}
	err := errors.New(msg)
	for ch := range f.stallingEvaluations {
		select {
		case ch <- err:
		default:
		}
	}
}

// raceAgainstEvaluationStallingEvents runs cb unless the frame is about to
// navigate or a dialog is open. A navigation or dialog that happens while
// cb runs fails the call without waiting for cb.
func raceAgainstEvaluationStallingEvents[T any](
	ctx context.Context, f *Frame, cb func(context.Context) (T, error),
) (T, error) {
	var zero T
	if f.PendingDocument() != nil {
		return zero, errors.New("frame is currently attempting a navigation")
	}
	if f.manager.hasOpenedDialogs() {
		return zero, errors.New("open JavaScript dialog prevents evaluation")
	}

	invalidated := make(chan error, 1)
	f.stallingMu.Lock()
	f.stallingEvaluations[invalidated] = struct{}{}
	f.stallingMu.Unlock()
	defer func() {
		f.stallingMu.Lock()
		delete(f.stallingEvaluations, invalidated)
		f.stallingMu.Unlock()
	}()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := cb(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case err := <-invalidated:
		return zero, err
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}

// Evaluate evaluates expression in world once its context is ready.
func (f *Frame) Evaluate(ctx context.Context, world World, expression string, arg any) (any, error) {
	return runProgress(ctx, f.log, "frame.evaluate", f.page.timeoutSettings.timeout(),
		func(p *Progress) (any, error) {
			ec, err := f.executionContext(p, world)
			if err != nil {
				return nil, err
			}
			return ec.Evaluate(p.Context(), expression, arg)
		})
}

// NonStallingEvaluateInExistingContext evaluates expression only if world
// already has a context, giving up on navigations and dialogs.
func (f *Frame) NonStallingEvaluateInExistingContext(
	ctx context.Context, world World, expression string,
) (any, error) {
	return raceAgainstEvaluationStallingEvents(ctx, f, func(ctx context.Context) (any, error) {
		ec := f.existingContext(world)
		if ec == nil {
			return nil, errors.New("frame does not yet have the execution context")
		}
		return ec.Evaluate(ctx, expression, nil)
	})
}

func (f *Frame) traceAttributes() oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attribute.String("frame.url", f.URL()))
}
