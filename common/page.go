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
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/liuxd6825/frameflow/log"
)

// PageDelegate is the browser side of a page.
type PageDelegate interface {
	// NavigateFrame starts a navigation of frame. It returns the id of
	// the new document, empty for a same document navigation.
	NavigateFrame(ctx context.Context, frame *Frame, url, referer string) (documentID string, err error)
	// InputActionEpilogue is awaited after input was dispatched, so that
	// the navigations it caused have been requested.
	InputActionEpilogue(ctx context.Context) error
}

type locatorHandler struct {
	selector    string
	handler     func(context.Context) error
	noWaitAfter bool
	times       int
}

// Page stores Page/tab related context.
type Page struct {
	ctx             context.Context
	browserCtx      *BrowserContext
	delegate        PageDelegate
	frameManager    *FrameManager
	timeoutSettings *TimeoutSettings
	hooks           *Hooks
	selectors       Selectors
	logger          *log.Logger
	strictSelectors bool

	events    eventEmitter[PageEvent]
	openScope *lifetimeScope

	mu                sync.RWMutex
	closed            bool
	extraHTTPHeaders  []HTTPHeader
	serverInterceptor RequestInterceptor
	clientInterceptor RequestInterceptor
	visitedOrigins    map[string]struct{}

	locatorHandlersMu      sync.Mutex
	lastLocatorHandlerUID  int
	locatorHandlers        map[int]*locatorHandler
	locatorHandlersRunning atomic.Int32
}

// NewPage creates a new page of browserCtx. delegate drives the browser
// and selectors resolves elements in it.
func NewPage(ctx context.Context, browserCtx *BrowserContext, delegate PageDelegate, selectors Selectors) *Page {
	cfg := browserCtx.cfg
	p := &Page{
		ctx:             ctx,
		browserCtx:      browserCtx,
		delegate:        delegate,
		timeoutSettings: NewTimeoutSettings(browserCtx.timeoutSettings),
		hooks:           NewHooks(cfg.SlowMo.Duration),
		selectors:       selectors,
		logger:          browserCtx.logger,
		strictSelectors: cfg.StrictSelectors.Bool,
		openScope:       newLifetimeScope(),
		visitedOrigins:  make(map[string]struct{}),
		locatorHandlers: make(map[int]*locatorHandler),
	}
	p.frameManager = NewFrameManager(ctx, p, cfg, p.timeoutSettings, p.logger, browserCtx.tracer)

	return p
}

// FrameManager returns the frame manager of the page.
func (p *Page) FrameManager() *FrameManager { return p.frameManager }

// MainFrame returns the main frame, nil before it was attached.
func (p *Page) MainFrame() *Frame { return p.frameManager.MainFrame() }

// Context returns the browser context of the page.
func (p *Page) Context() *BrowserContext { return p.browserCtx }

// Hooks returns the hooks of the page.
func (p *Page) Hooks() *Hooks { return p.hooks }

// SetDefaultTimeout sets the default timeout of the page actions.
func (p *Page) SetDefaultTimeout(timeout int64) {
	p.timeoutSettings.SetDefaultTimeout(msToDuration(timeout))
}

// SetDefaultNavigationTimeout sets the default timeout of navigations.
func (p *Page) SetDefaultNavigationTimeout(timeout int64) {
	p.timeoutSettings.SetDefaultNavigationTimeout(msToDuration(timeout))
}

// On registers fn for the events of the page. Listeners run synchronously
// while the frame manager holds its lock, so fn must not call back into
// the page or its frames directly. Start a goroutine for that, e.g. to
// navigate in response to an event.
func (p *Page) On(fn func(PageEvent)) (off func()) {
	return p.events.on(fn)
}

func (p *Page) emit(ev PageEvent) {
	p.events.emit(ev)
}

// Goto navigates the main frame.
func (p *Page) Goto(ctx context.Context, url string, opts *FrameGotoOptions) (*Response, error) {
	return p.MainFrame().Goto(ctx, url, opts)
}

// IsClosed reports whether the page was closed or crashed.
func (p *Page) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close closes the page. Every action waiting on it fails.
func (p *Page) Close() {
	p.didClose(ErrTargetClosed)
}

func (p *Page) didClose(reason error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Debugf("Page:didClose", "reason:%v", reason)
	p.openScope.close(reason)
	p.frameManager.dispose()
	p.frameManager.closeOpenDialogs()
	p.browserCtx.removePage(p)
	p.emit(PageEvent{Type: PageEventClose})
}

// didCrash closes the page with a distinct error.
func (p *Page) didCrash() {
	p.emit(PageEvent{Type: PageEventCrash})
	p.didClose(NewError(ErrorKindTargetClosed, "target crashed"))
}

// didDisconnect closes the page when the connection to the browser is
// lost.
func (p *Page) didDisconnect() {
	p.didClose(NewError(ErrorKindTargetClosed, "browser has been disconnected"))
}

// SetExtraHTTPHeaders sets the headers sent with every request.
func (p *Page) SetExtraHTTPHeaders(headers map[string]string) {
	hh := make([]HTTPHeader, 0, len(headers))
	for k, v := range headers {
		hh = append(hh, HTTPHeader{Name: k, Value: v})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extraHTTPHeaders = hh
}

func (p *Page) extraHeaders() []HTTPHeader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.extraHTTPHeaders != nil {
		return p.extraHTTPHeaders
	}
	return p.browserCtx.extraHTTPHeaders()
}

// resolveReferer returns the referer of a navigation, which either the
// extra headers or the navigation options may set, but not both.
func (p *Page) resolveReferer(referer string) (string, error) {
	var header string
	for _, h := range p.extraHeaders() {
		if strings.EqualFold(h.Name, "referer") {
			header = h.Value
			break
		}
	}
	if referer == "" {
		return header, nil
	}
	if header != "" && header != referer {
		return "", NewError(ErrorKindProgrammer, `"referer" is already specified as extra HTTP header`)
	}
	return referer, nil
}

// SetServerRequestInterceptor sets the interceptor that's offered the
// requests of the page first.
func (p *Page) SetServerRequestInterceptor(fn RequestInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serverInterceptor = fn
}

// Route sets the interceptor offered the requests of the page that the
// server interceptor didn't take.
func (p *Page) Route(fn RequestInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientInterceptor = fn
}

func (p *Page) serverRequestInterceptor() RequestInterceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serverInterceptor
}

func (p *Page) clientRequestInterceptor() RequestInterceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clientInterceptor
}

func (p *Page) frameNavigatedToNewDocument(f *Frame) {
	if origin := urlOrigin(f.URL()); origin != "" {
		p.mu.Lock()
		p.visitedOrigins[origin] = struct{}{}
		p.mu.Unlock()
	}
}

// VisitedOrigins returns the origins the frames of the page committed
// documents from.
func (p *Page) VisitedOrigins() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	origins := make([]string, 0, len(p.visitedOrigins))
	for o := range p.visitedOrigins {
		origins = append(origins, o)
	}
	return origins
}

func (p *Page) onMainFrameLifecycleEvent(f *Frame, event LifecycleEvent) {
	_, span := p.frameManager.tracer.TraceEvent(p.ctx, f.ID(), event.String(), f.traceAttributes())
	defer span.End()

	switch event {
	case LifecycleEventLoad:
		p.emit(PageEvent{Type: PageEventLoad, Frame: f})
	case LifecycleEventDOMContentLoad:
		p.emit(PageEvent{Type: PageEventDOMContentLoaded, Frame: f})
	}
}

func (p *Page) onDialog(d *Dialog) {
	p.frameManager.dialogDidOpen(d)
	p.emit(PageEvent{Type: PageEventDialog, Dialog: d})
}

// AddLocatorHandler registers handler to run whenever selector becomes
// visible while an action is polling. The handler runs at most times
// times, or without limit when times is zero. It returns the uid of the
// handler.
func (p *Page) AddLocatorHandler(
	selector string, handler func(context.Context) error, noWaitAfter bool, times int,
) int {
	p.locatorHandlersMu.Lock()
	defer p.locatorHandlersMu.Unlock()

	p.lastLocatorHandlerUID++
	uid := p.lastLocatorHandlerUID
	p.locatorHandlers[uid] = &locatorHandler{
		selector:    selector,
		handler:     handler,
		noWaitAfter: noWaitAfter,
		times:       times,
	}
	return uid
}

// RemoveLocatorHandler unregisters the handler with uid.
func (p *Page) RemoveLocatorHandler(uid int) {
	p.locatorHandlersMu.Lock()
	defer p.locatorHandlersMu.Unlock()
	delete(p.locatorHandlers, uid)
}

type locatorHandlerEntry struct {
	uid int
	*locatorHandler
}

func (p *Page) locatorHandlersSnapshot() []locatorHandlerEntry {
	p.locatorHandlersMu.Lock()
	defer p.locatorHandlersMu.Unlock()

	hs := make([]locatorHandlerEntry, 0, len(p.locatorHandlers))
	for uid, h := range p.locatorHandlers {
		hs = append(hs, locatorHandlerEntry{uid, h})
	}
	slices.SortFunc(hs, func(a, b locatorHandlerEntry) int { return a.uid - b.uid })
	return hs
}

// takeLocatorHandlerRun counts a run of the handler uid. It returns false
// when the handler was removed in the meantime.
func (p *Page) takeLocatorHandlerRun(uid int) bool {
	p.locatorHandlersMu.Lock()
	defer p.locatorHandlersMu.Unlock()

	h, ok := p.locatorHandlers[uid]
	if !ok {
		return false
	}
	if h.times > 0 {
		h.times--
		if h.times == 0 {
			delete(p.locatorHandlers, uid)
		}
	}
	return true
}

// performLocatorHandlersCheckpoint gives the locator handlers whose
// selector is visible a chance to run before an action continues. The
// handlers themselves don't trigger handlers.
func (p *Page) performLocatorHandlersCheckpoint(prog *Progress) error {
	if p.locatorHandlersRunning.Load() > 0 {
		return nil
	}
	main := p.MainFrame()
	if main == nil {
		return nil
	}

	for _, h := range p.locatorHandlersSnapshot() {
		visible, err := main.isVisibleInternal(prog, h.selector, true)
		if err != nil {
			return err
		}
		if !visible || !p.takeLocatorHandlerRun(h.uid) {
			continue
		}
		if err := p.runLocatorHandler(prog, main, h); err != nil {
			return err
		}
		if err := prog.ThrowIfAborted(); err != nil {
			return err
		}
		prog.Log("  interception handler has finished, continuing")
	}
	return nil
}

func (p *Page) runLocatorHandler(prog *Progress, main *Frame, h locatorHandlerEntry) error {
	p.locatorHandlersRunning.Add(1)
	defer p.locatorHandlersRunning.Add(-1)

	p.emit(PageEvent{Type: PageEventLocatorHandlerTriggered, UID: h.uid})
	prog.Log("  found %s, intercepting action to run the handler", locatorString(h.selector))

	done := make(chan error, 1)
	go func() { done <- h.handler(prog.Context()) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-p.openScope.Done():
		return p.openScope.Err()
	case <-prog.Done():
		return prog.abortErr()
	}

	if h.noWaitAfter {
		prog.Log("  locator handler has finished")
		return nil
	}
	prog.Log("  locator handler has finished, waiting for %s to be hidden", locatorString(h.selector))
	_, err := main.waitForSelectorInternal(prog, h.selector, DOMElementStateHidden, false, false)
	return err
}
